package persistence_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socketley/persistence"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg := &persistence.RuntimeConfig{
		Name:        "s1",
		Kind:        "server",
		Port:        19000,
		Group:       "web",
		Owner:       "",
		ChildPolicy: "stop",
		WasRunning:  true,
	}

	require.NoError(t, persistence.Save(dir, cfg))

	got, err := persistence.Load(dir, "s1")
	require.NoError(t, err)

	assert.Equal(t, cfg.Name, got.Name)
	assert.Equal(t, cfg.Kind, got.Kind)
	assert.Equal(t, cfg.Port, got.Port)
	assert.Equal(t, cfg.Group, got.Group)
	assert.Equal(t, cfg.ChildPolicy, got.ChildPolicy)
	assert.Equal(t, cfg.WasRunning, got.WasRunning)
}

func TestSaveLeavesNoTmpFile(t *testing.T) {
	dir := t.TempDir()
	cfg := &persistence.RuntimeConfig{Name: "s2", Kind: "cache"}
	require.NoError(t, persistence.Save(dir, cfg))

	_, err := os.Stat(filepath.Join(dir, "s2.json.tmp"))
	assert.True(t, os.IsNotExist(err), "tmp sibling must not survive a successful save")

	_, err = os.Stat(filepath.Join(dir, "s2.json"))
	assert.NoError(t, err)
}

func TestLoadIgnoresUnknownFields(t *testing.T) {
	dir := t.TempDir()
	raw := []byte(`{"name":"s3","kind":"server","port":19001,"future_field":"ignored"}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s3.json"), raw, 0o644))

	got, err := persistence.Load(dir, "s3")
	require.NoError(t, err)
	assert.Equal(t, "s3", got.Name)
	assert.Equal(t, 19001, got.Port)
}

func TestLegacyFieldsMigrate(t *testing.T) {
	dir := t.TempDir()
	raw := []byte(`{"name":"p1","kind":"proxy","backends":["a:1","b:2"],"tls_file":"/etc/old.pem"}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p1.json"), raw, 0o644))

	got, err := persistence.Load(dir, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:2"}, got.Upstreams)
	require.NotNil(t, got.TLS)
	assert.Equal(t, "/etc/old.pem", got.TLS.CertFile)
}

func TestReplayAllSkipsTmpAndBadEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, persistence.Save(dir, &persistence.RuntimeConfig{Name: "a", Kind: "server"}))
	require.NoError(t, persistence.Save(dir, &persistence.RuntimeConfig{Name: "b", Kind: "client"}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.json.tmp"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "d.json"), []byte("not json"), 0o644))

	all, skipped, err := persistence.ReplayAll(dir)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, uint64(1), skipped.Len())
}

func TestPasswordNeverStoredPlaintext(t *testing.T) {
	cfg := &persistence.RuntimeConfig{Name: "s4", Kind: "server"}
	require.NoError(t, cfg.SetPassword("hunter2"))

	assert.NotContains(t, cfg.PasswordDigest, "hunter2")
	assert.True(t, cfg.VerifyPassword("hunter2"))
	assert.False(t, cfg.VerifyPassword("wrong"))

	dir := t.TempDir()
	require.NoError(t, persistence.Save(dir, cfg))
	raw, err := os.ReadFile(filepath.Join(dir, "s4.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
}
