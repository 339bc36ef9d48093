package extvm_test

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socketley/extvm"
)

func TestInvokeMissingCallback(t *testing.T) {
	v := extvm.New(nil)
	require.NoError(t, v.Load(`function on_connect(id) { return true; }`))

	assert.True(t, v.HasCallback(extvm.OnConnect))
	assert.False(t, v.HasCallback(extvm.OnMessage))

	_, err := v.Invoke(extvm.OnMessage, "c1")
	assert.Error(t, err)
}

func TestInvokeCallbackReturnValue(t *testing.T) {
	v := extvm.New(nil)
	require.NoError(t, v.Load(`function on_auth(token) { return token === "secret"; }`))

	res, err := v.Invoke(extvm.OnAuth, "secret")
	require.NoError(t, err)
	assert.True(t, res.ToBoolean())

	res, err = v.Invoke(extvm.OnAuth, "wrong")
	require.NoError(t, err)
	assert.False(t, res.ToBoolean())
}

func TestInvokeReturnsErrorOnThrow(t *testing.T) {
	v := extvm.New(nil)
	require.NoError(t, v.Load(`function on_message(m) { throw new Error("boom"); }`))

	_, err := v.Invoke(extvm.OnMessage, "hi")
	assert.Error(t, err, "a throwing callback must surface as an error, not crash the caller")
}

func TestSubscribeTracksChannels(t *testing.T) {
	v := extvm.New(nil)
	require.NoError(t, v.Load(`subscribe("news"); subscribe("sports");`))

	assert.ElementsMatch(t, []string{"news", "sports"}, v.Subscriptions())
}

func TestRegisterHostFuncCallableFromScript(t *testing.T) {
	v := extvm.New(nil)

	var got string
	v.RegisterHostFunc("broadcast", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) > 0 {
			got = call.Arguments[0].String()
		}
		return goja.Undefined()
	})

	require.NoError(t, v.Load(`function on_tick() { self.broadcast("hello"); return 1; }`))
	res, err := v.Invoke(extvm.OnTick)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.ToInteger())
	assert.Equal(t, "hello", got)
}
