package certificates

import (
	"crypto/tls"
	"net"
)

// Envelope is the in-process TLS wrapper: the reactor keeps doing plain
// byte I/O against whatever net.Conn it was handed, while
// encryption/decryption happens inside this type. crypto/tls
// already separates record-layer processing from the transport it is
// given, so the envelope here is exactly that: a *tls.Conn constructed
// over the caller's raw connection. The reactor never imports
// crypto/tls directly - every runtime that wants TLS calls
// WrapServer/WrapClient once at accept/connect time and hands the
// resulting net.Conn to the reactor like any other connection.
type Envelope struct {
	*tls.Conn
	raw net.Conn
}

// WrapServer terminates TLS on accepted raw using cfg, for the
// listener side of a server/proxy/cache runtime.
func WrapServer(raw net.Conn, cfg *tls.Config) *Envelope {
	return &Envelope{Conn: tls.Server(raw, cfg), raw: raw}
}

// WrapClient initiates TLS on raw using cfg, for an outbound client
// runtime connection or a proxy-to-backend mTLS connection.
func WrapClient(raw net.Conn, cfg *tls.Config) *Envelope {
	return &Envelope{Conn: tls.Client(raw, cfg), raw: raw}
}

// Handshake performs (or waits for) the TLS handshake explicitly, so
// callers can surface a handshake failure before the connection is
// registered with the reactor, rather than on the first submitted read.
func (e *Envelope) Handshake() error {
	return e.Conn.Handshake()
}

// Raw returns the underlying, unencrypted connection the envelope was
// built over - used only for closing/cancellation bookkeeping, never for
// application I/O.
func (e *Envelope) Raw() net.Conn {
	return e.raw
}
