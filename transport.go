package redpipe

import (
	"bufio"
	"crypto/tls"
	"net"
	"time"

	"github.com/efritz/redpipe/resp"
)

type (
	// Transport is the duplex byte channel a Connection drives: an
	// already-established TCP or TLS stream. It is opaque to the RESP
	// codec and correlator, which only ever see an Encoder/Decoder pair.
	Transport interface {
		// Encoder returns the Transport's RESP encoder, shared across
		// every Write call so buffered-but-unflushed bytes accumulate
		// correctly under auto-flush = false.
		Encoder() *resp.Encoder
		// Decoder returns the Transport's RESP decoder.
		Decoder() *resp.Decoder
		// Close closes the underlying connection. Safe to call more than
		// once.
		Close() error
	}

	// DialFunc establishes the single Transport a Connection owns, or
	// returns an error. Tests substitute their own DialFunc to hand back
	// an in-memory Transport without touching the network.
	DialFunc func() (Transport, error)

	tcpTransport struct {
		conn net.Conn
		enc  *resp.Encoder
		dec  *resp.Decoder
	}
)

// NewDialFunc builds the DialFunc a Connection dials through. It fails fast
// if TLS is configured without a hostname, since a TLS handshake with no
// ServerName can never succeed certificate verification.
func NewDialFunc(cfg *Config) (DialFunc, error) {
	if cfg.TLSConfig != nil && cfg.Hostname == "" {
		return nil, ErrAssertionFailure.New("TLS configured without a hostname")
	}

	return func() (Transport, error) {
		dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}

		var (
			conn net.Conn
			err  error
		)

		if cfg.TLSConfig != nil {
			tlsConfig := cfg.TLSConfig.Clone()
			tlsConfig.ServerName = cfg.Hostname
			conn, err = tls.DialWithDialer(dialer, "tcp", cfg.Address, tlsConfig)
		} else {
			conn, err = dialer.Dial(networkOf(cfg.Address), cfg.Address)
		}
		if err != nil {
			return nil, ErrTransport.Wrap(err, "dial %s", cfg.Address)
		}

		if cfg.ReadTimeout > 0 || cfg.WriteTimeout > 0 {
			conn = &deadlineConn{Conn: conn, readTimeout: cfg.ReadTimeout, writeTimeout: cfg.WriteTimeout}
		}

		return newTCPTransport(conn), nil
	}, nil
}

// deadlineConn applies a fixed read/write deadline before each I/O call, so
// a wedged server can't block a Connection's goroutines indefinitely.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if c.readTimeout > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if c.writeTimeout > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.Conn.Write(p)
}

func networkOf(address string) string {
	if address[0] == '/' {
		return "unix"
	}
	return "tcp"
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{
		conn: conn,
		enc:  resp.NewEncoder(bufio.NewWriter(conn)),
		dec:  resp.NewDecoder(bufio.NewReader(conn)),
	}
}

func (t *tcpTransport) Encoder() *resp.Encoder { return t.enc }
func (t *tcpTransport) Decoder() *resp.Decoder { return t.dec }

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}
