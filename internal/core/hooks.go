package core

import (
	"context"
	"crypto/tls"
	"net"
)

// tlsFailureListener performs the TLS handshake eagerly in Accept, so a
// failed handshake (expired cert, protocol mismatch, a plain HTTP client
// hitting the HTTPS port) can be reported as a virtual flow record
// through onFailure instead of only surfacing as a net/http error log
// line that never reaches the traffic monitor.
type tlsFailureListener struct {
	net.Listener
	config    *tls.Config
	onFailure func(sni, message, clientAddr string)
}

// WrapTLSListener wraps a plain TCP listener so every accepted connection
// completes its TLS handshake before being handed to http.Server,
// reporting handshake failures through onFailure rather than dropping
// them silently.
func WrapTLSListener(inner net.Listener, config *tls.Config, onFailure func(sni, message, clientAddr string)) net.Listener {
	return &tlsFailureListener{Listener: inner, config: config, onFailure: onFailure}
}

func (l *tlsFailureListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		tlsConn := tls.Server(conn, l.config)
		if err := tlsConn.HandshakeContext(context.Background()); err != nil {
			sni := tlsConn.ConnectionState().ServerName
			if l.onFailure != nil {
				l.onFailure(sni, err.Error(), conn.RemoteAddr().String())
			}
			conn.Close()
			continue
		}

		return tlsConn, nil
	}
}
