package core

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/proxy"
)

// ApplyUpstreamProxy points t at upstream for all outbound (non-CONNECT)
// traffic. http/https schemes use Transport's own Proxy field; socks4,
// socks5, and socks5-auth use golang.org/x/net/proxy's dialer, since
// net/http.Transport has no native SOCKS support.
func ApplyUpstreamProxy(t *http.Transport, upstream string) error {
	u, err := url.Parse(upstream)
	if err != nil {
		return fmt.Errorf("parsing upstream_proxy: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		t.Proxy = http.ProxyURL(u)
		return nil
	case "socks4", "socks5", "socks5-auth":
		dialer, err := socksDialer(u)
		if err != nil {
			return fmt.Errorf("building socks dialer: %w", err)
		}
		t.Proxy = nil
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
		return nil
	default:
		return fmt.Errorf("unsupported upstream_proxy scheme %q", u.Scheme)
	}
}

func socksDialer(u *url.URL) (proxy.Dialer, error) {
	var auth *proxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}
	return proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
}
