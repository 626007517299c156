package provider

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// NewHTTPClient builds the provider HTTP client. proxyURL may be empty, an
// http(s) proxy, or a socks5 proxy.
func NewHTTPClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		switch u.Scheme {
		case "http", "https":
			transport.Proxy = http.ProxyURL(u)
		case "socks", "socks5", "socks5h":
			if u.Scheme == "socks" {
				u.Scheme = "socks5"
			}
			direct := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
			d, err := proxy.FromURL(u, direct)
			if err != nil {
				return nil, fmt.Errorf("proxy dialer: %w", err)
			}
			transport.Proxy = nil
			transport.DialContext = dialContext(d)
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
		}
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

func dialContext(d proxy.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}
}
