package engine

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	tls "github.com/refraction-networking/utls"
	"golang.org/x/net/proxy"

	"github.com/use-agent/reelfetch/proxypool"
)

const dialTimeout = 10 * time.Second

// h1Spec returns the ClientHello for hello with ALPN forced to http/1.1,
// since http.Transport cannot speak h2 over a utls connection.
func h1Spec(hello tls.ClientHelloID) (tls.ClientHelloSpec, error) {
	spec, err := tls.UTLSIdToSpec(hello)
	if err != nil {
		return tls.ClientHelloSpec{}, err
	}
	for i, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			spec.Extensions[i] = alpn
			break
		}
	}
	return spec, nil
}

// dialThrough opens a TCP connection to addr, tunnelling through px when
// it is non-nil.
func dialThrough(ctx context.Context, px *proxypool.Proxy, network, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: dialTimeout}
	if px == nil {
		return d.DialContext(ctx, network, addr)
	}
	switch px.Protocol {
	case proxypool.ProtocolSOCKS5, proxypool.ProtocolSOCKS5H:
		u, err := url.Parse(px.URL())
		if err != nil {
			return nil, fmt.Errorf("dial: proxy url: %w", err)
		}
		pd, err := proxy.FromURL(u, d)
		if err != nil {
			return nil, fmt.Errorf("dial: socks5: %w", err)
		}
		cd, ok := pd.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("dial: socks5 dialer lacks DialContext")
		}
		return cd.DialContext(ctx, network, addr)
	default:
		return dialConnect(ctx, d, px, addr)
	}
}

// dialConnect opens an HTTP CONNECT tunnel to addr through px.
func dialConnect(ctx context.Context, d *net.Dialer, px *proxypool.Proxy, addr string) (net.Conn, error) {
	conn, err := d.DialContext(ctx, "tcp", px.Key())
	if err != nil {
		return nil, fmt.Errorf("dial: proxy %s: %w", px.Key(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(dialTimeout))
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if px.Username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(px.Username + ":" + px.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dial: write CONNECT: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dial: read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("dial: proxy %s refused CONNECT: %s", px.Key(), resp.Status)
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

// newTransport builds a transport that dials through px (nil for direct)
// and presents hello on TLS connections.
func newTransport(px *proxypool.Proxy, hello tls.ClientHelloID) *http.Transport {
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialThrough(ctx, px, network, addr)
		},
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialThrough(ctx, px, network, addr)
			if err != nil {
				return nil, err
			}
			host, _, _ := net.SplitHostPort(addr)
			spec, err := h1Spec(hello)
			if err != nil {
				spec, err = h1Spec(tls.HelloChrome_Auto)
				if err != nil {
					conn.Close()
					return nil, fmt.Errorf("dial: tls spec: %w", err)
				}
			}
			tlsConn := tls.UClient(conn, &tls.Config{ServerName: host}, tls.HelloCustom)
			if err := tlsConn.ApplyPreset(&spec); err != nil {
				conn.Close()
				return nil, fmt.Errorf("dial: apply tls spec: %w", err)
			}
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, fmt.Errorf("dial: tls handshake: %w", err)
			}
			return tlsConn, nil
		},
		ForceAttemptHTTP2:   false,
		DisableKeepAlives:   px != nil,
		TLSHandshakeTimeout: dialTimeout,
	}
}
