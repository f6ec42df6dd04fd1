package fingerprint

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"

	utls "github.com/refraction-networking/utls"
)

// Profile names the TLS ClientHello the image fetcher presents to the portal.
type Profile string

const (
	ProfileChrome  Profile = "chrome"
	ProfileFirefox Profile = "firefox"
	ProfileSafari  Profile = "safari"
	ProfileGo      Profile = "go"     // standard go TLS
	ProfileRandom  Profile = "random" // randomized uTLS profile
)

// Options tunes the transport returned by Transport.
type Options struct {
	// InsecureSkipVerify disables certificate verification. The records portal
	// serves a self-signed chain, so image fetches run with it set.
	InsecureSkipVerify bool
}

// Transport returns an http.RoundTripper that handshakes with the given
// profile. ProfileGo (or an empty profile) yields a plain http.Transport.
func Transport(p Profile, opts Options) (http.RoundTripper, error) {
	if p == ProfileGo || p == "" {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify} //nolint:gosec
		return transport, nil
	}

	var clientHelloID utls.ClientHelloID
	switch p {
	case ProfileChrome:
		clientHelloID = utls.HelloChrome_Auto
	case ProfileFirefox:
		clientHelloID = utls.HelloFirefox_Auto
	case ProfileSafari:
		clientHelloID = utls.HelloIOS_Auto
	case ProfileRandom:
		clientHelloID = utls.HelloRandomizedALPN
	default:
		return nil, fmt.Errorf("fingerprint: unknown profile %q", p)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	// uTLS negotiates its own ALPN; keep the transport on HTTP/1.1 framing.
	transport.ForceAttemptHTTP2 = false
	dial := transport.DialContext

	transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		tcpConn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}

		uConn := utls.UClient(tcpConn, &utls.Config{
			ServerName:         host,
			InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec
			NextProtos:         []string{"http/1.1"},
		}, clientHelloID)
		if err := uConn.HandshakeContext(ctx); err != nil {
			_ = tcpConn.Close()
			return nil, fmt.Errorf("fingerprint: utls handshake failed: %w", err)
		}

		return uConn, nil
	}

	return transport, nil
}

// ParseProfile maps a config string onto a Profile.
func ParseProfile(s string) (Profile, error) {
	switch p := Profile(s); p {
	case "", ProfileGo:
		return ProfileGo, nil
	case ProfileChrome, ProfileFirefox, ProfileSafari, ProfileRandom:
		return p, nil
	default:
		return "", fmt.Errorf("fingerprint: unknown profile %q", s)
	}
}
