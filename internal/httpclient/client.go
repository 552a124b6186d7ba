// Package httpclient is the outbound HTTP client for endpoint dispatch and
// AI calls. Endpoint URLs come from tenant configuration, so every target is
// checked against an SSRF policy before the request leaves the process and
// again at dial time, after DNS resolution.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cronicorn/cronicorn/errors"
)

const defaultMaxRedirects = 10

// Options configures the guard policy.
type Options struct {
	// Timeout is the whole-request deadline. Zero leaves deadlines to
	// per-request contexts, which is what the dispatcher wants: each
	// endpoint carries its own timeout_ms.
	Timeout time.Duration

	// AllowPrivate admits loopback and private-network targets. Set from
	// the dispatch allow_private_networks flag; development only.
	AllowPrivate bool

	// MaxRedirects caps the redirect chain. Zero means defaultMaxRedirects.
	MaxRedirects int
}

// Client is an *http.Client that refuses to talk to private networks unless
// told otherwise. Redirect targets and resolved IPs are re-checked, so a
// public hostname cannot bounce or rebind a request onto localhost.
type Client struct {
	*http.Client
	allowPrivate bool
	maxRedirects int
}

// New builds a guarded client.
func New(opts Options) *Client {
	c := &Client{
		Client:       &http.Client{Timeout: opts.Timeout},
		allowPrivate: opts.AllowPrivate,
		maxRedirects: opts.MaxRedirects,
	}
	if c.maxRedirects <= 0 {
		c.maxRedirects = defaultMaxRedirects
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return errors.Newf("stopped after %d redirects", c.maxRedirects)
		}
		if err := c.checkURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if !c.allowPrivate {
		dialer := &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}
		c.Transport = &http.Transport{
			// The hostname was vetted before the request was built, but the
			// addresses it resolves to were not. Checking here closes the
			// DNS-rebinding window.
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid dial address")
				}
				ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve %q", host)
				}
				for _, ip := range ips {
					if blockedIP(ip) {
						return nil, errors.Newf("%q resolves to blocked address %s", host, ip)
					}
				}
				return dialer.DialContext(ctx, network, addr)
			},
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}

	return c
}

// CheckURL vets a raw URL against the guard policy without sending anything.
// The seed loader uses this to reject bad endpoint URLs at config time.
func (c *Client) CheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "invalid URL")
	}
	return c.checkURL(u)
}

// Do sends the request after vetting its URL.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.checkURL(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked")
	}
	return c.Client.Do(req)
}

func (c *Client) checkURL(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return errors.Newf("scheme %q not allowed", u.Scheme)
	}

	// http://user@host confuses naive parsers into reading the wrong host;
	// endpoint auth belongs in headers_json, never in the URL.
	if u.User != nil {
		return errors.New("URL must not carry userinfo")
	}

	host := u.Hostname()
	if host == "" {
		return errors.New("URL missing hostname")
	}

	if c.allowPrivate {
		return nil
	}
	if isLocalhostName(host) {
		return errors.Newf("hostname %q is blocked", host)
	}
	if ip := net.ParseIP(host); ip != nil && blockedIP(ip) {
		return errors.Newf("address %s is blocked", host)
	}
	return nil
}

// blockedIP reports whether dispatching to ip would reach something other
// than the public internet: loopback, RFC1918/ULA, link-local (including the
// 169.254.169.254 metadata services), multicast, or unspecified.
func blockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		// 0.0.0.0/8 and the class E reserve never route publicly.
		return ip4[0] == 0 || ip4[0] >= 240
	}
	return false
}

func isLocalhostName(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" ||
		host == "localhost.localdomain" ||
		strings.HasSuffix(host, ".localhost")
}

// Unrestricted wraps an existing *http.Client with the guard disabled. Only
// for tests that target httptest servers on the loopback interface.
func Unrestricted(base *http.Client) *Client {
	return &Client{
		Client:       base,
		allowPrivate: true,
		maxRedirects: defaultMaxRedirects,
	}
}
