package upstream

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/EricTsai83/optstuff-sub000/internal/apierror"
	"github.com/EricTsai83/optstuff-sub000/internal/config"
)

// NewHTTPClient builds the client shared by the prober and the size
// sampler. It never follows redirects, and when the policy denies private
// networks the dialer re-checks every resolved address at connect time so
// DNS rebinding cannot reach internal hosts.
func NewHTTPClient(cfg config.UpstreamConfig, policy Policy) *http.Client {
	dialTimeout := config.MustParseDuration(cfg.DialTimeout, 2*time.Second)
	idleConnTimeout := config.MustParseDuration(cfg.IdleConnTimeout, 90*time.Second)
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}

	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	if policy.DenyPrivateNetworks {
		dialer.Control = denyPrivateControl
	}

	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           dialer.DialContext,
			MaxIdleConns:          maxIdle,
			MaxIdleConnsPerHost:   maxIdle,
			IdleConnTimeout:       idleConnTimeout,
			TLSHandshakeTimeout:   dialTimeout,
			ResponseHeaderTimeout: config.MustParseDuration(cfg.ProbeTimeout, 3*time.Second),
			ForceAttemptHTTP2:     true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func denyPrivateControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || IsPrivateIP(ip) {
		return fmt.Errorf("dial %s: %w", address, ErrPrivateAddress)
	}
	return nil
}

// ProbeResult is the outcome of a HEAD probe. Status is the status the
// gateway should answer with: 200 when OK, otherwise an error status.
type ProbeResult struct {
	OK            bool
	Status        int
	Reason        string
	ContentType   string
	ContentLength int64 // -1 when unknown
}

// Prober issues HEAD requests to source hosts.
type Prober struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

// NewProber creates a Prober with a hard per-probe timeout.
func NewProber(client *http.Client, timeout time.Duration, userAgent string) *Prober {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Prober{client: client, timeout: timeout, userAgent: userAgent}
}

// Probe checks that u is reachable and looks like an image without fetching
// the body.
func (p *Prober) Probe(ctx context.Context, u *url.URL) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return failed(http.StatusBadGateway, "invalid_request")
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, ErrPrivateAddress):
			return failed(http.StatusForbidden, "private_address")
		case errors.Is(err, context.DeadlineExceeded):
			return failed(http.StatusBadGateway, "timeout")
		default:
			return failed(http.StatusBadGateway, "unreachable")
		}
	}
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return failed(http.StatusBadGateway, "redirect")
	case resp.StatusCode >= 400:
		return failed(apierror.MapUpstreamStatus(resp.StatusCode), "status")
	}

	ct := resp.Header.Get("Content-Type")
	if NonImageContentType(ct) {
		return ProbeResult{Status: http.StatusBadGateway, Reason: "content_type", ContentType: ct, ContentLength: resp.ContentLength}
	}
	return ProbeResult{OK: true, Status: http.StatusOK, ContentType: ct, ContentLength: resp.ContentLength}
}

func failed(status int, reason string) ProbeResult {
	return ProbeResult{Status: status, Reason: reason, ContentLength: -1}
}

// Err converts a failed probe into the gateway error it maps to.
func (r ProbeResult) Err() *apierror.Error {
	if r.OK {
		return nil
	}
	if r.Status == http.StatusForbidden {
		return apierror.Forbidden("source_domain", "source host is not allowed")
	}
	e := &apierror.Error{Kind: apierror.KindUpstream, Status: r.Status, Reason: "upstream_" + r.Reason}
	switch r.Reason {
	case "content_type":
		e.Message = "source is not an image"
	case "redirect":
		e.Message = "source redirected"
	case "timeout":
		e.Message = "source timed out"
	default:
		e.Message = "source image unavailable"
	}
	return e
}

// NonImageContentType reports whether ct names a payload the gateway must
// never serve as an image: text, JSON, XML, or JavaScript.
func NonImageContentType(ct string) bool {
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	}
	switch {
	case strings.HasPrefix(mt, "text/"):
		return true
	case strings.HasSuffix(mt, "/json"), strings.HasSuffix(mt, "+json"):
		return true
	case strings.HasSuffix(mt, "/xml"), strings.HasSuffix(mt, "+xml"):
		return true
	case strings.Contains(mt, "javascript"), strings.Contains(mt, "ecmascript"):
		return true
	}
	return false
}
