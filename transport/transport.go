// Package transport provides the HTTP round tripper that attaches the access
// credential to outgoing requests and renews the session on authorization failures.
//
// A request rejected with 401 waits for the session's single in-flight renewal
// (starting it if none is running) and is retried once with the renewed token.
// Requests to the credential endpoints themselves never trigger renewal.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	authfront "github.com/chimerakang/authfront-go"
	"github.com/chimerakang/authfront-go/metrics"
)

// Session is the part of the session manager the transport consults.
type Session interface {
	// AccessToken returns the current token without renewing it.
	AccessToken() string

	// Token returns the token to attach, renewing it first if it is known to be stale.
	Token(ctx context.Context) (string, error)

	// Renew returns a token newer than stale, joining or starting a renewal.
	Renew(ctx context.Context, stale string) (string, error)
}

// DefaultExcludedPaths never trigger renewal: a 401 from these endpoints is an
// answer about the credential itself.
var DefaultExcludedPaths = []string{
	"/v1/auth/refresh",
	"/v1/auth/login/email-password",
	"/v1/auth/logout",
}

// Transport is an http.RoundTripper that manages the bearer credential.
type Transport struct {
	// Base is the underlying round tripper. Default: http.DefaultTransport.
	Base http.RoundTripper

	// Session supplies and renews the access credential. When nil, requests pass through.
	Session Session

	// ExcludedPaths overrides DefaultExcludedPaths. Paths are matched by suffix so a
	// base URL with a path prefix still matches.
	ExcludedPaths []string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type retriedKey struct{}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Session == nil {
		return t.base().RoundTrip(req)
	}

	ctx := req.Context()
	excluded := t.excluded(req.URL.Path) || authfront.RenewalSkipped(ctx)

	var token string
	if excluded {
		token = t.Session.AccessToken()
	} else {
		var err error
		token, err = t.Session.Token(ctx)
		if err != nil {
			// Renewal failed and the session is gone; let the server decide whether
			// the request needs a credential.
			t.logger().Debug("dispatching without credential", "path", req.URL.Path, "error", err)
			token = ""
		}
	}

	resp, err := t.base().RoundTrip(withBearer(req, token))
	if err != nil || excluded || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if ctx.Value(retriedKey{}) != nil {
		return resp, nil
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		// The body was consumed and cannot be replayed.
		return resp, nil
	}

	fresh, err := t.Session.Renew(ctx, token)
	if err != nil {
		drain(resp)
		return nil, fmt.Errorf("authfront/transport: renew session: %w", err)
	}

	retry, err := rewind(req.WithContext(context.WithValue(ctx, retriedKey{}, true)))
	if err != nil {
		return resp, nil
	}
	drain(resp)

	resp, err = t.base().RoundTrip(withBearer(retry, fresh))
	switch {
	case err != nil:
		t.Metrics.RecordRetry("error")
	case resp.StatusCode == http.StatusUnauthorized:
		t.Metrics.RecordRetry("unauthorized")
	default:
		t.Metrics.RecordRetry("success")
	}
	return resp, err
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (t *Transport) excluded(path string) bool {
	paths := t.ExcludedPaths
	if paths == nil {
		paths = DefaultExcludedPaths
	}
	for _, p := range paths {
		if strings.HasSuffix(path, p) {
			return true
		}
	}
	return false
}

// withBearer returns a copy of req carrying token. RoundTrippers must not
// modify the caller's request.
func withBearer(req *http.Request, token string) *http.Request {
	r := req.Clone(req.Context())
	if token == "" {
		r.Header.Del("Authorization")
	} else {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	r := req.Clone(req.Context())
	r.Body = body
	return r, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
