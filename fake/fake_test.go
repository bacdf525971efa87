package fake_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	authfront "github.com/chimerakang/authfront-go"
	"github.com/chimerakang/authfront-go/api"
	"github.com/chimerakang/authfront-go/fake"
	"github.com/gin-gonic/gin"
	"golang.org/x/net/publicsuffix"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type harness struct {
	srv *fake.Server
	ts  *httptest.Server
	jar http.CookieJar
	api *api.Client
}

func setup(t *testing.T, opts ...fake.Option) *harness {
	t.Helper()
	srv := fake.NewServer(opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	hc := &http.Client{Jar: jar, Timeout: 5 * time.Second}
	return &harness{srv: srv, ts: ts, jar: jar, api: api.New(ts.URL, api.WithHTTPClient(hc))}
}

func (h *harness) refreshCookie(t *testing.T) string {
	t.Helper()
	u, _ := url.Parse(h.ts.URL + "/v1/auth/refresh")
	for _, c := range h.jar.Cookies(u) {
		if c.Name == fake.RefreshCookie {
			return c.Value
		}
	}
	return ""
}

// me calls /v1/auth/me with token and returns the HTTP status and envelope.
func (h *harness) me(t *testing.T, token string) (int, api.Envelope) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, h.ts.URL+api.PathMe, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /me: %v", err)
	}
	defer resp.Body.Close()
	var env api.Envelope
	_ = json.NewDecoder(resp.Body).Decode(&env)
	return resp.StatusCode, env
}

func apiError(t *testing.T, err error) *authfront.APIError {
	t.Helper()
	var apiErr *authfront.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	return apiErr
}

// --- Login / refresh / logout ---

func TestLoginDefaultAccount(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	tok, err := h.api.Login(ctx, authfront.LoginRequest{Email: fake.DefaultEmail, Password: fake.DefaultPassword})
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if tok.AccessToken == "" || tok.ExpiresIn != int(fake.DefaultAccessTokenTTL/time.Second) {
		t.Errorf("token = %+v", tok)
	}
	if h.refreshCookie(t) == "" {
		t.Error("login should set the refresh cookie")
	}

	status, env := h.me(t, tok.AccessToken)
	if status != http.StatusOK {
		t.Fatalf("GET /me status = %d, env = %+v", status, env)
	}
	var user authfront.User
	_ = json.Unmarshal(env.Data, &user)
	if user.Email != fake.DefaultEmail {
		t.Errorf("user = %+v", user)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	h := setup(t)

	_, err := h.api.Login(context.Background(), authfront.LoginRequest{Email: fake.DefaultEmail, Password: "wrong"})
	apiErr := apiError(t, err)
	if apiErr.Code != http.StatusUnauthorized || apiErr.Reason != authfront.ReasonInvalidCredentials {
		t.Errorf("APIError = %+v", apiErr)
	}
	if h.refreshCookie(t) != "" {
		t.Error("failed login must not set a refresh cookie")
	}
}

func TestRefreshRotatesAndLogoutRevokes(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	if _, err := h.api.Login(ctx, authfront.LoginRequest{Email: fake.DefaultEmail, Password: fake.DefaultPassword}); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	first := h.refreshCookie(t)

	tok, err := h.api.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if tok.AccessToken == "" {
		t.Error("empty access token")
	}
	if second := h.refreshCookie(t); second == "" || second == first {
		t.Errorf("refresh cookie not rotated: %q -> %q", first, second)
	}
	if n := h.srv.RefreshCount(); n != 1 {
		t.Errorf("RefreshCount = %d, want 1", n)
	}

	if err := h.api.Logout(ctx); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}
	_, err = h.api.Refresh(ctx)
	if apiErr := apiError(t, err); apiErr.Code != http.StatusUnauthorized {
		t.Errorf("refresh after logout = %+v, want 401", apiErr)
	}
}

func TestRefreshWithoutCookie(t *testing.T) {
	h := setup(t)

	_, err := h.api.Refresh(context.Background())
	apiErr := apiError(t, err)
	if apiErr.Reason != authfront.ReasonTokenMissing {
		t.Errorf("reason = %q, want token_missing", apiErr.Reason)
	}
}

func TestFailRefresh(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	_, _ = h.api.Login(ctx, authfront.LoginRequest{Email: fake.DefaultEmail, Password: fake.DefaultPassword})

	h.srv.FailRefresh(true)
	if _, err := h.api.Refresh(ctx); !errors.Is(err, authfront.ErrUnauthorized) {
		t.Fatalf("Refresh() error = %v, want ErrUnauthorized", err)
	}
	h.srv.FailRefresh(false)
	if _, err := h.api.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
}

// --- Bearer middleware ---

func TestMeRejectsMissingRevokedAndExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	h := setup(t, fake.WithClock(clock), fake.WithAccessTokenTTL(time.Minute))
	ctx := context.Background()

	if status, env := h.me(t, ""); status != http.StatusUnauthorized || env.Reason != authfront.ReasonTokenMissing {
		t.Errorf("no token: %d %+v", status, env)
	}
	if status, env := h.me(t, "garbage"); status != http.StatusUnauthorized || env.Reason != authfront.ReasonTokenInvalid {
		t.Errorf("garbage token: %d %+v", status, env)
	}

	tok, _ := h.api.Login(ctx, authfront.LoginRequest{Email: fake.DefaultEmail, Password: fake.DefaultPassword})
	h.srv.RevokeAccessTokens()
	if status, _ := h.me(t, tok.AccessToken); status != http.StatusUnauthorized {
		t.Errorf("revoked token status = %d, want 401", status)
	}

	tok, _ = h.api.Refresh(ctx)
	if status, _ := h.me(t, tok.AccessToken); status != http.StatusOK {
		t.Errorf("fresh token status = %d, want 200", status)
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	if status, env := h.me(t, tok.AccessToken); status != http.StatusUnauthorized || env.Reason != authfront.ReasonTokenExpired {
		t.Errorf("expired token: %d %+v", status, env)
	}
}

// --- Forgot password ---

func TestForgotPasswordFlow(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	vt, err := h.api.SendVerificationCode(ctx, fake.DefaultEmail)
	if err != nil {
		t.Fatalf("SendVerificationCode() error: %v", err)
	}
	res, err := h.api.VerifyCode(ctx, vt, fake.DefaultVerificationCode, authfront.FlowForgotPassword)
	if err != nil {
		t.Fatalf("VerifyCode() error: %v", err)
	}
	if res.PasswordResetToken == "" {
		t.Fatal("expected a password reset token")
	}

	err = h.api.ResetPassword(ctx, authfront.ResetPasswordRequest{
		Email: fake.DefaultEmail, PasswordResetToken: res.PasswordResetToken,
		Password: "newpass1", PasswordConfirm: "newpass2",
	})
	if apiErr := apiError(t, err); apiErr.Reason != authfront.ReasonPasswordMismatch {
		t.Errorf("mismatch reason = %q", apiErr.Reason)
	}

	err = h.api.ResetPassword(ctx, authfront.ResetPasswordRequest{
		Email: fake.DefaultEmail, PasswordResetToken: res.PasswordResetToken,
		Password: "newpass1", PasswordConfirm: "newpass1",
	})
	if err != nil {
		t.Fatalf("ResetPassword() with the same token should succeed after a mismatch: %v", err)
	}
	if pw, _ := h.srv.PasswordOf(fake.DefaultEmail); pw != "newpass1" {
		t.Errorf("password = %q", pw)
	}

	err = h.api.ResetPassword(ctx, authfront.ResetPasswordRequest{
		Email: fake.DefaultEmail, PasswordResetToken: res.PasswordResetToken,
		Password: "again", PasswordConfirm: "again",
	})
	if apiErr := apiError(t, err); apiErr.Reason != authfront.ReasonTokenInvalid {
		t.Errorf("reused reset token reason = %q, want token_invalid", apiErr.Reason)
	}
}

func TestVerifyCodeFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	h := setup(t, fake.WithClock(clock))
	ctx := context.Background()

	vt, _ := h.api.SendVerificationCode(ctx, fake.DefaultEmail)

	_, err := h.api.VerifyCode(ctx, vt, "000000", authfront.FlowForgotPassword)
	if apiErr := apiError(t, err); apiErr.Reason != authfront.ReasonCodeMismatch {
		t.Errorf("wrong code reason = %q", apiErr.Reason)
	}
	_, err = h.api.VerifyCode(ctx, vt, fake.DefaultVerificationCode, authfront.FlowSignup)
	if apiErr := apiError(t, err); apiErr.Reason != authfront.ReasonTokenInvalid {
		t.Errorf("wrong flow reason = %q", apiErr.Reason)
	}

	mu.Lock()
	now = now.Add(fake.DefaultChallengeTTL + time.Second)
	mu.Unlock()
	_, err = h.api.VerifyCode(ctx, vt, fake.DefaultVerificationCode, authfront.FlowForgotPassword)
	if apiErr := apiError(t, err); apiErr.Reason != authfront.ReasonTokenExpired {
		t.Errorf("expired reason = %q", apiErr.Reason)
	}
}

func TestWithoutResetToken(t *testing.T) {
	h := setup(t, fake.WithoutResetToken())
	ctx := context.Background()

	vt, _ := h.api.SendVerificationCode(ctx, fake.DefaultEmail)
	res, err := h.api.VerifyCode(ctx, vt, fake.DefaultVerificationCode, authfront.FlowForgotPassword)
	if err != nil {
		t.Fatalf("VerifyCode() error: %v", err)
	}
	if res.PasswordResetToken != "" {
		t.Errorf("reset token = %q, want none", res.PasswordResetToken)
	}
}

func TestVerifyLinkToken(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	if _, err := h.api.SendVerificationCode(ctx, fake.DefaultEmail); err != nil {
		t.Fatalf("SendVerificationCode() error: %v", err)
	}
	mail, found := h.srv.LastMail(fake.DefaultEmail)
	if !found || mail.LinkToken == "" {
		t.Fatalf("mail = %+v", mail)
	}
	res, err := h.api.VerifyToken(ctx, mail.LinkToken, authfront.FlowForgotPassword)
	if err != nil {
		t.Fatalf("VerifyToken() error: %v", err)
	}
	if res.PasswordResetToken == "" {
		t.Error("expected a password reset token")
	}
	if _, err := h.api.VerifyToken(ctx, mail.LinkToken, authfront.FlowForgotPassword); err == nil {
		t.Error("a link token must be single use")
	}
}

// --- Resend ---

func TestResendRateLimit(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	vt, _ := h.api.SendVerificationCode(ctx, fake.DefaultEmail)
	vt2, err := h.api.ResendVerificationCode(ctx, fake.DefaultEmail, authfront.FlowForgotPassword, vt)
	if err != nil {
		t.Fatalf("first resend error: %v", err)
	}
	if vt2 == vt {
		t.Error("resend should issue a new verification token")
	}

	_, err = h.api.ResendVerificationCode(ctx, fake.DefaultEmail, authfront.FlowForgotPassword, vt2)
	if !errors.Is(err, authfront.ErrRateLimited) {
		t.Fatalf("second resend error = %v, want ErrRateLimited", err)
	}

	// The replaced token is dead, the new one still verifies.
	if _, err := h.api.VerifyCode(ctx, vt, fake.DefaultVerificationCode, authfront.FlowForgotPassword); err == nil {
		t.Error("old verification token should be invalid")
	}
	if _, err := h.api.VerifyCode(ctx, vt2, fake.DefaultVerificationCode, authfront.FlowForgotPassword); err != nil {
		t.Errorf("new verification token: %v", err)
	}
}

// --- Signup ---

func TestSignupFlow(t *testing.T) {
	var (
		mu    sync.Mutex
		mails []fake.Mail
	)
	h := setup(t, fake.WithMailer(func(m fake.Mail) {
		mu.Lock()
		mails = append(mails, m)
		mu.Unlock()
	}))
	ctx := context.Background()

	req := authfront.SignupRequest{Name: "Bob", Email: "bob@atlas.com", Password: "pw123456", PasswordConfirm: "pw123456"}
	vt, err := h.api.SignupUsingEmail(ctx, req)
	if err != nil {
		t.Fatalf("SignupUsingEmail() error: %v", err)
	}
	mu.Lock()
	got := append([]fake.Mail(nil), mails...)
	mu.Unlock()
	if len(got) != 1 || got[0].To != "bob@atlas.com" || got[0].Flow != authfront.FlowSignup {
		t.Errorf("mails = %+v", got)
	}

	res, err := h.api.VerifyCode(ctx, vt, fake.DefaultVerificationCode, authfront.FlowSignup)
	if err != nil {
		t.Fatalf("VerifyCode() error: %v", err)
	}
	if res.AccessToken == "" || res.ExpiresIn == 0 {
		t.Fatalf("result = %+v", res)
	}
	if status, _ := h.me(t, res.AccessToken); status != http.StatusOK {
		t.Errorf("GET /me status = %d", status)
	}

	_, err = h.api.SignupUsingEmail(ctx, req)
	if apiErr := apiError(t, err); apiErr.Code != http.StatusBadRequest {
		t.Errorf("duplicate signup = %+v", apiErr)
	}
}

func TestSignupPasswordMismatch(t *testing.T) {
	h := setup(t)

	_, err := h.api.SignupUsingEmail(context.Background(), authfront.SignupRequest{
		Name: "Bob", Email: "bob@atlas.com", Password: "a", PasswordConfirm: "b",
	})
	if apiErr := apiError(t, err); apiErr.Reason != authfront.ReasonPasswordMismatch {
		t.Errorf("reason = %q", apiErr.Reason)
	}
}

// --- Config ---

func TestConfigEndpoints(t *testing.T) {
	h := setup(t,
		fake.WithBrand(authfront.Brand{Name: "Acme", Logo: "/acme.png"}, 60),
		fake.WithAuthConfig(authfront.AuthConfig{LoginMode: authfront.LoginModeSSO, SSO: authfront.SSOConfig{Enabled: true}}),
	)
	ctx := context.Background()

	g, err := h.api.GlobalConfig(ctx)
	if err != nil {
		t.Fatalf("GlobalConfig() error: %v", err)
	}
	if g.Brand.Name != "Acme" || g.Cache == nil || g.Cache.Duration != 60 {
		t.Errorf("global = %+v", g)
	}

	a, err := h.api.AuthConfig(ctx)
	if err != nil {
		t.Fatalf("AuthConfig() error: %v", err)
	}
	if a.LoginMode != authfront.LoginModeSSO || !a.SSO.Enabled {
		t.Errorf("auth = %+v", a)
	}
}
