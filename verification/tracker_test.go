package verification_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	authfront "github.com/chimerakang/authfront-go"
	"github.com/chimerakang/authfront-go/statestore"
	"github.com/chimerakang/authfront-go/verification"
)

// clock is a manually advanced time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// stubBackend implements authfront.VerificationBackend for testing.
type stubBackend struct {
	mu    sync.Mutex
	calls map[string]int
	seq   int

	startErr  error
	resendErr error
	verifyRes *authfront.VerifyResult
	verifyErr error
	resetErr  error

	lastReset authfront.ResetPasswordRequest
	lastOld   string
}

func newBackend() *stubBackend {
	return &stubBackend{calls: make(map[string]int)}
}

func (b *stubBackend) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

func (b *stubBackend) nextToken(name string) string {
	b.calls[name]++
	b.seq++
	return fmt.Sprintf("vt-%d", b.seq)
}

func (b *stubBackend) SignupUsingEmail(ctx context.Context, req authfront.SignupRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	vt := b.nextToken("signup")
	if b.startErr != nil {
		return "", b.startErr
	}
	return vt, nil
}

func (b *stubBackend) SendVerificationCode(ctx context.Context, email string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	vt := b.nextToken("send")
	if b.startErr != nil {
		return "", b.startErr
	}
	return vt, nil
}

func (b *stubBackend) ResendVerificationCode(ctx context.Context, email string, flow authfront.FlowType, oldToken string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	vt := b.nextToken("resend")
	b.lastOld = oldToken
	if b.resendErr != nil {
		return "", b.resendErr
	}
	return vt, nil
}

func (b *stubBackend) VerifyCode(ctx context.Context, vt, code string, flow authfront.FlowType) (*authfront.VerifyResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["verify-code"]++
	return b.verifyRes, b.verifyErr
}

func (b *stubBackend) VerifyToken(ctx context.Context, token string, flow authfront.FlowType) (*authfront.VerifyResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["verify-token"]++
	return b.verifyRes, b.verifyErr
}

func (b *stubBackend) ResetPassword(ctx context.Context, req authfront.ResetPasswordRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["reset"]++
	b.lastReset = req
	return b.resetErr
}

func newTracker(b *stubBackend, store authfront.StateStore, c *clock) *verification.Tracker {
	return verification.New(b, store, verification.WithClock(c.Now))
}

func TestExpiryBoundary(t *testing.T) {
	c := newClock()
	store := statestore.NewMemory()
	tr := newTracker(newBackend(), store, c)
	start := c.Now()

	if err := tr.Start(authfront.FlowSignup, "a@b.com", "tok1"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if s := tr.State(start.Add(14*time.Minute + 59*time.Second)); s.IsIdle() {
		t.Fatal("flow should be active at T+14m59s")
	}
	if s := tr.State(start.Add(15 * time.Minute)); s.IsIdle() {
		t.Fatal("flow should be active at exactly T+15m")
	}
	if got := tr.TimeRemaining(start.Add(10 * time.Minute)); got != 5*time.Minute {
		t.Errorf("TimeRemaining(T+10m) = %v, want 5m", got)
	}
	if s := tr.State(start.Add(15*time.Minute + time.Second)); !s.IsIdle() {
		t.Fatalf("flow should be cleared at T+15m01s, got %+v", s)
	}
	if store.Len() != 0 {
		t.Error("expired flow should be deleted from the store")
	}
	if got := tr.TimeRemaining(start.Add(16 * time.Minute)); got != 0 {
		t.Errorf("TimeRemaining after expiry = %v, want 0", got)
	}
}

func TestResendCooldownIsLocal(t *testing.T) {
	c := newClock()
	b := newBackend()
	tr := newTracker(b, nil, c)
	ctx := context.Background()

	_ = tr.Start(authfront.FlowSignup, "a@b.com", "tok1")
	c.Advance(5 * time.Minute)

	if err := tr.Resend(ctx); err != nil {
		t.Fatalf("first Resend() error: %v", err)
	}
	s := tr.State(c.Now())
	if s.VerificationToken == "tok1" || !s.CreatedAt.Equal(c.Now()) {
		t.Errorf("resend should replace the token and refresh the timer, got %+v", s)
	}
	if b.lastOld != "tok1" {
		t.Errorf("old token sent = %q, want tok1", b.lastOld)
	}

	c.Advance(30 * time.Second)
	err := tr.Resend(ctx)
	if !errors.Is(err, authfront.ErrCooldownActive) {
		t.Fatalf("second Resend() error = %v, want ErrCooldownActive", err)
	}
	if n := b.count("resend"); n != 1 {
		t.Errorf("resend network calls = %d, want 1", n)
	}
	if got := tr.CooldownRemaining(c.Now()); got != 30*time.Second {
		t.Errorf("CooldownRemaining = %v, want 30s", got)
	}
	if tr.CanResend(c.Now()) {
		t.Error("CanResend should be false during cooldown")
	}
	if !errors.Is(tr.LastError(), authfront.ErrCooldownActive) {
		t.Errorf("LastError = %v", tr.LastError())
	}

	c.Advance(30 * time.Second)
	if !tr.CanResend(c.Now()) {
		t.Error("CanResend should be true once the cooldown ends")
	}
	if err := tr.Resend(ctx); err != nil {
		t.Fatalf("Resend() after cooldown error: %v", err)
	}
	if n := b.count("resend"); n != 2 {
		t.Errorf("resend network calls = %d, want 2", n)
	}
	if tr.LastError() != nil {
		t.Errorf("LastError after success = %v, want nil", tr.LastError())
	}
}

func TestResendRateLimitedStartsCooldown(t *testing.T) {
	c := newClock()
	b := newBackend()
	b.resendErr = &authfront.APIError{Code: 429, Message: "too many requests"}
	tr := newTracker(b, nil, c)

	_ = tr.Start(authfront.FlowForgotPassword, "a@b.com", "tok1")
	before := tr.State(c.Now())

	err := tr.Resend(context.Background())
	if !errors.Is(err, authfront.ErrRateLimited) {
		t.Fatalf("Resend() error = %v, want ErrRateLimited", err)
	}
	if after := tr.State(c.Now()); after != before {
		t.Errorf("state changed on rate limit: %+v -> %+v", before, after)
	}
	if got := tr.CooldownRemaining(c.Now()); got != authfront.DefaultResendCooldown {
		t.Errorf("CooldownRemaining = %v, want %v", got, authfront.DefaultResendCooldown)
	}
	if err := tr.Resend(context.Background()); !errors.Is(err, authfront.ErrCooldownActive) {
		t.Errorf("Resend() during cooldown error = %v", err)
	}
	if n := b.count("resend"); n != 1 {
		t.Errorf("resend network calls = %d, want 1", n)
	}
}

func TestResendRequiresAwaitingCode(t *testing.T) {
	c := newClock()
	b := newBackend()
	tr := newTracker(b, nil, c)
	ctx := context.Background()

	if err := tr.Resend(ctx); !errors.Is(err, authfront.ErrNoActiveFlow) {
		t.Errorf("Resend() when idle = %v, want ErrNoActiveFlow", err)
	}

	_ = tr.Start(authfront.FlowSignup, "a@b.com", "tok1")
	c.Advance(16 * time.Minute)
	if err := tr.Resend(ctx); !errors.Is(err, authfront.ErrFlowExpired) {
		t.Errorf("Resend() when expired = %v, want ErrFlowExpired", err)
	}

	_ = tr.Start(authfront.FlowForgotPassword, "a@b.com", "tok2")
	b.verifyRes = &authfront.VerifyResult{PasswordResetToken: "rt"}
	if _, err := tr.Verify(ctx, authfront.VerifyRequest{Code: "114514"}); err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if err := tr.Resend(ctx); !errors.Is(err, authfront.ErrInvalidState) {
		t.Errorf("Resend() when verified = %v, want ErrInvalidState", err)
	}
	if n := b.count("resend"); n != 0 {
		t.Errorf("resend network calls = %d, want 0", n)
	}
}

func TestForgotPasswordMissingResetToken(t *testing.T) {
	c := newClock()
	b := newBackend()
	b.verifyRes = &authfront.VerifyResult{}
	store := statestore.NewMemory()
	tr := newTracker(b, store, c)

	_ = tr.Start(authfront.FlowForgotPassword, "a@b.com", "tok1")
	_, err := tr.Verify(context.Background(), authfront.VerifyRequest{Code: "114514"})
	if !errors.Is(err, authfront.ErrResetTokenMissing) {
		t.Fatalf("Verify() error = %v, want ErrResetTokenMissing", err)
	}
	if s := tr.State(c.Now()); !s.IsIdle() {
		t.Errorf("state should be cleared, got %+v", s)
	}
	if store.Len() != 0 {
		t.Error("store should be empty")
	}
}

func TestForgotPasswordFullFlow(t *testing.T) {
	c := newClock()
	b := newBackend()
	store := statestore.NewMemory()
	tr := newTracker(b, store, c)
	ctx := context.Background()

	if err := tr.StartForgotPassword(ctx, "admin@atlas.com"); err != nil {
		t.Fatalf("StartForgotPassword() error: %v", err)
	}
	b.verifyRes = &authfront.VerifyResult{PasswordResetToken: "rt-1"}
	c.Advance(2 * time.Minute)

	if _, err := tr.Verify(ctx, authfront.VerifyRequest{Code: "114514"}); err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if p := tr.Phase(c.Now()); p != verification.PhaseVerified {
		t.Fatalf("phase = %v, want verified", p)
	}

	tr.CleanupAfterVerification(true)
	s := tr.State(c.Now())
	want := authfront.VerificationState{
		Flow:               authfront.FlowForgotPassword,
		Email:              "admin@atlas.com",
		PasswordResetToken: "rt-1",
		CreatedAt:          c.Now(),
	}
	if s != want {
		t.Fatalf("state after cleanup = %+v, want %+v", s, want)
	}

	b.resetErr = &authfront.APIError{Code: 400, Message: "passwords do not match", Reason: authfront.ReasonPasswordMismatch}
	if err := tr.ResetPassword(ctx, "new1", "new2"); err == nil {
		t.Fatal("ResetPassword() with mismatch should fail")
	}
	if s := tr.State(c.Now()); s.PasswordResetToken != "rt-1" {
		t.Fatalf("reset token should survive a business failure, got %+v", s)
	}

	b.resetErr = nil
	if err := tr.ResetPassword(ctx, "new1", "new1"); err != nil {
		t.Fatalf("ResetPassword() error: %v", err)
	}
	if b.lastReset.Email != "admin@atlas.com" || b.lastReset.PasswordResetToken != "rt-1" {
		t.Errorf("reset request = %+v", b.lastReset)
	}
	if s := tr.State(c.Now()); !s.IsIdle() {
		t.Errorf("state after reset = %+v, want idle", s)
	}
	if store.Len() != 0 {
		t.Error("store should be empty after reset")
	}
}

func TestSignupCleanupRoundTrip(t *testing.T) {
	c := newClock()
	store := statestore.NewMemory()
	tr := newTracker(newBackend(), store, c)
	initial := tr.State(c.Now())

	_ = tr.Start(authfront.FlowSignup, "a@b.com", "tok1")
	tr.CleanupAfterVerification(false)

	if got := tr.State(c.Now()); got != initial || got != (authfront.VerificationState{}) {
		t.Errorf("state = %+v, want the initial idle state", got)
	}
	if store.Len() != 0 {
		t.Error("store should be empty")
	}
}

func TestSignupVerifyClearsAndReturnsToken(t *testing.T) {
	c := newClock()
	b := newBackend()
	b.verifyRes = &authfront.VerifyResult{AccessToken: "at", ExpiresIn: 900}
	tr := newTracker(b, nil, c)
	ctx := context.Background()

	if err := tr.StartSignup(ctx, authfront.SignupRequest{Name: "A", Email: "a@b.com", Password: "p", PasswordConfirm: "p"}); err != nil {
		t.Fatalf("StartSignup() error: %v", err)
	}
	res, err := tr.Verify(ctx, authfront.VerifyRequest{Code: "114514"})
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if res.AccessToken != "at" {
		t.Errorf("access token = %q", res.AccessToken)
	}
	if s := tr.State(c.Now()); !s.IsIdle() {
		t.Errorf("state = %+v, want idle", s)
	}
}

func TestVerifyFailureClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantClear bool
	}{
		{"wrong code", &authfront.APIError{Code: 400, Message: "invalid code", Reason: authfront.ReasonCodeMismatch}, false},
		{"token expired", &authfront.APIError{Code: 400, Message: "verification expired", Reason: authfront.ReasonTokenExpired}, true},
		{"token invalid", &authfront.APIError{Code: 400, Reason: authfront.ReasonTokenInvalid}, true},
		{"message fallback expired", &authfront.APIError{Code: 400, Message: "Verification Token Expired"}, true},
		{"message fallback wrong code", &authfront.APIError{Code: 400, Message: "incorrect code"}, false},
		{"network", fmt.Errorf("%w: connection refused", authfront.ErrNetwork), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClock()
			b := newBackend()
			b.verifyErr = tt.err
			tr := newTracker(b, nil, c)
			_ = tr.Start(authfront.FlowSignup, "a@b.com", "tok1")

			_, err := tr.Verify(context.Background(), authfront.VerifyRequest{Code: "000000"})
			if err == nil {
				t.Fatal("Verify() should fail")
			}
			if !errors.Is(tr.LastError(), tt.err) {
				t.Errorf("LastError = %v, want wrapping %v", tr.LastError(), tt.err)
			}
			if cleared := tr.State(c.Now()).IsIdle(); cleared != tt.wantClear {
				t.Errorf("cleared = %v, want %v", cleared, tt.wantClear)
			}
		})
	}
}

func TestVerifyPreconditions(t *testing.T) {
	c := newClock()
	b := newBackend()
	tr := newTracker(b, nil, c)
	ctx := context.Background()

	if _, err := tr.Verify(ctx, authfront.VerifyRequest{Code: "114514"}); !errors.Is(err, authfront.ErrNoActiveFlow) {
		t.Errorf("code with no flow = %v, want ErrNoActiveFlow", err)
	}
	if _, err := tr.Verify(ctx, authfront.VerifyRequest{}); !errors.Is(err, authfront.ErrValidation) {
		t.Errorf("empty request = %v, want ErrValidation", err)
	}
	if _, err := tr.Verify(ctx, authfront.VerifyRequest{Token: "link"}); !errors.Is(err, authfront.ErrValidation) {
		t.Errorf("link without flow = %v, want ErrValidation", err)
	}

	_ = tr.Start(authfront.FlowSignup, "a@b.com", "tok1")
	c.Advance(15*time.Minute + time.Second)
	if _, err := tr.Verify(ctx, authfront.VerifyRequest{Code: "114514"}); !errors.Is(err, authfront.ErrFlowExpired) {
		t.Errorf("code after expiry = %v, want ErrFlowExpired", err)
	}
	if n := b.count("verify-code") + b.count("verify-token"); n != 0 {
		t.Errorf("verify network calls = %d, want 0", n)
	}
}

func TestVerifyLinkWithoutActiveFlow(t *testing.T) {
	c := newClock()
	b := newBackend()
	b.verifyRes = &authfront.VerifyResult{PasswordResetToken: "rt-9"}
	tr := newTracker(b, nil, c)

	res, err := tr.Verify(context.Background(), authfront.VerifyRequest{
		Token: "link-token",
		Flow:  authfront.FlowForgotPassword,
		Email: "a@b.com",
	})
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if res.Flow != authfront.FlowForgotPassword {
		t.Errorf("result flow = %q, want forgot_password", res.Flow)
	}
	s := tr.State(c.Now())
	if !s.Verified() || s.Email != "a@b.com" || s.PasswordResetToken != "rt-9" {
		t.Errorf("state = %+v", s)
	}
	if b.count("verify-token") != 1 {
		t.Error("expected the link protocol to be used")
	}
}

func TestVerifyLinkForgotPasswordNeedsEmail(t *testing.T) {
	c := newClock()
	b := newBackend()
	b.verifyRes = &authfront.VerifyResult{PasswordResetToken: "rt-9"}
	tr := newTracker(b, nil, c)

	_, err := tr.Verify(context.Background(), authfront.VerifyRequest{
		Token: "link-token",
		Flow:  authfront.FlowForgotPassword,
	})
	if !errors.Is(err, authfront.ErrValidation) {
		t.Fatalf("Verify() error = %v, want ErrValidation", err)
	}
	if b.count("verify-token") != 0 {
		t.Error("link token must not be consumed without an email")
	}
	if s := tr.State(c.Now()); !s.IsIdle() {
		t.Errorf("state = %+v, want idle", s)
	}
}

func TestRestoreAcrossTrackers(t *testing.T) {
	c := newClock()
	store := statestore.NewMemory()
	ctx := context.Background()

	first := newTracker(newBackend(), store, c)
	_ = first.Start(authfront.FlowForgotPassword, "a@b.com", "tok1")
	want := first.State(c.Now())

	c.Advance(time.Minute)
	second := newTracker(newBackend(), store, c)
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	got := second.State(c.Now())
	if got.Flow != want.Flow || got.Email != want.Email || got.VerificationToken != want.VerificationToken || !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("restored %+v, want %+v", got, want)
	}
	if second.CooldownRemaining(c.Now()) != 0 {
		t.Error("cooldown is not persisted")
	}

	c.Advance(15 * time.Minute)
	third := newTracker(newBackend(), store, c)
	if err := third.Restore(ctx); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	if s := third.State(c.Now()); !s.IsIdle() {
		t.Errorf("expired flow restored: %+v", s)
	}
	if store.Len() != 0 {
		t.Error("expired snapshot should be deleted on restore")
	}
}

func TestRestoreDiscardsCorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	for name, payload := range map[string]string{
		"garbage":           `not json`,
		"future version":    `{"version":2,"flowType":"signup","email":"a@b.com","verificationToken":"t","createdAt":"2026-03-01T12:00:00Z"}`,
		"reset on signup":   `{"version":1,"flowType":"signup","email":"a@b.com","passwordResetToken":"rt","createdAt":"2026-03-01T12:00:00Z"}`,
		"unknown flow":      `{"version":1,"flowType":"sso","email":"a@b.com","verificationToken":"t","createdAt":"2026-03-01T12:00:00Z"}`,
		"missing createdAt": `{"version":1,"flowType":"signup","email":"a@b.com","verificationToken":"t"}`,
	} {
		t.Run(name, func(t *testing.T) {
			store := statestore.NewMemory()
			_ = store.Save(ctx, verification.StateKey, []byte(payload))
			c := newClock()

			tr := newTracker(newBackend(), store, c)
			if err := tr.Restore(ctx); err != nil {
				t.Fatalf("Restore() error: %v", err)
			}
			if s := tr.State(c.Now()); !s.IsIdle() {
				t.Errorf("state = %+v, want idle", s)
			}
			if store.Len() != 0 {
				t.Error("corrupt snapshot should be deleted")
			}
		})
	}
}

func TestCancelClearsCooldown(t *testing.T) {
	c := newClock()
	tr := newTracker(newBackend(), nil, c)

	_ = tr.Start(authfront.FlowSignup, "a@b.com", "tok1")
	if err := tr.Resend(context.Background()); err != nil {
		t.Fatalf("Resend() error: %v", err)
	}
	tr.Cancel()

	if s := tr.State(c.Now()); !s.IsIdle() {
		t.Errorf("state = %+v, want idle", s)
	}
	if got := tr.CooldownRemaining(c.Now()); got != 0 {
		t.Errorf("CooldownRemaining = %v, want 0", got)
	}
}

func TestStartReplacesFlow(t *testing.T) {
	c := newClock()
	b := newBackend()
	b.verifyRes = &authfront.VerifyResult{PasswordResetToken: "rt"}
	tr := newTracker(b, nil, c)

	_ = tr.Start(authfront.FlowForgotPassword, "a@b.com", "tok1")
	_, _ = tr.Verify(context.Background(), authfront.VerifyRequest{Code: "114514"})
	c.Advance(time.Minute)

	if err := tr.Start(authfront.FlowSignup, "c@d.com", "tok2"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	s := tr.State(c.Now())
	if s.Flow != authfront.FlowSignup || s.PasswordResetToken != "" || !s.CreatedAt.Equal(c.Now()) {
		t.Errorf("state = %+v", s)
	}

	if err := tr.Start(authfront.FlowNone, "a@b.com", "tok"); !errors.Is(err, authfront.ErrInvalidState) {
		t.Errorf("Start(none) = %v, want ErrInvalidState", err)
	}
}

func TestStartFailureKeepsIdle(t *testing.T) {
	c := newClock()
	b := newBackend()
	b.startErr = &authfront.APIError{Code: 400, Message: "email already registered"}
	tr := newTracker(b, nil, c)

	err := tr.StartSignup(context.Background(), authfront.SignupRequest{Name: "A", Email: "a@b.com", Password: "p", PasswordConfirm: "p"})
	if err == nil {
		t.Fatal("StartSignup() should fail")
	}
	if !tr.State(c.Now()).IsIdle() {
		t.Error("state should remain idle")
	}
	if tr.LastError() == nil {
		t.Error("LastError should be set")
	}
}

func TestIsCritical(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{authfront.ErrResetTokenMissing, true},
		{authfront.ErrFlowExpired, true},
		{authfront.ErrCooldownActive, false},
		{&authfront.APIError{Code: 429}, false},
		{&authfront.APIError{Code: 400, Reason: authfront.ReasonTokenMissing}, true},
		{&authfront.APIError{Code: 400, Reason: authfront.ReasonPasswordMismatch, Message: "token"}, false},
		{&authfront.APIError{Code: 400, Message: "invalid token"}, true},
		{errors.New("token expired"), false},
	}
	for _, tt := range tests {
		if got := verification.IsCritical(tt.err); got != tt.want {
			t.Errorf("IsCritical(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
