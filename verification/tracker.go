// Package verification provides the verification flow tracker for signup and
// forgot-password challenges.
//
// A flow moves Idle -> AwaitingCode -> (Verified) -> Idle. The tracker persists
// every transition to an authfront.StateStore so a new tracker over the same
// store resumes the flow. Expiry and the resend cooldown are evaluated lazily
// against the time passed in (or the injected clock); there are no timers.
package verification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	authfront "github.com/chimerakang/authfront-go"
	"github.com/chimerakang/authfront-go/audit"
	"github.com/chimerakang/authfront-go/metrics"
)

// Phase is the tracker state name.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingCode
	PhaseVerified
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingCode:
		return "awaiting_code"
	case PhaseVerified:
		return "verified"
	default:
		return "idle"
	}
}

// Tracker implements authfront.FlowTracker.
type Tracker struct {
	backend  authfront.VerificationBackend
	store    authfront.StateStore
	logger   *slog.Logger
	audit    *audit.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	ttl      time.Duration
	cooldown time.Duration

	mu             sync.Mutex
	state          authfront.VerificationState
	gen            uint64 // bumped whenever the flow is replaced or cleared
	cooldownEndsAt time.Time
	resending      bool
	lastErr        error
}

// compile-time check
var _ authfront.FlowTracker = (*Tracker)(nil)

// Option configures the Tracker.
type Option func(*Tracker)

// WithClock overrides the time source used by operations that take no time argument.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithTTL sets how long a flow stays valid. Default: 15 minutes.
func WithTTL(d time.Duration) Option {
	return func(t *Tracker) { t.ttl = d }
}

// WithCooldown sets the resend cooldown. Default: 60 seconds.
func WithCooldown(d time.Duration) Option {
	return func(t *Tracker) { t.cooldown = d }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithAudit sets the audit logger.
func WithAudit(a *audit.Logger) Option {
	return func(t *Tracker) { t.audit = a }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// New creates a tracker. store may be nil, in which case state lives in memory only.
// Call Restore to resume a flow saved by a previous tracker.
func New(backend authfront.VerificationBackend, store authfront.StateStore, opts ...Option) *Tracker {
	t := &Tracker{
		backend:  backend,
		store:    store,
		now:      time.Now,
		ttl:      authfront.DefaultVerificationTTL,
		cooldown: authfront.DefaultResendCooldown,
	}
	for _, o := range opts {
		o(t)
	}
	if t.logger == nil {
		t.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return t
}

// Restore loads the saved flow. A missing snapshot leaves the tracker Idle; an
// unreadable one is deleted. An expired flow is cleared on load.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	data, err := t.store.Load(ctx, StateKey)
	if errors.Is(err, authfront.ErrStateNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("authfront/verification: restore: %w", err)
	}

	state, err := decodeState(data)
	if err != nil {
		t.logger.Warn("discarding saved verification state", "error", err)
		if derr := t.store.Delete(ctx, StateKey); derr != nil {
			t.logger.Warn("failed to delete verification state", "error", derr)
		}
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	t.gen++
	t.expireLocked(ctx, t.now())
	return nil
}

// StartSignup registers the account and starts a signup flow with the
// verification token the server returns.
func (t *Tracker) StartSignup(ctx context.Context, req authfront.SignupRequest) error {
	vt, err := t.backend.SignupUsingEmail(ctx, req)
	if err == nil && vt == "" {
		err = errors.New("empty verification token")
	}
	if err != nil {
		err = fmt.Errorf("authfront/verification: start signup: %w", err)
		t.fail(ctx, authfront.FlowSignup, req.Email, audit.ActionFlowStart, err)
		return err
	}
	return t.Start(authfront.FlowSignup, req.Email, vt)
}

// StartForgotPassword requests a verification code for email and starts a
// forgot-password flow.
func (t *Tracker) StartForgotPassword(ctx context.Context, email string) error {
	vt, err := t.backend.SendVerificationCode(ctx, email)
	if err == nil && vt == "" {
		err = errors.New("empty verification token")
	}
	if err != nil {
		err = fmt.Errorf("authfront/verification: start forgot password: %w", err)
		t.fail(ctx, authfront.FlowForgotPassword, email, audit.ActionFlowStart, err)
		return err
	}
	return t.Start(authfront.FlowForgotPassword, email, vt)
}

// Start enters AwaitingCode for flow, replacing any active flow. The timer and
// the resend cooldown are reset and any reset token is dropped.
func (t *Tracker) Start(flow authfront.FlowType, email, verificationToken string) error {
	if !flow.Valid() || email == "" || verificationToken == "" {
		return fmt.Errorf("authfront/verification: %w: start needs a flow, email and verification token", authfront.ErrInvalidState)
	}
	ctx := context.Background()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = authfront.VerificationState{
		Flow:              flow,
		Email:             email,
		VerificationToken: verificationToken,
		CreatedAt:         t.now(),
	}
	t.gen++
	t.cooldownEndsAt = time.Time{}
	t.lastErr = nil
	t.persistLocked(ctx)

	t.metrics.RecordFlowTransition(flow.String(), audit.ActionFlowStart, audit.ResultSuccess)
	t.audit.Record(ctx, audit.ActionFlowStart, email, flow.String(), nil)
	return nil
}

// Resend requests a new verification code. It is only legal while awaiting a
// code and outside the cooldown window; a cooldown rejection never reaches the
// network. A rate-limited response still starts the cooldown and leaves the
// flow unchanged.
func (t *Tracker) Resend(ctx context.Context) error {
	t.mu.Lock()
	now := t.now()
	if err := t.requirePhaseLocked(ctx, now, PhaseAwaitingCode); err != nil {
		t.lastErr = err
		t.mu.Unlock()
		return err
	}
	if t.resending || now.Before(t.cooldownEndsAt) {
		err := fmt.Errorf("authfront/verification: %w: %s left", authfront.ErrCooldownActive, max(t.cooldownEndsAt.Sub(now), 0).Round(time.Second))
		t.lastErr = err
		t.metrics.RecordResendRejected("cooldown")
		t.mu.Unlock()
		return err
	}
	t.resending = true
	gen, state := t.gen, t.state
	t.mu.Unlock()

	vt, err := t.backend.ResendVerificationCode(ctx, state.Email, state.Flow, state.VerificationToken)
	if err == nil && vt == "" {
		err = errors.New("empty verification token")
	}
	ctx = context.WithoutCancel(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.resending = false
	now = t.now()

	if err != nil {
		if errors.Is(err, authfront.ErrRateLimited) {
			t.cooldownEndsAt = now.Add(t.cooldown)
			t.metrics.RecordResendRejected("server")
		}
		err = fmt.Errorf("authfront/verification: resend: %w", err)
		t.lastErr = err
		if gen == t.gen && IsCritical(err) {
			t.clearLocked(ctx)
		}
		t.metrics.RecordFlowTransition(state.Flow.String(), audit.ActionResend, audit.ResultFailure)
		t.audit.Record(ctx, audit.ActionResend, state.Email, state.Flow.String(), err)
		return err
	}

	t.cooldownEndsAt = now.Add(t.cooldown)
	if gen != t.gen {
		err := fmt.Errorf("authfront/verification: %w: flow replaced during resend", authfront.ErrInvalidState)
		t.lastErr = err
		return err
	}
	t.state.VerificationToken = vt
	t.state.CreatedAt = now
	t.lastErr = nil
	t.persistLocked(ctx)

	t.metrics.RecordFlowTransition(state.Flow.String(), audit.ActionResend, audit.ResultSuccess)
	t.audit.Record(ctx, audit.ActionResend, state.Email, state.Flow.String(), nil)
	return nil
}

// Verify submits the challenge answer. A request with a Code uses the manual code
// protocol against the active flow's verification token; otherwise Token is
// verified as a one-time link token, which is allowed without an active flow.
//
// A signup success clears the tracker and returns the access credential for the
// caller to log in with. A forgot-password success must carry a password reset
// token and moves the flow to Verified.
func (t *Tracker) Verify(ctx context.Context, req authfront.VerifyRequest) (*authfront.VerifyResult, error) {
	t.mu.Lock()
	now := t.now()
	expired := t.expireLocked(ctx, now)
	state := t.state
	flow := req.Flow
	if flow == authfront.FlowNone {
		flow = state.Flow
	}
	email := state.Email
	if email == "" {
		email = req.Email
	}

	var precheck error
	switch {
	case req.Code != "":
		switch {
		case expired:
			precheck = authfront.ErrFlowExpired
		case state.IsIdle():
			precheck = authfront.ErrNoActiveFlow
		case state.Verified():
			precheck = fmt.Errorf("%w: flow already verified", authfront.ErrInvalidState)
		case flow != state.Flow:
			precheck = fmt.Errorf("%w: active flow is %s", authfront.ErrInvalidState, state.Flow)
		}
	case req.Token == "":
		precheck = fmt.Errorf("%w: verification needs a code or a link token", authfront.ErrValidation)
	case !flow.Valid():
		precheck = fmt.Errorf("%w: link verification needs a flow type", authfront.ErrValidation)
	case flow == authfront.FlowForgotPassword && email == "":
		precheck = fmt.Errorf("%w: password reset needs the account email", authfront.ErrValidation)
	}
	if precheck != nil {
		err := fmt.Errorf("authfront/verification: verify: %w", precheck)
		t.lastErr = err
		t.mu.Unlock()
		return nil, err
	}
	gen := t.gen
	t.mu.Unlock()

	var (
		res *authfront.VerifyResult
		err error
	)
	if req.Code != "" {
		res, err = t.backend.VerifyCode(ctx, state.VerificationToken, req.Code, flow)
	} else {
		res, err = t.backend.VerifyToken(ctx, req.Token, flow)
	}
	if err == nil && res == nil {
		res = &authfront.VerifyResult{}
	}
	if err == nil && flow == authfront.FlowForgotPassword && res.PasswordResetToken == "" {
		err = authfront.ErrResetTokenMissing
	}
	if err == nil {
		out := *res
		out.Flow = flow
		res = &out
	}
	ctx = context.WithoutCancel(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	replaced := gen != t.gen

	if err != nil {
		err = fmt.Errorf("authfront/verification: verify: %w", err)
		t.lastErr = err
		if !replaced && IsCritical(err) {
			t.clearLocked(ctx)
		}
		t.metrics.RecordFlowTransition(flow.String(), audit.ActionVerify, audit.ResultFailure)
		t.audit.Record(ctx, audit.ActionVerify, email, flow.String(), err)
		return nil, err
	}

	t.lastErr = nil
	t.metrics.RecordFlowTransition(flow.String(), audit.ActionVerify, audit.ResultSuccess)
	t.audit.Record(ctx, audit.ActionVerify, email, flow.String(), nil)

	if replaced {
		return res, nil
	}
	switch flow {
	case authfront.FlowForgotPassword:
		next := authfront.VerificationState{
			Flow:               authfront.FlowForgotPassword,
			Email:              email,
			PasswordResetToken: res.PasswordResetToken,
			CreatedAt:          t.now(),
		}
		if t.state.Flow == authfront.FlowForgotPassword {
			next.VerificationToken = t.state.VerificationToken
			next.CreatedAt = t.state.CreatedAt
		}
		t.state = next
		t.gen++
		t.persistLocked(ctx)
	default:
		t.clearLocked(ctx)
	}
	return res, nil
}

// CleanupAfterVerification collapses a verified forgot-password flow to the email
// and reset token, refreshing its timer, when keepResetToken is set. Otherwise
// the tracker returns to Idle.
func (t *Tracker) CleanupAfterVerification(keepResetToken bool) {
	ctx := context.Background()
	t.mu.Lock()
	defer t.mu.Unlock()

	if keepResetToken && t.state.Verified() {
		t.state = authfront.VerificationState{
			Flow:               authfront.FlowForgotPassword,
			Email:              t.state.Email,
			PasswordResetToken: t.state.PasswordResetToken,
			CreatedAt:          t.now(),
		}
		t.gen++
		t.persistLocked(ctx)
		return
	}
	t.clearLocked(ctx)
}

// ResetPassword sets a new password with the reset token of a verified
// forgot-password flow. On success the tracker returns to Idle; a business
// failure such as mismatched passwords keeps the reset token for another attempt.
func (t *Tracker) ResetPassword(ctx context.Context, password, passwordConfirm string) error {
	t.mu.Lock()
	if err := t.requirePhaseLocked(ctx, t.now(), PhaseVerified); err != nil {
		t.lastErr = err
		t.mu.Unlock()
		return err
	}
	gen, state := t.gen, t.state
	t.mu.Unlock()

	err := t.backend.ResetPassword(ctx, authfront.ResetPasswordRequest{
		Email:              state.Email,
		PasswordResetToken: state.PasswordResetToken,
		Password:           password,
		PasswordConfirm:    passwordConfirm,
	})
	ctx = context.WithoutCancel(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		err = fmt.Errorf("authfront/verification: reset password: %w", err)
		t.lastErr = err
		if gen == t.gen && IsCritical(err) {
			t.clearLocked(ctx)
		}
		t.metrics.RecordFlowTransition(state.Flow.String(), audit.ActionResetPassword, audit.ResultFailure)
		t.audit.Record(ctx, audit.ActionResetPassword, state.Email, state.Flow.String(), err)
		return err
	}

	t.lastErr = nil
	if gen == t.gen {
		t.clearLocked(ctx)
	}
	t.metrics.RecordFlowTransition(state.Flow.String(), audit.ActionResetPassword, audit.ResultSuccess)
	t.audit.Record(ctx, audit.ActionResetPassword, state.Email, state.Flow.String(), nil)
	return nil
}

// Cancel returns to Idle from any state and clears the resend cooldown.
func (t *Tracker) Cancel() {
	ctx := context.Background()
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.state
	t.clearLocked(ctx)
	t.cooldownEndsAt = time.Time{}
	t.lastErr = nil
	if !state.IsIdle() {
		t.metrics.RecordFlowTransition(state.Flow.String(), audit.ActionFlowCancel, audit.ResultSuccess)
		t.audit.Record(ctx, audit.ActionFlowCancel, state.Email, state.Flow.String(), nil)
	}
}

// State returns the flow state at now, clearing it first if it has expired.
func (t *Tracker) State(now time.Time) authfront.VerificationState {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked(context.Background(), now)
	return t.state
}

// Phase returns the tracker phase at now.
func (t *Tracker) Phase(now time.Time) Phase {
	return phaseOf(t.State(now))
}

// TimeRemaining returns how long the active flow stays valid after now.
func (t *Tracker) TimeRemaining(now time.Time) time.Duration {
	state := t.State(now)
	if state.IsIdle() {
		return 0
	}
	return max(t.ttl-now.Sub(state.CreatedAt), 0)
}

// CooldownRemaining returns how long resend stays disallowed after now.
func (t *Tracker) CooldownRemaining(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return max(t.cooldownEndsAt.Sub(now), 0)
}

// CanResend reports whether Resend would reach the network at now.
func (t *Tracker) CanResend(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked(context.Background(), now)
	return phaseOf(t.state) == PhaseAwaitingCode && !t.resending && !now.Before(t.cooldownEndsAt)
}

// LastError returns the error of the most recent operation, or nil if it succeeded.
func (t *Tracker) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func phaseOf(s authfront.VerificationState) Phase {
	switch {
	case s.IsIdle():
		return PhaseIdle
	case s.PasswordResetToken != "":
		return PhaseVerified
	default:
		return PhaseAwaitingCode
	}
}

func (t *Tracker) requirePhaseLocked(ctx context.Context, now time.Time, want Phase) error {
	if t.expireLocked(ctx, now) {
		return fmt.Errorf("authfront/verification: %w", authfront.ErrFlowExpired)
	}
	got := phaseOf(t.state)
	switch {
	case got == want:
		return nil
	case got == PhaseIdle:
		return fmt.Errorf("authfront/verification: %w", authfront.ErrNoActiveFlow)
	default:
		return fmt.Errorf("authfront/verification: %w: flow is %s, need %s", authfront.ErrInvalidState, got, want)
	}
}

// expireLocked clears the flow if it is older than the TTL at now.
func (t *Tracker) expireLocked(ctx context.Context, now time.Time) bool {
	if !t.state.Expired(now, t.ttl) {
		return false
	}
	state := t.state
	t.clearLocked(ctx)
	t.logger.Debug("verification flow expired", "flow", state.Flow.String(), "email", state.Email)
	t.metrics.RecordFlowTransition(state.Flow.String(), audit.ActionFlowExpire, audit.ResultSuccess)
	t.audit.Record(ctx, audit.ActionFlowExpire, state.Email, state.Flow.String(), nil)
	return true
}

func (t *Tracker) clearLocked(ctx context.Context) {
	if t.state.IsIdle() {
		return
	}
	t.state = authfront.VerificationState{}
	t.gen++
	t.persistLocked(ctx)
}

// persistLocked saves the whole state, or deletes it when Idle. Store failures
// are logged: the in-memory state stays authoritative.
func (t *Tracker) persistLocked(ctx context.Context) {
	if t.store == nil {
		return
	}
	if t.state.IsIdle() {
		if err := t.store.Delete(ctx, StateKey); err != nil {
			t.logger.Warn("failed to delete verification state", "error", err)
		}
		return
	}
	data, err := encodeState(t.state)
	if err == nil {
		err = t.store.Save(ctx, StateKey, data)
	}
	if err != nil {
		t.logger.Warn("failed to save verification state", "error", err)
	}
}

func (t *Tracker) fail(ctx context.Context, flow authfront.FlowType, email, action string, err error) {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
	t.metrics.RecordFlowTransition(flow.String(), action, audit.ResultFailure)
	t.audit.Record(ctx, action, email, flow.String(), err)
}
