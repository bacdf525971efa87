// Package fake provides an in-memory reference backend serving the authfront REST API.
//
// The server keeps accounts, verification challenges, reset tokens and refresh
// tokens in memory and serves them through a gin router. Use it in tests with
// httptest, or run it from the CLI as a mock backend:
//
//	srv := fake.NewServer()
//	ts := httptest.NewServer(srv.Handler())
//	defer ts.Close()
//
// The default account is admin@atlas.com / admin123 and every verification
// code is 114514.
package fake

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	authfront "github.com/chimerakang/authfront-go"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Defaults of the reference backend.
const (
	DefaultEmail            = "admin@atlas.com"
	DefaultPassword         = "admin123"
	DefaultVerificationCode = "114514"
	DefaultAccessTokenTTL   = 15 * time.Minute
	DefaultRefreshTokenTTL  = 7 * 24 * time.Hour
	DefaultChallengeTTL     = 15 * time.Minute
	DefaultResendInterval   = 60 * time.Second

	// RefreshCookie is the name of the cookie carrying the long-lived credential.
	RefreshCookie = "refresh_token"
	refreshPath   = "/v1/auth"
)

// Mail is a verification message the server would have emailed.
type Mail struct {
	To                string
	Flow              authfront.FlowType
	Code              string
	VerificationToken string
	LinkToken         string
}

// Option configures the fake server.
type Option func(*state)

type account struct {
	id       string
	email    string
	name     string
	password string
}

type challenge struct {
	token     string
	linkToken string
	email     string
	flow      authfront.FlowType
	createdAt time.Time
	signup    *account // pending account for signup flows
}

type resetGrant struct {
	email     string
	createdAt time.Time
}

type refreshGrant struct {
	email     string
	expiresAt time.Time
}

type state struct {
	mu          sync.Mutex
	accounts    map[string]*account      // email → account
	challenges  map[string]*challenge    // verificationToken → challenge
	links       map[string]string        // linkToken → verificationToken
	resets      map[string]*resetGrant   // passwordResetToken → grant
	refreshes   map[string]*refreshGrant // refresh token → grant
	limiters    map[string]*rate.Limiter // email → resend limiter
	mails       map[string]Mail          // email → last mail
	tokenEpoch  int
	failRefresh bool
	nextID      int

	now            func() time.Time
	code           string
	accessTTL      time.Duration
	challengeTTL   time.Duration
	resendInterval time.Duration
	signingKey     []byte
	brand          authfront.Brand
	cacheDuration  int
	authConfig     authfront.AuthConfig
	omitResetToken bool
	middleware     []gin.HandlerFunc
	onMail         func(Mail)
	refreshCount   atomic.Int64
	loginCount     atomic.Int64
	resendCount    atomic.Int64
}

// WithUser adds an account.
func WithUser(email, password, name string) Option {
	return func(s *state) { s.addAccount(email, password, name) }
}

// WithVerificationCode sets the code every challenge accepts.
func WithVerificationCode(code string) Option {
	return func(s *state) { s.code = code }
}

// WithAccessTokenTTL sets the lifetime of issued access tokens.
func WithAccessTokenTTL(d time.Duration) Option {
	return func(s *state) { s.accessTTL = d }
}

// WithChallengeTTL sets how long verification and reset tokens stay valid.
func WithChallengeTTL(d time.Duration) Option {
	return func(s *state) { s.challengeTTL = d }
}

// WithResendInterval sets the minimum time between two resends for one email.
func WithResendInterval(d time.Duration) Option {
	return func(s *state) { s.resendInterval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *state) { s.now = now }
}

// WithSigningKey sets the HS256 key used for access tokens.
func WithSigningKey(key []byte) Option {
	return func(s *state) { s.signingKey = key }
}

// WithBrand sets the branding served by /v1/config and its cache duration in seconds.
func WithBrand(b authfront.Brand, cacheSeconds int) Option {
	return func(s *state) {
		s.brand = b
		s.cacheDuration = cacheSeconds
	}
}

// WithAuthConfig sets the configuration served by /v1/auth/config.
func WithAuthConfig(cfg authfront.AuthConfig) Option {
	return func(s *state) { s.authConfig = cfg }
}

// WithoutResetToken makes forgot-password verification succeed without a reset token.
func WithoutResetToken() Option {
	return func(s *state) { s.omitResetToken = true }
}

// WithMiddleware installs gin middleware ahead of the routes (e.g. request logging).
func WithMiddleware(mw ...gin.HandlerFunc) Option {
	return func(s *state) { s.middleware = append(s.middleware, mw...) }
}

// WithMailer sets a callback receiving every verification mail.
func WithMailer(fn func(Mail)) Option {
	return func(s *state) { s.onMail = fn }
}

// DefaultAuthConfig returns the configuration served by /v1/auth/config
// unless WithAuthConfig replaces it.
func DefaultAuthConfig() authfront.AuthConfig {
	return authfront.AuthConfig{
		LoginMode:     authfront.LoginModeEmailPassword,
		SSO:           authfront.SSOConfig{ButtonText: "Sign in with SSO"},
		EmailPassword: authfront.EmailPasswordConfig{Enabled: true, AllowRegister: true},
	}
}

// Server is the reference backend.
type Server struct {
	s      *state
	engine *gin.Engine
}

// NewServer creates a reference backend with the default account.
func NewServer(opts ...Option) *Server {
	s := &state{
		accounts:       make(map[string]*account),
		challenges:     make(map[string]*challenge),
		links:          make(map[string]string),
		resets:         make(map[string]*resetGrant),
		refreshes:      make(map[string]*refreshGrant),
		limiters:       make(map[string]*rate.Limiter),
		mails:          make(map[string]Mail),
		now:            time.Now,
		code:           DefaultVerificationCode,
		accessTTL:      DefaultAccessTokenTTL,
		challengeTTL:   DefaultChallengeTTL,
		resendInterval: DefaultResendInterval,
		signingKey:     []byte("authfront-fake-signing-key"),
		brand:          authfront.Brand{Name: "Atlas", Logo: "/static/logo.svg"},
		cacheDuration:  300,
		authConfig:     DefaultAuthConfig(),
	}
	s.addAccount(DefaultEmail, DefaultPassword, "Admin")
	for _, o := range opts {
		o(s)
	}

	srv := &Server{s: s}
	srv.engine = srv.routes()
	return srv
}

// Handler returns the HTTP handler serving the API.
func (srv *Server) Handler() *gin.Engine {
	return srv.engine
}

// RefreshCount returns how many refresh requests were served.
func (srv *Server) RefreshCount() int64 { return srv.s.refreshCount.Load() }

// LoginCount returns how many login requests were served.
func (srv *Server) LoginCount() int64 { return srv.s.loginCount.Load() }

// ResendCount returns how many resend requests were served, including rejected ones.
func (srv *Server) ResendCount() int64 { return srv.s.resendCount.Load() }

// RevokeAccessTokens invalidates every access token issued so far. Refresh
// tokens stay valid.
func (srv *Server) RevokeAccessTokens() {
	srv.s.mu.Lock()
	defer srv.s.mu.Unlock()
	srv.s.tokenEpoch++
}

// FailRefresh makes refresh requests fail while set.
func (srv *Server) FailRefresh(fail bool) {
	srv.s.mu.Lock()
	defer srv.s.mu.Unlock()
	srv.s.failRefresh = fail
}

// LastMail returns the last verification mail sent to email.
func (srv *Server) LastMail(email string) (Mail, bool) {
	srv.s.mu.Lock()
	defer srv.s.mu.Unlock()
	m, ok := srv.s.mails[email]
	return m, ok
}

// PasswordOf returns the current password of email, for assertions.
func (srv *Server) PasswordOf(email string) (string, bool) {
	srv.s.mu.Lock()
	defer srv.s.mu.Unlock()
	a, ok := srv.s.accounts[email]
	if !ok {
		return "", false
	}
	return a.password, true
}

func (s *state) addAccount(email, password, name string) *account {
	s.nextID++
	a := &account{
		id:       "user-" + strconv.Itoa(s.nextID),
		email:    email,
		name:     name,
		password: password,
	}
	s.accounts[email] = a
	return a
}
