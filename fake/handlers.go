package fake

import (
	"net/http"

	authfront "github.com/chimerakang/authfront-go"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// envelope is the wire wrapper of every response.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
	Data    any    `json:"data"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Code: http.StatusOK, Message: "ok", Data: data})
}

func abort(c *gin.Context, code int, reason, msg string) {
	c.AbortWithStatusJSON(code, envelope{Code: code, Message: msg, Reason: reason})
}

func (srv *Server) routes() *gin.Engine {
	s := srv.s
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.middleware...)

	r.GET("/v1/config", s.globalConfig)

	auth := r.Group("/v1/auth")
	auth.GET("/config", s.authConfigHandler)
	auth.POST("/login/email-password", s.login)
	auth.POST("/refresh", s.refresh)
	auth.POST("/logout", s.logout)
	auth.POST("/signup/using-email", s.signup)
	auth.POST("/send-verification-code", s.sendVerificationCode)
	auth.POST("/resend-verification-code", s.resendVerificationCode)
	auth.POST("/verify-code", s.verifyCode)
	auth.POST("/verify-token", s.verifyToken)
	auth.POST("/reset-password", s.resetPassword)
	auth.GET("/me", s.bearerAuth(), s.me)
	return r
}

func (s *state) globalConfig(c *gin.Context) {
	s.mu.Lock()
	cfg := authfront.GlobalConfig{Brand: s.brand}
	if s.cacheDuration > 0 {
		cfg.Cache = &authfront.CacheSettings{Duration: s.cacheDuration}
	}
	s.mu.Unlock()
	ok(c, cfg)
}

func (s *state) authConfigHandler(c *gin.Context) {
	s.mu.Lock()
	cfg := s.authConfig
	s.mu.Unlock()
	ok(c, cfg)
}

type loginBody struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (s *state) login(c *gin.Context) {
	s.loginCount.Add(1)
	var body loginBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, authfront.ReasonInvalidRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, found := s.accounts[body.Email]
	if !found || a.password != body.Password {
		abort(c, http.StatusUnauthorized, authfront.ReasonInvalidCredentials, "invalid email or password")
		return
	}
	tok, err := s.issueAccessLocked(a)
	if err != nil {
		abort(c, http.StatusInternalServerError, "", err.Error())
		return
	}
	s.issueRefreshLocked(c, a.email)
	ok(c, tok)
}

func (s *state) refresh(c *gin.Context) {
	s.refreshCount.Add(1)
	token, err := c.Cookie(RefreshCookie)
	if err != nil || token == "" {
		abort(c, http.StatusUnauthorized, authfront.ReasonTokenMissing, "missing refresh token")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRefresh {
		abort(c, http.StatusUnauthorized, authfront.ReasonTokenInvalid, "refresh rejected")
		return
	}
	grant, found := s.refreshes[token]
	if !found {
		clearRefreshCookie(c)
		abort(c, http.StatusUnauthorized, authfront.ReasonTokenInvalid, "invalid refresh token")
		return
	}
	delete(s.refreshes, token)
	if s.now().After(grant.expiresAt) {
		clearRefreshCookie(c)
		abort(c, http.StatusUnauthorized, authfront.ReasonTokenExpired, "refresh token expired")
		return
	}
	a, found := s.accounts[grant.email]
	if !found {
		clearRefreshCookie(c)
		abort(c, http.StatusUnauthorized, authfront.ReasonTokenInvalid, "account not found")
		return
	}

	tok, err := s.issueAccessLocked(a)
	if err != nil {
		abort(c, http.StatusInternalServerError, "", err.Error())
		return
	}
	s.issueRefreshLocked(c, a.email)
	ok(c, tok)
}

func (s *state) logout(c *gin.Context) {
	if token, err := c.Cookie(RefreshCookie); err == nil {
		s.mu.Lock()
		delete(s.refreshes, token)
		s.mu.Unlock()
	}
	clearRefreshCookie(c)
	ok(c, nil)
}

type signupBody struct {
	Name            string `json:"name" binding:"required"`
	Email           string `json:"email" binding:"required,email"`
	Password        string `json:"password" binding:"required"`
	PasswordConfirm string `json:"passwordConfirm" binding:"required"`
}

func (s *state) signup(c *gin.Context) {
	var body signupBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, authfront.ReasonInvalidRequest, err.Error())
		return
	}
	if body.Password != body.PasswordConfirm {
		abort(c, http.StatusBadRequest, authfront.ReasonPasswordMismatch, "passwords do not match")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authConfig.EmailPassword.AllowRegister {
		abort(c, http.StatusForbidden, authfront.ReasonInvalidRequest, "registration is disabled")
		return
	}
	if _, exists := s.accounts[body.Email]; exists {
		abort(c, http.StatusBadRequest, authfront.ReasonInvalidRequest, "email already registered")
		return
	}
	ch := s.newChallengeLocked(body.Email, authfront.FlowSignup)
	ch.signup = &account{email: body.Email, name: body.Name, password: body.Password}
	ok(c, gin.H{"verificationToken": ch.token})
}

type emailBody struct {
	Email string `json:"email" binding:"required,email"`
}

func (s *state) sendVerificationCode(c *gin.Context) {
	var body emailBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, authfront.ReasonInvalidRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.accounts[body.Email]; !found {
		abort(c, http.StatusBadRequest, authfront.ReasonInvalidRequest, "account not found")
		return
	}
	ch := s.newChallengeLocked(body.Email, authfront.FlowForgotPassword)
	ok(c, gin.H{"verificationToken": ch.token})
}

type resendBody struct {
	Email                string             `json:"email" binding:"required,email"`
	Type                 authfront.FlowType `json:"type" binding:"required"`
	OldVerificationToken string             `json:"oldVerificationToken" binding:"required"`
}

func (s *state) resendVerificationCode(c *gin.Context) {
	s.resendCount.Add(1)
	var body resendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, authfront.ReasonInvalidRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	lim, found := s.limiters[body.Email]
	if !found {
		lim = rate.NewLimiter(rate.Every(s.resendInterval), 1)
		s.limiters[body.Email] = lim
	}
	if !lim.AllowN(s.now(), 1) {
		abort(c, http.StatusTooManyRequests, authfront.ReasonRateLimited, "too many requests, try again later")
		return
	}

	old, reason, msg := s.lookupChallengeLocked(body.OldVerificationToken, body.Type)
	if old == nil {
		abort(c, http.StatusBadRequest, reason, msg)
		return
	}
	if old.email != body.Email {
		abort(c, http.StatusBadRequest, authfront.ReasonTokenInvalid, "invalid verification token")
		return
	}
	s.dropChallengeLocked(old)
	ch := s.newChallengeLocked(old.email, old.flow)
	ch.signup = old.signup
	ok(c, gin.H{"verificationToken": ch.token})
}

type verifyCodeBody struct {
	VerificationToken string             `json:"verificationToken" binding:"required"`
	Code              string             `json:"code" binding:"required"`
	Type              authfront.FlowType `json:"type" binding:"required"`
}

func (s *state) verifyCode(c *gin.Context) {
	var body verifyCodeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, authfront.ReasonInvalidRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, reason, msg := s.lookupChallengeLocked(body.VerificationToken, body.Type)
	if ch == nil {
		abort(c, http.StatusBadRequest, reason, msg)
		return
	}
	if body.Code != s.code {
		abort(c, http.StatusBadRequest, authfront.ReasonCodeMismatch, "incorrect verification code")
		return
	}
	s.completeLocked(c, ch)
}

type verifyTokenBody struct {
	Token string             `json:"token" binding:"required"`
	Type  authfront.FlowType `json:"type" binding:"required"`
}

func (s *state) verifyToken(c *gin.Context) {
	var body verifyTokenBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, authfront.ReasonInvalidRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	vt, found := s.links[body.Token]
	if !found {
		abort(c, http.StatusBadRequest, authfront.ReasonTokenInvalid, "invalid verification link")
		return
	}
	ch, reason, msg := s.lookupChallengeLocked(vt, body.Type)
	if ch == nil {
		abort(c, http.StatusBadRequest, reason, msg)
		return
	}
	s.completeLocked(c, ch)
}

type resetPasswordBody struct {
	Email              string `json:"email" binding:"required,email"`
	PasswordResetToken string `json:"passwordResetToken" binding:"required"`
	Password           string `json:"password" binding:"required"`
	PasswordConfirm    string `json:"passwordConfirm" binding:"required"`
}

func (s *state) resetPassword(c *gin.Context) {
	var body resetPasswordBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, authfront.ReasonInvalidRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	grant, found := s.resets[body.PasswordResetToken]
	if !found || grant.email != body.Email {
		abort(c, http.StatusBadRequest, authfront.ReasonTokenInvalid, "invalid password reset token")
		return
	}
	if s.now().Sub(grant.createdAt) > s.challengeTTL {
		delete(s.resets, body.PasswordResetToken)
		abort(c, http.StatusBadRequest, authfront.ReasonTokenExpired, "password reset token expired")
		return
	}
	// The reset token survives a mismatch so the user can try again.
	if body.Password != body.PasswordConfirm {
		abort(c, http.StatusBadRequest, authfront.ReasonPasswordMismatch, "passwords do not match")
		return
	}
	a, found := s.accounts[grant.email]
	if !found {
		abort(c, http.StatusBadRequest, authfront.ReasonTokenInvalid, "account not found")
		return
	}
	a.password = body.Password
	delete(s.resets, body.PasswordResetToken)
	for token, g := range s.refreshes {
		if g.email == a.email {
			delete(s.refreshes, token)
		}
	}
	ok(c, nil)
}

func (s *state) me(c *gin.Context) {
	s.mu.Lock()
	a, found := s.accounts[GetEmail(c)]
	s.mu.Unlock()
	if !found {
		abort(c, http.StatusUnauthorized, authfront.ReasonTokenInvalid, "account not found")
		return
	}
	ok(c, authfront.User{ID: a.id, Email: a.email, Name: a.name})
}

// newChallengeLocked issues a verification challenge and mails it.
func (s *state) newChallengeLocked(email string, flow authfront.FlowType) *challenge {
	ch := &challenge{
		token:     uuid.NewString(),
		linkToken: uuid.NewString(),
		email:     email,
		flow:      flow,
		createdAt: s.now(),
	}
	s.challenges[ch.token] = ch
	s.links[ch.linkToken] = ch.token

	m := Mail{To: email, Flow: flow, Code: s.code, VerificationToken: ch.token, LinkToken: ch.linkToken}
	s.mails[email] = m
	if s.onMail != nil {
		s.onMail(m)
	}
	return ch
}

// lookupChallengeLocked returns the live challenge for token, or the failure
// reason and message.
func (s *state) lookupChallengeLocked(token string, flow authfront.FlowType) (*challenge, string, string) {
	ch, found := s.challenges[token]
	if !found || ch.flow != flow {
		return nil, authfront.ReasonTokenInvalid, "invalid verification token"
	}
	if s.now().Sub(ch.createdAt) > s.challengeTTL {
		s.dropChallengeLocked(ch)
		return nil, authfront.ReasonTokenExpired, "verification token expired"
	}
	return ch, "", ""
}

func (s *state) dropChallengeLocked(ch *challenge) {
	delete(s.challenges, ch.token)
	delete(s.links, ch.linkToken)
}

// completeLocked consumes a verified challenge. Signup creates the account and
// logs it in; forgot-password grants a one-time reset token.
func (s *state) completeLocked(c *gin.Context, ch *challenge) {
	s.dropChallengeLocked(ch)

	switch ch.flow {
	case authfront.FlowSignup:
		if _, exists := s.accounts[ch.email]; exists {
			abort(c, http.StatusBadRequest, authfront.ReasonInvalidRequest, "email already registered")
			return
		}
		a := s.addAccount(ch.email, ch.signup.password, ch.signup.name)
		tok, err := s.issueAccessLocked(a)
		if err != nil {
			abort(c, http.StatusInternalServerError, "", err.Error())
			return
		}
		s.issueRefreshLocked(c, a.email)
		ok(c, authfront.VerifyResult{AccessToken: tok.AccessToken, ExpiresIn: tok.ExpiresIn})

	default:
		if s.omitResetToken {
			ok(c, authfront.VerifyResult{})
			return
		}
		token := uuid.NewString()
		s.resets[token] = &resetGrant{email: ch.email, createdAt: s.now()}
		ok(c, authfront.VerifyResult{PasswordResetToken: token})
	}
}
