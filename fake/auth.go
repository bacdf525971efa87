package fake

import (
	"errors"
	"net/http"
	"strings"
	"time"

	authfront "github.com/chimerakang/authfront-go"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Context keys for storing the authenticated account in gin.Context.
const (
	KeyEmail  = "authfront_email"
	KeyUserID = "authfront_user_id"
)

var errRevoked = errors.New("token revoked")

// accessClaims are the claims of an issued access token. Epoch ties the token
// to the revocation generation it was issued in.
type accessClaims struct {
	Email string `json:"email"`
	Epoch int    `json:"epoch"`
	jwt.RegisteredClaims
}

// issueAccessLocked mints an HS256 access token for a.
func (s *state) issueAccessLocked(a *account) (*authfront.Token, error) {
	now := s.now()
	claims := accessClaims{
		Email: a.email,
		Epoch: s.tokenEpoch,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   a.id,
			Issuer:    "authfront-fake",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return nil, err
	}
	return &authfront.Token{AccessToken: signed, ExpiresIn: int(s.accessTTL / time.Second)}, nil
}

// issueRefreshLocked records a new refresh token for email and sets its cookie.
func (s *state) issueRefreshLocked(c *gin.Context, email string) {
	token := uuid.NewString()
	s.refreshes[token] = &refreshGrant{email: email, expiresAt: s.now().Add(DefaultRefreshTokenTTL)}
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(RefreshCookie, token, int(DefaultRefreshTokenTTL/time.Second), refreshPath, "", false, true)
}

func clearRefreshCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(RefreshCookie, "", -1, refreshPath, "", false, true)
}

// verifyAccess parses and checks an access token.
func (s *state) verifyAccess(tokenStr string) (*accessClaims, error) {
	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if claims.Epoch != s.tokenEpoch {
		return nil, errRevoked
	}
	return claims, nil
}

// bearerAuth returns Gin middleware that verifies the access token.
// On success, it stores the account in the context (retrievable via GetEmail and GetUserID).
// Responds with 401 if the token is missing, invalid, expired or revoked.
func (s *state) bearerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := extractBearerToken(c.Request)
		if tokenStr == "" {
			abort(c, http.StatusUnauthorized, authfront.ReasonTokenMissing, "missing authorization token")
			return
		}

		claims, err := s.verifyAccess(tokenStr)
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			abort(c, http.StatusUnauthorized, authfront.ReasonTokenExpired, "token expired")
			return
		case err != nil:
			abort(c, http.StatusUnauthorized, authfront.ReasonTokenInvalid, "invalid token")
			return
		}

		c.Set(KeyEmail, claims.Email)
		c.Set(KeyUserID, claims.Subject)
		c.Next()
	}
}

// GetEmail returns the authenticated email from the Gin context.
func GetEmail(c *gin.Context) string {
	v, _ := c.Get(KeyEmail)
	s, _ := v.(string)
	return s
}

// GetUserID returns the authenticated user ID from the Gin context.
func GetUserID(c *gin.Context) string {
	v, _ := c.Get(KeyUserID)
	s, _ := v.(string)
	return s
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
