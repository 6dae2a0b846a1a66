/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package auth issues and validates the bearer tokens that gate every
// gateway operation, and owns the admin password.
//
// Tokens are HS256 JWTs carrying the username (sub), the expiry (exp),
// a unique id (jti) for revocation and the process boot id (bid) so a
// restart invalidates everything issued before it.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/gravitational/cloudshell"
	"github.com/gravitational/cloudshell/lib/defaults"
	"github.com/gravitational/cloudshell/lib/storage"
)

const signingAlgorithm = "HS256"

var (
	// ErrBadCredentials is returned when the login or the presented
	// password is wrong.
	ErrBadCredentials = trace.AccessDenied("incorrect username or password")

	// ErrTokenMissing is returned when a protected call carries no
	// bearer token at all.
	ErrTokenMissing = trace.AccessDenied("not authenticated")

	// ErrTokenInvalid is returned for tokens that fail structural or
	// signature checks.
	ErrTokenInvalid = trace.AccessDenied("could not validate credentials")

	// ErrTokenExpired is returned for well-formed tokens past their
	// expiry.
	ErrTokenExpired = trace.AccessDenied("token has expired")

	// ErrTokenRevoked is returned for tokens on the deny-list.
	ErrTokenRevoked = trace.AccessDenied("token has been revoked")

	// ErrBootIDMismatch is returned for tokens minted by an earlier
	// process instance.
	ErrBootIDMismatch = trace.AccessDenied("session invalidated by server restart")
)

// Claims is the decoded content of a gateway token.
type Claims struct {
	// Username is the authenticated principal (sub)
	Username string
	// JTI is the unique token id used for revocation
	JTI string
	// BootID identifies the process instance that minted the token
	BootID string
	// Expiry is when the token stops being valid
	Expiry time.Time
}

// Token is an issued credential as returned to clients.
type Token struct {
	// AccessToken is the encoded JWT
	AccessToken string `json:"access_token"`
	// TokenType is always "bearer"
	TokenType string `json:"token_type"`
	// ExpiresAt drives the frontend session countdown
	ExpiresAt time.Time `json:"expires_at"`
}

type tokenClaims struct {
	BootID string `json:"bid,omitempty"`
	jwt.RegisteredClaims
}

// ServerConfig configures the auth server.
type ServerConfig struct {
	// Storage holds the admin credential and the token deny-list
	Storage *storage.Storage
	// AdminUser is the only accepted login
	AdminUser string
	// AdminPassword is compared until a hashed password is stored
	AdminPassword string
	// SigningKey signs and verifies tokens
	SigningKey string
	// TokenTTL is the lifetime of issued tokens
	TokenTTL time.Duration
	// BootID marks tokens as belonging to this process instance
	BootID string
	// Clock is a clock, real or test
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Storage == nil {
		return trace.BadParameter("missing parameter Storage")
	}
	if c.SigningKey == "" {
		return trace.BadParameter("missing parameter SigningKey")
	}
	if c.AdminUser == "" {
		c.AdminUser = defaults.AdminUser
	}
	if c.AdminPassword == "" {
		c.AdminPassword = defaults.AdminPassword
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = defaults.TokenTTL
	}
	if c.BootID == "" {
		c.BootID = uuid.NewString()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Server is the token issuer and credential checker.
type Server struct {
	cfg ServerConfig
	log *logrus.Entry
}

// NewServer returns a ready auth server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{
		cfg: cfg,
		log: logrus.WithFields(logrus.Fields{
			cloudshell.ComponentKey: cloudshell.ComponentAuth,
		}),
	}, nil
}

// BootID returns the boot id baked into issued tokens.
func (s *Server) BootID() string {
	return s.cfg.BootID
}

// AdminUser returns the configured administrative login.
func (s *Server) AdminUser() string {
	return s.cfg.AdminUser
}

// Authenticate checks a login and password pair against the stored
// credential, falling back to the bootstrap password when no hash has
// been stored yet.
func (s *Server) Authenticate(ctx context.Context, username, password string) error {
	if username != s.cfg.AdminUser {
		return trace.Wrap(ErrBadCredentials)
	}
	return s.checkPassword(ctx, username, password)
}

func (s *Server) checkPassword(ctx context.Context, username, password string) error {
	hash, err := s.cfg.Storage.GetAdminPasswordHash(ctx, username)
	if err != nil {
		if !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
		// No stored hash yet: compare with the configured bootstrap
		// password in constant time.
		if subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.AdminPassword)) != 1 {
			return trace.Wrap(ErrBadCredentials)
		}
		return nil
	}
	// A stored hash is authoritative, the bootstrap password stops
	// working the moment one exists.
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return trace.Wrap(ErrBadCredentials)
	}
	return nil
}

// IssueToken mints a fresh token for a username.
func (s *Server) IssueToken(ctx context.Context, username string) (*Token, error) {
	expiry := s.cfg.Clock.Now().UTC().Add(s.cfg.TokenTTL)
	claims := &tokenClaims{
		BootID: s.cfg.BootID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expiry),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.SigningKey))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Token{
		AccessToken: signed,
		TokenType:   "bearer",
		ExpiresAt:   expiry,
	}, nil
}

// parseToken verifies the signature and expiry and extracts claims. It
// does not consult the deny-list or the boot id.
func (s *Server) parseToken(raw string) (*Claims, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, trace.BadParameter("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.SigningKey), nil
	}, jwt.WithValidMethods([]string{signingAlgorithm}), jwt.WithTimeFunc(s.cfg.Clock.Now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, trace.Wrap(ErrTokenExpired)
		}
		return nil, trace.Wrap(ErrTokenInvalid)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, trace.Wrap(ErrTokenInvalid)
	}
	out := &Claims{
		Username: claims.Subject,
		JTI:      claims.ID,
		BootID:   claims.BootID,
	}
	if claims.ExpiresAt != nil {
		out.Expiry = claims.ExpiresAt.Time
	}
	return out, nil
}

// ValidateToken runs the full check: signature, expiry, boot id and
// deny-list. Every authenticated surface goes through here.
func (s *Server) ValidateToken(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.parseToken(raw)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if claims.BootID != s.cfg.BootID {
		return nil, trace.Wrap(ErrBootIDMismatch)
	}
	revoked, err := s.cfg.Storage.IsTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if revoked {
		return nil, trace.Wrap(ErrTokenRevoked)
	}
	return claims, nil
}

// Refresh exchanges a still-valid token for a fresh one. The old token
// is revoked for the rest of its original lifetime so it cannot be
// replayed, and the deny-list is pruned opportunistically.
func (s *Server) Refresh(ctx context.Context, raw string) (*Token, error) {
	claims, err := s.ValidateToken(ctx, raw)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	expiry := claims.Expiry
	if expiry.IsZero() {
		expiry = s.cfg.Clock.Now().UTC()
	}
	if err := s.cfg.Storage.RevokeToken(ctx, claims.JTI, expiry); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := s.cfg.Storage.PruneRevokedTokens(ctx); err != nil {
		s.log.Warnf("Failed to prune expired deny-list rows: %v.", err)
	}
	token, err := s.IssueToken(ctx, claims.Username)
	return token, trace.Wrap(err)
}

// Logout revokes a token. An unparseable token is silently accepted;
// logging out twice is a no-op. The returned claims are nil when
// nothing was revoked so callers know whether to audit.
func (s *Server) Logout(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.parseToken(raw)
	if err != nil {
		// Already invalid, nothing to revoke.
		return nil, nil
	}
	expiry := claims.Expiry
	if expiry.IsZero() {
		expiry = s.cfg.Clock.Now().UTC()
	}
	if err := s.cfg.Storage.RevokeToken(ctx, claims.JTI, expiry); err != nil {
		return nil, trace.Wrap(err)
	}
	return claims, nil
}

// ChangePassword verifies the current password and stores a bcrypt hash
// of the new one. From then on the stored hash is authoritative.
func (s *Server) ChangePassword(ctx context.Context, username, currentPassword, newPassword string) error {
	if err := s.Authenticate(ctx, username, currentPassword); err != nil {
		return trace.Wrap(err)
	}
	if len(newPassword) < defaults.MinPasswordLength {
		return trace.BadParameter("new password must be at least %v characters", defaults.MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.cfg.Storage.UpsertAdminPasswordHash(ctx, username, string(hash)); err != nil {
		return trace.Wrap(err)
	}
	s.log.Infof("Password changed for %v.", username)
	return nil
}
