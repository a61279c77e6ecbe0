// Package auth guards the command surface with a single operator account:
// Argon2id-hashed password from the config file, HS256 session tokens. With no
// password hash configured the surface runs open, for bench use.
package auth

import (
	"fmt"

	"github.com/openbenchlab/psuwatch/internal/config"
	"go.uber.org/zap"
)

const RoleOperator = "operator"

type Service struct {
	jwtHandler *JWTHandler
	hasher     *PasswordHasher
	user       string
	hash       string
	logger     *zap.Logger
}

func NewService(cfg config.AuthConfig, logger *zap.Logger) *Service {
	if cfg.OperatorPasswordHash == "" {
		logger.Warn("No operator password configured, command surface runs unauthenticated")
	}

	return &Service{
		jwtHandler: NewJWTHandler(cfg.GetJWTSecret(), cfg.TokenTTL),
		hasher:     NewPasswordHasher(),
		user:       cfg.OperatorUser,
		hash:       cfg.OperatorPasswordHash,
		logger:     logger,
	}
}

// Enabled reports whether authentication is enforced.
func (s *Service) Enabled() bool {
	return s.hash != ""
}

// Login verifies the operator credentials and issues a session token.
func (s *Service) Login(username, password string) (string, error) {
	if !s.Enabled() {
		return "", fmt.Errorf("authentication not configured")
	}

	if username != s.user {
		return "", fmt.Errorf("invalid credentials")
	}

	ok, err := s.hasher.VerifyPassword(password, s.hash)
	if err != nil {
		s.logger.Error("Password verification failed", zap.Error(err))
		return "", fmt.Errorf("invalid credentials")
	}
	if !ok {
		return "", fmt.Errorf("invalid credentials")
	}

	token, err := s.jwtHandler.GenerateToken(username, RoleOperator)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	s.logger.Info("Operator logged in", zap.String("username", username))
	return token, nil
}

// ValidateToken checks a session token and returns its claims.
func (s *Service) ValidateToken(token string) (*JWTClaims, error) {
	return s.jwtHandler.ValidateToken(token)
}
