package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"escrowflow/compliance"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("identity: password must be at least 8 characters")
	// ErrInvalidInput signals a malformed registration or verification request.
	ErrInvalidInput = errors.New("identity: invalid input")
)

const tokenTTL = 24 * time.Hour

// Service handles accounts, login and the verification flags consumed by the
// compliance gate.
type Service struct {
	repo      Repository
	jwtSecret []byte
	now       func() time.Time
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token string
	User  User
}

// NewService creates a new identity service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates a new user account. Self-registration defaults to the user role.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if req.Email == "" || req.FullName == "" {
		return nil, fmt.Errorf("%w: email and full_name are required", ErrInvalidInput)
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleUser
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidInput, role)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("identity: hash password: %w", err)
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
		Phone:        req.Phone,
		Role:         role,
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(user.ID, user.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("identity: generate token: %w", err)
	}
	return LoginResult{Token: token, User: user}, nil
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Flags returns the verification facts for userID.
func (s *Service) Flags(ctx context.Context, userID string) (compliance.Flags, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return compliance.Flags{}, err
	}
	return user.Flags(), nil
}

// UpdateVerification records the outcome of an identity or KYC review.
func (s *Service) UpdateVerification(ctx context.Context, userID string, update VerificationUpdate) (*User, error) {
	if update.IdentityVerified == nil && update.KYCVerified == nil {
		return nil, fmt.Errorf("%w: no verification fields supplied", ErrInvalidInput)
	}
	user, err := s.repo.UpdateVerification(ctx, userID, update)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyToken validates a JWT token and returns the user ID and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", "", fmt.Errorf("identity: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", fmt.Errorf("identity: invalid token")
	}
	userID, ok := claims["user_id"].(string)
	if !ok {
		return "", "", fmt.Errorf("identity: invalid user_id in token")
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return "", "", fmt.Errorf("identity: invalid role in token")
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return "", "", fmt.Errorf("identity: invalid role %q in token", roleStr)
	}
	return userID, role, nil
}

func (s *Service) generateToken(userID string, role Role) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    string(role),
		"exp":     now.Add(tokenTTL).Unix(),
		"iat":     now.Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

func isValidRole(role Role) bool {
	switch role {
	case RoleUser, RoleAdmin, RoleAdvisor:
		return true
	default:
		return false
	}
}
