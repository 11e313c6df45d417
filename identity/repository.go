package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrUserNotFound signals that the user does not exist.
	ErrUserNotFound = errors.New("identity: user not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("identity: email already exists")
)

// Repository handles account persistence.
type Repository interface {
	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, userID string) (User, error)
	UpdateVerification(ctx context.Context, userID string, update VerificationUpdate) (User, error)
}

// CreateUserParams contains write parameters for creating users.
type CreateUserParams struct {
	Email        string
	FullName     string
	PasswordHash string
	Phone        *string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed identity repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const userColumns = `id, email, full_name, password_hash, phone, role, identity_verified, kyc_verified, created_at, updated_at`

// CreateUser inserts a new user with hashed password.
func (r *PGRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	insertSQL := `
		INSERT INTO users (email, full_name, password_hash, phone, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + userColumns

	user, err := scanUser(r.pool.QueryRow(ctx, insertSQL, params.Email, params.FullName, params.PasswordHash, params.Phone, string(params.Role)))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, ErrDuplicateEmail
		}
		return User{}, fmt.Errorf("identity: create user: %w", err)
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email address.
func (r *PGRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("identity: get user by email: %w", err)
	}
	return user, nil
}

// GetUserByID retrieves a user by ID.
func (r *PGRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("identity: get user by id: %w", err)
	}
	return user, nil
}

// UpdateVerification sets the supplied verification flags.
func (r *PGRepository) UpdateVerification(ctx context.Context, userID string, update VerificationUpdate) (User, error) {
	updateSQL := `
		UPDATE users
		SET identity_verified = COALESCE($2, identity_verified),
		    kyc_verified = COALESCE($3, kyc_verified),
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + userColumns

	user, err := scanUser(r.pool.QueryRow(ctx, updateSQL, userID, update.IdentityVerified, update.KYCVerified))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("identity: update verification: %w", err)
	}
	return user, nil
}

func scanUser(row pgx.Row) (User, error) {
	var (
		user User
		role string
	)
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.FullName,
		&user.PasswordHash,
		&user.Phone,
		&role,
		&user.IdentityVerified,
		&user.KYCVerified,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	user.Role = Role(role)
	return user, nil
}

// MemoryRepository keeps accounts in process memory. The API falls back to it when
// no database is configured.
type MemoryRepository struct {
	mu      sync.RWMutex
	byEmail map[string]string
	byID    map[string]User
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byEmail: make(map[string]string),
		byID:    make(map[string]User),
		now:     time.Now,
	}
}

func (m *MemoryRepository) CreateUser(_ context.Context, params CreateUserParams) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(params.Email)
	if _, exists := m.byEmail[key]; exists {
		return User{}, ErrDuplicateEmail
	}
	now := m.now().UTC()
	user := User{
		ID:           uuid.NewString(),
		Email:        params.Email,
		FullName:     params.FullName,
		PasswordHash: params.PasswordHash,
		Phone:        params.Phone,
		Role:         params.Role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.byEmail[key] = user.ID
	m.byID[user.ID] = user
	return user, nil
}

func (m *MemoryRepository) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return m.byID[id], nil
}

func (m *MemoryRepository) GetUserByID(_ context.Context, userID string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.byID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (m *MemoryRepository) UpdateVerification(_ context.Context, userID string, update VerificationUpdate) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.byID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	if update.IdentityVerified != nil {
		user.IdentityVerified = *update.IdentityVerified
	}
	if update.KYCVerified != nil {
		user.KYCVerified = *update.KYCVerified
	}
	user.UpdatedAt = m.now().UTC()
	m.byID[userID] = user
	return user, nil
}
