package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/deploy-ticket-service/internal/domain"
)

// UserRepository defines persistence access for chat users and their credentials.
type UserRepository interface {
	GetOrCreate(ctx context.Context, externalID string) (*domain.User, error)
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.User, error)
	UpsertCredential(ctx context.Context, cred *domain.Credential) error
	GetCredential(ctx context.Context, userID string) (*domain.Credential, error)
}

type userRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository returns a Postgres-backed implementation.
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

func (r *userRepository) GetOrCreate(ctx context.Context, externalID string) (*domain.User, error) {
	const query = `
        INSERT INTO users (external_id) VALUES ($1)
        ON CONFLICT (external_id) DO UPDATE SET external_id=EXCLUDED.external_id
        RETURNING id, external_id, created_at`

	var user domain.User
	if err := r.pool.QueryRow(ctx, query, externalID).Scan(&user.ID, &user.ExternalID, &user.CreatedAt); err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	if !validID(id) {
		return nil, pgx.ErrNoRows
	}
	const query = `SELECT id, external_id, created_at FROM users WHERE id=$1`

	var user domain.User
	if err := r.pool.QueryRow(ctx, query, id).Scan(&user.ID, &user.ExternalID, &user.CreatedAt); err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.User, error) {
	const query = `SELECT id, external_id, created_at FROM users WHERE external_id=$1`

	var user domain.User
	if err := r.pool.QueryRow(ctx, query, externalID).Scan(&user.ID, &user.ExternalID, &user.CreatedAt); err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) UpsertCredential(ctx context.Context, cred *domain.Credential) error {
	const query = `
        INSERT INTO credentials (user_id, ciphertext, iv)
        VALUES ($1, $2, $3)
        ON CONFLICT (user_id) DO UPDATE SET ciphertext=EXCLUDED.ciphertext, iv=EXCLUDED.iv, updated_at=NOW()
        RETURNING updated_at`
	return r.pool.QueryRow(ctx, query, cred.UserID, cred.Ciphertext, cred.IV).Scan(&cred.UpdatedAt)
}

func (r *userRepository) GetCredential(ctx context.Context, userID string) (*domain.Credential, error) {
	if !validID(userID) {
		return nil, pgx.ErrNoRows
	}
	const query = `SELECT user_id, ciphertext, iv, updated_at FROM credentials WHERE user_id=$1`

	var cred domain.Credential
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&cred.UserID, &cred.Ciphertext, &cred.IV, &cred.UpdatedAt); err != nil {
		return nil, err
	}
	return &cred, nil
}
