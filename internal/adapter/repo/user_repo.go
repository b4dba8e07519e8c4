package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"reelforge/internal/domain"
	"reelforge/internal/infra"
	"reelforge/internal/sqlinline"
)

// UserRepositoryPG implements domain.UserRepository backed by PostgreSQL.
type UserRepositoryPG struct {
	db             infra.SQLExecutor
	welcomeCredits int
}

// NewUserRepository creates a new UserRepositoryPG. welcomeCredits is granted
// once, when a chat identity is seen for the first time.
func NewUserRepository(db infra.SQLExecutor, welcomeCredits int) *UserRepositoryPG {
	if welcomeCredits < 0 {
		welcomeCredits = 0
	}
	return &UserRepositoryPG{db: db, welcomeCredits: welcomeCredits}
}

// EnsureByChatID returns the user linked to chatID, creating it on first contact.
func (r *UserRepositoryPG) EnsureByChatID(ctx context.Context, chatID int64, username string) (*domain.User, error) {
	return scanUser(r.db.QueryRow(ctx, sqlinline.QUpsertUserByChatID, chatID, username, r.welcomeCredits))
}

// GetByID fetches a user by UUID.
func (r *UserRepositoryPG) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return scanUser(r.db.QueryRow(ctx, sqlinline.QSelectUserByID, id))
}

// GrantCredits adds amount (which may be negative) to the balance and returns
// the result. A grant that would overdraw the account fails with
// domain.ErrInsufficientBalance.
func (r *UserRepositoryPG) GrantCredits(ctx context.Context, id string, amount int) (int, error) {
	var balance int
	err := r.db.QueryRow(ctx, sqlinline.QGrantCredits, id, amount).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !infra.IsNoRows(err) {
		return 0, fmt.Errorf("grant credits: %w", err)
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return 0, err
	}
	return 0, domain.ErrInsufficientBalance
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.ChatID, &u.Username, &u.Balance, &u.CreatedAt); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

var _ domain.UserRepository = (*UserRepositoryPG)(nil)
