package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/garnizeh/insightpipe/pkg/models"
	"github.com/google/uuid"
)

const userColumns = `id, email, password_hash, tier, is_admin, created_at`

func (r *Repo) CreateUser(ctx context.Context, u *models.User) error {
	if u == nil {
		return fmt.Errorf("user is nil")
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Tier == "" {
		u.Tier = models.TierFree
	}
	if u.CreatedAt == 0 {
		u.CreatedAt = now()
	}
	_, err := r.conn.Exec(ctx, `INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, u.Tier, u.IsAdmin, u.CreatedAt)
	return err
}

func (r *Repo) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return r.getUser(ctx, `id = ?`, id)
}

func (r *Repo) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getUser(ctx, `email = ?`, email)
}

func (r *Repo) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	var u models.User
	if err := r.conn.Get(ctx, &u, `SELECT `+userColumns+` FROM users WHERE `+where, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}
