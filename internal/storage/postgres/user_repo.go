package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/directory"
)

// UserRepository implements directory.Store.
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a UserRepository.
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetUser retrieves a user by ID.
func (r *UserRepository) GetUser(ctx context.Context, id string) (*directory.User, error) {
	var user UserModel
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", directory.ErrUserNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user %q: %w", id, err)
	}
	return toUserDomain(&user), nil
}

// SaveUser inserts a user or updates its display name and rate.
func (r *UserRepository) SaveUser(ctx context.Context, u *directory.User) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "rate_per_minute", "currency", "updated_at"}),
	}).Create(toUserModel(u)).Error
	if err != nil {
		return fmt.Errorf("saving user %q: %w", u.ID, err)
	}
	return nil
}

// ListUsers returns all users ordered by ID.
func (r *UserRepository) ListUsers(ctx context.Context) ([]*directory.User, error) {
	var rows []UserModel
	if err := r.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	out := make([]*directory.User, len(rows))
	for i := range rows {
		out[i] = toUserDomain(&rows[i])
	}
	return out, nil
}
