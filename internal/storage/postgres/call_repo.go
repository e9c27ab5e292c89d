package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/call"
)

// CallRepository implements call.LedgerStore.
type CallRepository struct {
	db *gorm.DB
}

// NewCallRepository creates a CallRepository.
func NewCallRepository(db *gorm.DB) *CallRepository {
	return &CallRepository{db: db}
}

// Save upserts the call record.
func (r *CallRepository) Save(ctx context.Context, s *call.Session) error {
	m := toCallModel(s)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(m).Error
	if err != nil {
		return fmt.Errorf("saving call %s: %w", s.ID, err)
	}
	return nil
}

// FindByID returns call.ErrCallNotFound for unknown IDs.
func (r *CallRepository) FindByID(ctx context.Context, id string) (*call.Session, error) {
	var m CallModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", call.ErrCallNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading call: %w", err)
	}
	return toCallDomain(&m), nil
}

// ListOpen returns non-terminal calls last updated before cutoff.
func (r *CallRepository) ListOpen(ctx context.Context, updatedBefore time.Time) ([]*call.Session, error) {
	var rows []CallModel
	err := r.db.WithContext(ctx).
		Where("state <> ? AND updated_at < ?", string(call.StateEnded), updatedBefore).
		Order("updated_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing open calls: %w", err)
	}
	out := make([]*call.Session, len(rows))
	for i := range rows {
		out[i] = toCallDomain(&rows[i])
	}
	return out, nil
}
