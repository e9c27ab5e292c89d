package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/messaging"
)

// MessageRepository implements messaging.Store.
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository creates a MessageRepository.
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) CreateMessage(ctx context.Context, m *messaging.Message) error {
	if err := r.db.WithContext(ctx).Create(toMessageModel(m)).Error; err != nil {
		return fmt.Errorf("creating message: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetMessage(ctx context.Context, id string) (*messaging.Message, error) {
	var m MessageModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", messaging.ErrMessageNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading message: %w", err)
	}
	return toMessageDomain(&m), nil
}

// AdvanceStatus locks the row and applies messaging.Advance to it.
func (r *MessageRepository) AdvanceStatus(ctx context.Context, id string, to messaging.Status, at time.Time) (*messaging.Message, bool, error) {
	var (
		out     *messaging.Message
		changed bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m MessageModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", messaging.ErrMessageNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("loading message: %w", err)
		}
		msg := toMessageDomain(&m)
		out = msg
		if !messaging.Advance(msg, to, at) {
			return nil
		}
		changed = true
		return tx.Model(&MessageModel{}).Where("id = ?", id).Updates(map[string]any{
			"status":       string(msg.Status),
			"updated_at":   msg.UpdatedAt,
			"delivered_at": msg.DeliveredAt,
			"read_at":      msg.ReadAt,
		}).Error
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}
