package postgres

import (
	"time"

	"github.com/google/uuid"
)

// UserModel maps to the "users" table.
type UserModel struct {
	ID            string `gorm:"primaryKey"`
	DisplayName   string
	RatePerMinute int64  `gorm:"not null;default:0"`
	Currency      string `gorm:"size:3;not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (UserModel) TableName() string { return "users" }

// WalletModel maps to the "wallets" table. Held is the sum of open
// reservations; spendable funds are Balance - Held.
type WalletModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"not null;uniqueIndex"`
	Balance   int64     `gorm:"not null;default:0"`
	Held      int64     `gorm:"not null;default:0"`
	Currency  string    `gorm:"size:3;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (WalletModel) TableName() string { return "wallets" }

// ReservationModel maps to the "reservations" table.
type ReservationModel struct {
	ID         string `gorm:"primaryKey"`
	CallID     string `gorm:"index"`
	PayerID    string `gorm:"not null;index"`
	PayeeID    string
	Amount     int64  `gorm:"not null"`
	Remaining  int64  `gorm:"not null"`
	Currency   string `gorm:"size:3;not null"`
	ReleasedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (ReservationModel) TableName() string { return "reservations" }

// ChargeModel maps to the "charges" table. The (call_id, minute_index)
// unique index makes each billed minute chargeable once.
type ChargeModel struct {
	ID          string `gorm:"primaryKey"`
	CallID      string `gorm:"not null;uniqueIndex:idx_charges_tick"`
	MinuteIndex int    `gorm:"not null;uniqueIndex:idx_charges_tick"`
	PayerID     string `gorm:"not null;index"`
	PayeeID     string `gorm:"not null"`
	Amount      int64  `gorm:"not null"`
	Currency    string `gorm:"size:3;not null"`
	CreatedAt   time.Time
}

func (ChargeModel) TableName() string { return "charges" }

// SettlementModel maps to the "settlements" table.
type SettlementModel struct {
	ID         string `gorm:"primaryKey"`
	CallID     string `gorm:"not null;uniqueIndex"`
	PayerID    string
	PayeeID    string
	Amount     int64  `gorm:"not null"`
	Charged    int64  `gorm:"not null"`
	Adjustment int64  `gorm:"not null"`
	Currency   string `gorm:"size:3;not null"`
	CreatedAt  time.Time
}

func (SettlementModel) TableName() string { return "settlements" }

// CallModel maps to the "calls" table.
type CallModel struct {
	ID             string `gorm:"primaryKey"`
	CallerID       string `gorm:"not null;index"`
	CalleeID       string `gorm:"not null;index"`
	Kind           string `gorm:"not null"`
	State          string `gorm:"not null;index"`
	Status         string `gorm:"not null"`
	Reason         string
	RatePerMinute  int64  `gorm:"not null"`
	Currency       string `gorm:"size:3;not null"`
	Minutes        int    `gorm:"not null;default:0"`
	MinutesCharged int    `gorm:"not null;default:0"`
	Amount         int64  `gorm:"not null;default:0"`
	ReservationID  string
	SettlementID   string
	CreatedAt      time.Time
	AnsweredAt     *time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
	UpdatedAt      time.Time `gorm:"index"`
}

func (CallModel) TableName() string { return "calls" }

// MessageModel maps to the "messages" table.
type MessageModel struct {
	ID          string `gorm:"primaryKey"`
	SenderID    string `gorm:"not null;index"`
	RecipientID string `gorm:"not null;index"`
	Text        string `gorm:"type:text;not null"`
	CallID      string `gorm:"index"`
	Status      string `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeliveredAt *time.Time
	ReadAt      *time.Time
}

func (MessageModel) TableName() string { return "messages" }

// Models returns every model in migration order.
func Models() []any {
	return []any{
		&UserModel{},
		&WalletModel{},
		&ReservationModel{},
		&ChargeModel{},
		&SettlementModel{},
		&CallModel{},
		&MessageModel{},
	}
}
