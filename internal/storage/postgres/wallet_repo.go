package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/billing"
)

// WalletRepository implements billing.Store. Every balance change locks the
// affected wallet rows with SELECT ... FOR UPDATE, in user ID order.
type WalletRepository struct {
	db       *gorm.DB
	currency string
}

// NewWalletRepository creates a WalletRepository for a single currency.
func NewWalletRepository(db *gorm.DB, currency string) *WalletRepository {
	return &WalletRepository{db: db, currency: currency}
}

// Deposit credits userID's wallet, creating it if absent.
func (r *WalletRepository) Deposit(ctx context.Context, userID string, amount billing.Money) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallets, err := r.lockWallets(tx, userID)
		if err != nil {
			return err
		}
		w := wallets[userID]
		w.Balance += amount.Amount
		return r.saveWallet(tx, w)
	})
}

// Wallet returns userID's balance.
func (r *WalletRepository) Wallet(ctx context.Context, userID string) (billing.Wallet, error) {
	var w WalletModel
	err := r.db.WithContext(ctx).First(&w, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.Wallet{}, fmt.Errorf("%w: %s", billing.ErrWalletNotFound, userID)
	}
	if err != nil {
		return billing.Wallet{}, fmt.Errorf("loading wallet: %w", err)
	}
	return toWalletDomain(&w), nil
}

// Reserve holds res.Amount on the payer's wallet.
func (r *WalletRepository) Reserve(ctx context.Context, res *billing.Reservation) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallets, err := r.lockWallets(tx, res.PayerID)
		if err != nil {
			return err
		}
		w := wallets[res.PayerID]
		if available := w.Balance - w.Held; available < res.Amount.Amount {
			return fmt.Errorf("%w: need %d, available %d", billing.ErrInsufficientFunds, res.Amount.Amount, available)
		}
		w.Held += res.Amount.Amount
		if err := r.saveWallet(tx, w); err != nil {
			return err
		}
		return tx.Create(&ReservationModel{
			ID:        res.ID,
			CallID:    res.CallID,
			PayerID:   res.PayerID,
			PayeeID:   res.PayeeID,
			Amount:    res.Amount.Amount,
			Remaining: res.Amount.Amount,
			Currency:  res.Amount.Currency,
			CreatedAt: res.CreatedAt,
		}).Error
	})
}

// ApplyCharge moves one minute from payer to payee. A repeated
// (call, minute) returns the stored charge.
func (r *WalletRepository) ApplyCharge(ctx context.Context, c *billing.Charge) (*billing.Charge, error) {
	var stored *billing.Charge
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := r.findCharge(tx, c.CallID, c.Minute)
		if err != nil || existing != nil {
			stored = existing
			return err
		}

		wallets, err := r.lockWallets(tx, c.PayerID, c.PayeeID)
		if err != nil {
			return err
		}
		payer, payee := wallets[c.PayerID], wallets[c.PayeeID]

		res, err := r.openReservation(tx, c.CallID)
		if err != nil {
			return err
		}
		var fromHold int64
		if res != nil {
			fromHold = min(res.Remaining, c.Amount.Amount)
		}
		if payer.Balance-payer.Held+fromHold < c.Amount.Amount {
			return fmt.Errorf("%w: minute %d of %s", billing.ErrInsufficientFunds, c.Minute, c.CallID)
		}

		payer.Balance -= c.Amount.Amount
		payer.Held -= fromHold
		payee.Balance += c.Amount.Amount
		if err := r.saveWallet(tx, payer); err != nil {
			return err
		}
		if err := r.saveWallet(tx, payee); err != nil {
			return err
		}
		if res != nil && fromHold > 0 {
			if err := tx.Model(res).Update("remaining", res.Remaining-fromHold).Error; err != nil {
				return fmt.Errorf("consuming reservation: %w", err)
			}
		}

		m := &ChargeModel{
			ID:          c.ID,
			CallID:      c.CallID,
			MinuteIndex: c.Minute,
			PayerID:     c.PayerID,
			PayeeID:     c.PayeeID,
			Amount:      c.Amount.Amount,
			Currency:    c.Amount.Currency,
			CreatedAt:   c.CreatedAt,
		}
		if err := tx.Create(m).Error; err != nil {
			return fmt.Errorf("inserting charge: %w", err)
		}
		stored = toChargeDomain(m)
		return nil
	})
	if err != nil && !errors.Is(err, billing.ErrInsufficientFunds) {
		// A concurrent insert of the same minute loses on the unique index.
		if existing, findErr := r.findCharge(r.db.WithContext(ctx), c.CallID, c.Minute); findErr == nil && existing != nil {
			return existing, nil
		}
	}
	return stored, err
}

// ApplySettlement reconciles a call and releases its reservation. A
// repeated settlement returns the stored one.
func (r *WalletRepository) ApplySettlement(ctx context.Context, s *billing.Settlement) (*billing.Settlement, error) {
	var stored *billing.Settlement
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SettlementModel
		err := tx.Where("call_id = ?", s.CallID).First(&existing).Error
		if err == nil {
			stored = toSettlementDomain(&existing)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("looking up settlement: %w", err)
		}

		var charges []ChargeModel
		if err := tx.Where("call_id = ?", s.CallID).Find(&charges).Error; err != nil {
			return fmt.Errorf("loading charges: %w", err)
		}
		var charged int64
		var payerID, payeeID string
		for _, c := range charges {
			charged += c.Amount
			payerID, payeeID = c.PayerID, c.PayeeID
		}

		res, err := r.openReservation(tx, s.CallID)
		if err != nil {
			return err
		}
		if res != nil {
			payerID, payeeID = res.PayerID, res.PayeeID
		}

		adjustment := s.Amount.Amount - charged
		if adjustment != 0 && payerID == "" {
			return fmt.Errorf("%w: no reservation or charges for call %s", billing.ErrAdapterFailure, s.CallID)
		}

		if payerID != "" {
			wallets, err := r.lockWallets(tx, payerID, payeeID)
			if err != nil {
				return err
			}
			payer, payee := wallets[payerID], wallets[payeeID]
			if res != nil {
				payer.Held -= res.Remaining
				if err := r.release(tx, res); err != nil {
					return err
				}
			}
			payer.Balance -= adjustment
			payee.Balance += adjustment
			if err := r.saveWallet(tx, payer); err != nil {
				return err
			}
			if payeeID != payerID {
				if err := r.saveWallet(tx, payee); err != nil {
					return err
				}
			}
		}

		m := &SettlementModel{
			ID:         s.ID,
			CallID:     s.CallID,
			PayerID:    payerID,
			PayeeID:    payeeID,
			Amount:     s.Amount.Amount,
			Charged:    charged,
			Adjustment: adjustment,
			Currency:   s.Amount.Currency,
			CreatedAt:  s.CreatedAt,
		}
		if err := tx.Create(m).Error; err != nil {
			return fmt.Errorf("inserting settlement: %w", err)
		}
		stored = toSettlementDomain(m)
		return nil
	})
	return stored, err
}

// ReleaseReservation returns a reservation's remaining hold to the payer.
func (r *WalletRepository) ReleaseReservation(ctx context.Context, reservationID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var res ReservationModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND released_at IS NULL", reservationID).
			First(&res).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("loading reservation: %w", err)
		}
		wallets, err := r.lockWallets(tx, res.PayerID)
		if err != nil {
			return err
		}
		w := wallets[res.PayerID]
		w.Held -= res.Remaining
		if err := r.saveWallet(tx, w); err != nil {
			return err
		}
		return r.release(tx, &res)
	})
}

// lockWallets creates missing wallets and locks all of them in ID order.
func (r *WalletRepository) lockWallets(tx *gorm.DB, userIDs ...string) (map[string]*WalletModel, error) {
	ids := append([]string(nil), userIDs...)
	sort.Strings(ids)

	out := make(map[string]*WalletModel, len(ids))
	for _, id := range ids {
		if _, done := out[id]; done {
			continue
		}
		seed := WalletModel{ID: uuid.New(), UserID: id, Currency: r.currency}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).Create(&seed).Error; err != nil {
			return nil, fmt.Errorf("creating wallet for %q: %w", id, err)
		}
		var w WalletModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&w, "user_id = ?", id).Error; err != nil {
			return nil, fmt.Errorf("locking wallet for %q: %w", id, err)
		}
		out[id] = &w
	}
	return out, nil
}

func (r *WalletRepository) saveWallet(tx *gorm.DB, w *WalletModel) error {
	err := tx.Model(&WalletModel{}).
		Where("id = ?", w.ID).
		Updates(map[string]any{"balance": w.Balance, "held": w.Held}).Error
	if err != nil {
		return fmt.Errorf("updating wallet for %q: %w", w.UserID, err)
	}
	return nil
}

func (r *WalletRepository) openReservation(tx *gorm.DB, callID string) (*ReservationModel, error) {
	var res ReservationModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("call_id = ? AND released_at IS NULL", callID).
		Order("created_at").
		First(&res).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading reservation: %w", err)
	}
	return &res, nil
}

func (r *WalletRepository) release(tx *gorm.DB, res *ReservationModel) error {
	now := time.Now().UTC()
	err := tx.Model(&ReservationModel{}).
		Where("id = ?", res.ID).
		Updates(map[string]any{"remaining": 0, "released_at": now}).Error
	if err != nil {
		return fmt.Errorf("releasing reservation: %w", err)
	}
	return nil
}

func (r *WalletRepository) findCharge(tx *gorm.DB, callID string, minute int) (*billing.Charge, error) {
	var m ChargeModel
	err := tx.Where("call_id = ? AND minute_index = ?", callID, minute).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up charge: %w", err)
	}
	return toChargeDomain(&m), nil
}
