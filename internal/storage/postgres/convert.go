package postgres

import (
	"github.com/discreetgg/discreet-upgraded-sub001/internal/billing"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/call"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/directory"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/messaging"
)

func toUserModel(u *directory.User) *UserModel {
	return &UserModel{
		ID:            u.ID,
		DisplayName:   u.DisplayName,
		RatePerMinute: u.RatePerMinute.Amount,
		Currency:      u.RatePerMinute.Currency,
		CreatedAt:     u.CreatedAt,
	}
}

func toUserDomain(m *UserModel) *directory.User {
	return &directory.User{
		ID:            m.ID,
		DisplayName:   m.DisplayName,
		RatePerMinute: billing.Money{Amount: m.RatePerMinute, Currency: m.Currency},
		CreatedAt:     m.CreatedAt,
	}
}

func toWalletDomain(m *WalletModel) billing.Wallet {
	return billing.Wallet{
		UserID:  m.UserID,
		Balance: billing.Money{Amount: m.Balance, Currency: m.Currency},
		Held:    billing.Money{Amount: m.Held, Currency: m.Currency},
	}
}

func toChargeDomain(m *ChargeModel) *billing.Charge {
	return &billing.Charge{
		ID:        m.ID,
		CallID:    m.CallID,
		PayerID:   m.PayerID,
		PayeeID:   m.PayeeID,
		Minute:    m.MinuteIndex,
		Amount:    billing.Money{Amount: m.Amount, Currency: m.Currency},
		CreatedAt: m.CreatedAt,
	}
}

func toSettlementDomain(m *SettlementModel) *billing.Settlement {
	return &billing.Settlement{
		ID:         m.ID,
		CallID:     m.CallID,
		PayerID:    m.PayerID,
		PayeeID:    m.PayeeID,
		Amount:     billing.Money{Amount: m.Amount, Currency: m.Currency},
		Charged:    billing.Money{Amount: m.Charged, Currency: m.Currency},
		Adjustment: billing.Money{Amount: m.Adjustment, Currency: m.Currency},
		CreatedAt:  m.CreatedAt,
	}
}

func toCallModel(s *call.Session) *CallModel {
	return &CallModel{
		ID:             s.ID,
		CallerID:       s.CallerID,
		CalleeID:       s.CalleeID,
		Kind:           string(s.Kind),
		State:          string(s.State),
		Status:         s.Status,
		Reason:         string(s.Reason),
		RatePerMinute:  s.Rate.Amount,
		Currency:       s.Rate.Currency,
		Minutes:        s.Minutes,
		MinutesCharged: s.MinutesCharged,
		Amount:         s.Amount.Amount,
		ReservationID:  s.ReservationID,
		SettlementID:   s.SettlementID,
		CreatedAt:      s.CreatedAt,
		AnsweredAt:     s.AnsweredAt,
		StartedAt:      s.StartedAt,
		EndedAt:        s.EndedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

func toCallDomain(m *CallModel) *call.Session {
	return &call.Session{
		ID:             m.ID,
		CallerID:       m.CallerID,
		CalleeID:       m.CalleeID,
		Kind:           call.Kind(m.Kind),
		State:          call.State(m.State),
		Status:         m.Status,
		Reason:         call.Reason(m.Reason),
		Rate:           billing.Money{Amount: m.RatePerMinute, Currency: m.Currency},
		Minutes:        m.Minutes,
		MinutesCharged: m.MinutesCharged,
		Amount:         billing.Money{Amount: m.Amount, Currency: m.Currency},
		ReservationID:  m.ReservationID,
		SettlementID:   m.SettlementID,
		CreatedAt:      m.CreatedAt,
		AnsweredAt:     m.AnsweredAt,
		StartedAt:      m.StartedAt,
		EndedAt:        m.EndedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func toMessageModel(m *messaging.Message) *MessageModel {
	return &MessageModel{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Text:        m.Text,
		CallID:      m.CallID,
		Status:      string(m.Status),
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		DeliveredAt: m.DeliveredAt,
		ReadAt:      m.ReadAt,
	}
}

func toMessageDomain(m *MessageModel) *messaging.Message {
	return &messaging.Message{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Text:        m.Text,
		CallID:      m.CallID,
		Status:      messaging.Status(m.Status),
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		DeliveredAt: m.DeliveredAt,
		ReadAt:      m.ReadAt,
	}
}
