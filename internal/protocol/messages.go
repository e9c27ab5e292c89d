// Package protocol defines the WebSocket message types exchanged between
// clients and the gateway. All messages are JSON-encoded and wrapped in an
// Envelope. Inbound types use dot notation ("message.send"), outbound types
// use colon notation ("message:new").
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message in the WebSocket protocol.
type MessageType string

const (
	// Client → Gateway
	MsgMessageSend      MessageType = "message.send"
	MsgMessageDelivered MessageType = "message.delivered"
	MsgMessageRead      MessageType = "message.read"
	MsgCallOffer        MessageType = "call.offer"
	MsgCallAnswer       MessageType = "call.answer"
	MsgCallStartBilling MessageType = "call.start-billing"
	MsgCallICE          MessageType = "call.ice"
	MsgCallEnd          MessageType = "call.end"
	MsgCallRinging      MessageType = "call.ringing"

	// Gateway → Client
	EvtUserOnline    MessageType = "user:online"
	EvtUserOffline   MessageType = "user:offline"
	EvtUsersOnline   MessageType = "users:online"
	EvtMessageNew    MessageType = "message:new"
	EvtMessageAck    MessageType = "message:ack"
	EvtMessageStatus MessageType = "message:status"
	EvtCallOffer     MessageType = "call:offer"
	EvtCallAnswer    MessageType = "call:answer"
	EvtCallICE       MessageType = "call:ice"
	EvtCallRinging   MessageType = "call:ringing"
	EvtCallInitiated MessageType = "call:initiated"
	EvtCallOngoing   MessageType = "call:ongoing"
	EvtCallBilled    MessageType = "call:billed"
	EvtCallEnd       MessageType = "call:end"
	EvtCallError     MessageType = "call:error"
	EvtPing          MessageType = "gateway:ping"
	EvtError         MessageType = "error"
)

// Envelope is the top-level message wrapper for all WebSocket communication.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"` // Correlates replies with the request that caused them.
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), target)
	}
	return json.Unmarshal(e.Payload, target)
}

// --- Client → Gateway payloads ---

// MessageSendPayload is sent with MsgMessageSend.
type MessageSendPayload struct {
	RecipientID string `json:"recipientId"`
	Text        string `json:"text"`
	CallID      string `json:"callId,omitempty"` // Optional back-reference to a call session.
}

// MessageStatusRequest is sent with MsgMessageDelivered and MsgMessageRead.
// MessageID accepts either a single id or an array of ids.
type MessageStatusRequest struct {
	MessageID IDList `json:"messageId"`
}

// CallOfferPayload is sent with MsgCallOffer.
type CallOfferPayload struct {
	To       string          `json:"to"`
	Offer    json.RawMessage `json:"offer,omitempty"`
	CallType string          `json:"callType"` // "audio" or "video".
}

// CallAnswerPayload is sent with MsgCallAnswer.
type CallAnswerPayload struct {
	CallID string          `json:"callId"`
	To     string          `json:"to"`
	Answer json.RawMessage `json:"answer,omitempty"`
}

// CallStartBillingPayload is sent with MsgCallStartBilling.
type CallStartBillingPayload struct {
	CallID   string `json:"callId"`
	CallerID string `json:"callerId"`
	CalleeID string `json:"calleeId"`
}

// CallICEPayload is sent with MsgCallICE.
type CallICEPayload struct {
	CallID    string          `json:"callId,omitempty"`
	To        string          `json:"to"`
	Candidate json.RawMessage `json:"candidate"`
}

// CallEndPayload is sent with MsgCallEnd. Duration, when set, is the
// client-reported call length in whole minutes.
type CallEndPayload struct {
	CallID   string `json:"callId"`
	To       string `json:"to,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Duration *int   `json:"duration,omitempty"`
}

// CallRingingPayload is sent with MsgCallRinging.
type CallRingingPayload struct {
	CallID string `json:"callId,omitempty"`
	To     string `json:"to"`
}

// --- Gateway → Client payloads ---

// UserPresencePayload is sent with EvtUserOnline and EvtUserOffline.
type UserPresencePayload struct {
	UserID string `json:"userId"`
}

// UsersOnlinePayload is sent with EvtUsersOnline.
type UsersOnlinePayload struct {
	UserIDs []string `json:"userIds"`
}

// MessagePayload describes a chat message. Sent with EvtMessageNew and EvtMessageAck.
type MessagePayload struct {
	MessageID   string    `json:"messageId"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	Text        string    `json:"text"`
	CallID      string    `json:"callId,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

// MessageStatusPayload is sent with EvtMessageStatus to the original sender.
type MessageStatusPayload struct {
	MessageID string    `json:"messageId"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SignalPayload carries a relayed signaling event annotated with its origin.
type SignalPayload struct {
	From     string          `json:"from"`
	CallID   string          `json:"callId,omitempty"`
	CallType string          `json:"callType,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"` // Offer, answer or ICE candidate, passed through untouched.
}

// CallInitiatedPayload is sent with EvtCallInitiated to the caller.
type CallInitiatedPayload struct {
	CallID string `json:"callId"`
	Status string `json:"status"`
}

// CallOngoingPayload is sent with EvtCallOngoing to both parties.
type CallOngoingPayload struct {
	CallID    string    `json:"callId"`
	StartedAt time.Time `json:"startedAt"`
}

// CallBilledPayload is sent with EvtCallBilled after each successful minute charge.
type CallBilledPayload struct {
	CallID   string `json:"callId"`
	Minute   int    `json:"minute"`
	Amount   int64  `json:"amount"` // Minor units.
	Currency string `json:"currency"`
}

// CallEndedPayload is sent with EvtCallEnd to both parties.
type CallEndedPayload struct {
	CallID   string `json:"callId"`
	Status   string `json:"status"`
	Reason   string `json:"reason"`
	Minutes  int    `json:"minutes"`
	Amount   int64  `json:"amount"` // Minor units.
	Currency string `json:"currency"`
	Repeat   bool   `json:"repeat,omitempty"` // Set on the echo for an already ended call.
}

// CallErrorPayload is sent with EvtCallError when a call operation is rejected.
type CallErrorPayload struct {
	CallID  string `json:"callId,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorPayload is sent with EvtError for protocol-level errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
