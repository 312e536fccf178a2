package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnknownEventType = errors.New("unknown event type")

type EventType string

const (
	EventPaymentSuccess         EventType = "PAYMENT_SUCCESS"
	EventFundingSuccess         EventType = "FUNDING_SUCCESS"
	EventFundingFailedRefunded  EventType = "FUNDING_FAILED_REFUNDED"
	EventVoteConvertedToFunding EventType = "VOTE_CONVERTED_TO_FUNDING"
	EventFundingRefund          EventType = "FUNDING_REFUND"
)

func EventTypes() []EventType {
	return []EventType{
		EventPaymentSuccess,
		EventFundingSuccess,
		EventFundingFailedRefunded,
		EventVoteConvertedToFunding,
		EventFundingRefund,
	}
}

func IsValidEventType(t EventType) bool {
	switch t {
	case EventPaymentSuccess, EventFundingSuccess, EventFundingFailedRefunded,
		EventVoteConvertedToFunding, EventFundingRefund:
		return true
	default:
		return false
	}
}

// Payload is the variant part of an event, one concrete shape per EventType.
type Payload interface {
	eventPayload()
}

type PaymentSuccessPayload struct {
	OrderID string `json:"orderId"`
	ShowID  string `json:"showId"`
	Amount  int64  `json:"amount"`
}

type FundingSuccessPayload struct {
	ProjectID string `json:"projectId"`
	Amount    int64  `json:"amount"`
}

type FundingFailedRefundedPayload struct {
	ProjectID    string `json:"projectId"`
	RefundAmount int64  `json:"refundAmount"`
	Reason       string `json:"reason,omitempty"`
}

type VoteConvertedToFundingPayload struct {
	ProjectID string `json:"projectId"`
	VoteID    string `json:"voteId"`
}

type FundingRefundPayload struct {
	ProjectID    string `json:"projectId"`
	RefundAmount int64  `json:"refundAmount"`
}

func (PaymentSuccessPayload) eventPayload()         {}
func (FundingSuccessPayload) eventPayload()         {}
func (FundingFailedRefundedPayload) eventPayload()  {}
func (VoteConvertedToFundingPayload) eventPayload() {}
func (FundingRefundPayload) eventPayload()          {}

// DecodePayload unmarshals raw into the payload shape for eventType. It is
// the single place payloads are decoded; callers never inspect raw JSON.
func DecodePayload(eventType EventType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	switch eventType {
	case EventPaymentSuccess:
		var p PaymentSuccessPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventFundingSuccess:
		var p FundingSuccessPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventFundingFailedRefunded:
		var p FundingFailedRefundedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventVoteConvertedToFunding:
		var p VoteConvertedToFundingPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventFundingRefund:
		var p FundingRefundPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
}

// Event is one entry in the notification ledger. Identity is EventID.
type Event struct {
	EventID   string
	Type      EventType
	ActorID   string
	Message   string
	Payload   Payload
	Timestamp time.Time
	Read      bool
}

type eventWire struct {
	EventID   string          `json:"eventId"`
	Type      EventType       `json:"eventType"`
	ActorID   string          `json:"actorUserId,omitempty"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Read      bool            `json:"isRead"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	wire := eventWire{
		EventID:   e.EventID,
		Type:      e.Type,
		ActorID:   e.ActorID,
		Message:   e.Message,
		Timestamp: e.Timestamp,
		Read:      e.Read,
	}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		wire.Payload = raw
	}
	return json.Marshal(wire)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var wire eventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	decoded, err := decodeEvent(wire)
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}

func decodeEvent(wire eventWire) (Event, error) {
	if strings.TrimSpace(wire.EventID) == "" {
		return Event{}, fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}
	if !IsValidEventType(wire.Type) {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownEventType, wire.Type)
	}
	payload, err := DecodePayload(wire.Type, wire.Payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		EventID:   wire.EventID,
		Type:      wire.Type,
		ActorID:   wire.ActorID,
		Message:   wire.Message,
		Payload:   payload,
		Timestamp: wire.Timestamp,
		Read:      wire.Read,
	}, nil
}
