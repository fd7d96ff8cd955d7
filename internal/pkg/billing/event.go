package billing

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Webhook event kinds handled by the reconciler.
const (
	EventSubscriptionActivated = "subscription.activated"
	EventSubscriptionCharged   = "subscription.charged"
	EventSubscriptionHalted    = "subscription.halted"
	EventSubscriptionCancelled = "subscription.cancelled"
	EventSubscriptionCompleted = "subscription.completed"
	EventSubscriptionUpdated   = "subscription.updated"
)

// Correlation note keys stamped on the gateway subscription at checkout.
const (
	NoteUserID    = "userId"
	NoteUserEmail = "userEmail"
	NotePlan      = "plan"
	NoteInterval  = "interval"
)

// Notes is the key-value payload echoed back by the gateway.
type Notes map[string]string

// UserID parses the owning user id, ok is false when missing or invalid.
func (n Notes) UserID() (uint, bool) {
	raw := strings.TrimSpace(n[NoteUserID])
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func (n Notes) Email() string {
	return strings.TrimSpace(n[NoteUserEmail])
}

// SubscriptionEntity is the subset of payload.subscription.entity we read.
type SubscriptionEntity struct {
	ID           string
	PlanID       string
	Status       string
	CurrentStart *time.Time
	CurrentEnd   *time.Time
	Notes        Notes
}

// PaymentEntity is the subset of payload.payment.entity we read.
type PaymentEntity struct {
	ID        string
	OrderID   string
	InvoiceID string
	Amount    *int64
	Currency  string
	Status    string
}

// WebhookEvent is a decoded gateway notification. Entities are nil when the
// payload does not carry them.
type WebhookEvent struct {
	Kind         string
	CreatedAt    *time.Time
	Subscription *SubscriptionEntity
	Payment      *PaymentEntity
	Notes        Notes
}

// SubscriptionRef returns the gateway subscription id, if any.
func (e *WebhookEvent) SubscriptionRef() string {
	if e == nil || e.Subscription == nil {
		return ""
	}
	return e.Subscription.ID
}

// DecodeEvent parses a raw webhook body. Only a body that is not a JSON object
// is an error, every field below the top level is optional.
func DecodeEvent(payload []byte) (*WebhookEvent, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		return nil, WrapError(KindMalformedPayload, MsgInvalidJSON, err)
	}
	if top == nil {
		return nil, NewError(KindMalformedPayload, MsgInvalidJSON)
	}

	ev := &WebhookEvent{
		Kind:      strings.TrimSpace(stringField(top, "event")),
		CreatedAt: unixField(top, "created_at"),
		Notes:     Notes{},
	}

	body := objectField(top["payload"])
	if entity := entityOf(body, "subscription"); entity != nil {
		ev.Subscription = &SubscriptionEntity{
			ID:           stringField(entity, "id"),
			PlanID:       stringField(entity, "plan_id"),
			Status:       stringField(entity, "status"),
			CurrentStart: unixField(entity, "current_start"),
			CurrentEnd:   unixField(entity, "current_end"),
			Notes:        notesField(entity, "notes"),
		}
		ev.Notes = ev.Subscription.Notes
	}
	if entity := entityOf(body, "payment"); entity != nil {
		ev.Payment = &PaymentEntity{
			ID:        stringField(entity, "id"),
			OrderID:   stringField(entity, "order_id"),
			InvoiceID: stringField(entity, "invoice_id"),
			Amount:    intField(entity, "amount"),
			Currency:  stringField(entity, "currency"),
			Status:    stringField(entity, "status"),
		}
	}
	return ev, nil
}

func entityOf(body map[string]json.RawMessage, name string) map[string]json.RawMessage {
	wrapper := objectField(body[name])
	if wrapper == nil {
		return nil
	}
	return objectField(wrapper["entity"])
}

func objectField(raw json.RawMessage) map[string]json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func stringField(m map[string]json.RawMessage, key string) string {
	var s string
	if err := json.Unmarshal(m[key], &s); err != nil {
		return ""
	}
	return s
}

func numberField(m map[string]json.RawMessage, key string) (float64, bool) {
	var f *float64
	if err := json.Unmarshal(m[key], &f); err != nil || f == nil {
		return 0, false
	}
	return *f, true
}

func intField(m map[string]json.RawMessage, key string) *int64 {
	f, ok := numberField(m, key)
	if !ok {
		return nil
	}
	v := int64(f)
	return &v
}

// unixField reads a unix-seconds timestamp. Zero counts as absent.
func unixField(m map[string]json.RawMessage, key string) *time.Time {
	f, ok := numberField(m, key)
	if !ok || f <= 0 {
		return nil
	}
	t := time.Unix(int64(f), 0).UTC()
	return &t
}

// notesField reads a flat notes object. The gateway sends [] for empty notes.
func notesField(m map[string]json.RawMessage, key string) Notes {
	notes := Notes{}
	var raw map[string]any
	if err := json.Unmarshal(m[key], &raw); err != nil {
		return notes
	}
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			notes[k] = val
		case float64:
			notes[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			notes[k] = strconv.FormatBool(val)
		}
	}
	return notes
}
