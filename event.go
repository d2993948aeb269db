package alpha

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// EventType defines the lifecycle events a local transaction can report.
type EventType int

const (
	EventUnknown EventType = iota
	EventStarted
	EventEnded
	EventAborted
	EventCompensated
)

// String returns the wire name of the EventType.
func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "TxStartedEvent"
	case EventEnded:
		return "TxEndedEvent"
	case EventAborted:
		return "TxAbortedEvent"
	case EventCompensated:
		return "TxCompensatedEvent"
	default:
		return fmt.Sprintf("Unknown EventType: %d", int(t))
	}
}

// ParseEventType accepts the wire names and their short forms
// ("started", "Ended", ...).
func ParseEventType(s string) (EventType, error) {
	switch strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(s, "Tx"), "Event")) {
	case "started":
		return EventStarted, nil
	case "ended":
		return EventEnded, nil
	case "aborted":
		return EventAborted, nil
	case "compensated":
		return EventCompensated, nil
	default:
		return EventUnknown, fmt.Errorf("unknown event type %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler so JSON renders wire names.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *EventType) UnmarshalText(data []byte) error {
	parsed, err := ParseEventType(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// TxEvent is an immutable fact about a local transaction's lifecycle.
type TxEvent struct {
	// Seq is assigned by the EventLog when the event is accepted. It is the
	// only ordering alpha relies on.
	Seq uint64 `json:"seq"`

	GlobalTxID         string    `json:"global_tx_id" validate:"required,utf8,max=128"`
	LocalTxID          string    `json:"local_tx_id" validate:"required,utf8,max=128"`
	ParentTxID         string    `json:"parent_tx_id,omitempty" validate:"utf8,max=128"`
	Type               EventType `json:"type" validate:"gte=1,lte=4"`
	CompensationMethod string    `json:"compensation_method,omitempty" validate:"utf8,max=512"`
	Payload            []byte    `json:"payload,omitempty"`
	ServiceName        string    `json:"service_name" validate:"utf8,max=256"`
	InstanceID         string    `json:"instance_id" validate:"utf8,max=256"`

	// Timestamp is the client's creation time, kept for diagnostics only.
	Timestamp time.Time `json:"timestamp"`
}

// String implements the fmt.Stringer interface for TxEvent.
func (e *TxEvent) String() string {
	return fmt.Sprintf("%s global=%s local=%s parent=%s", e.Type, e.GlobalTxID, e.LocalTxID, e.ParentTxID)
}

// DedupKey identifies logically identical events. Two events with the same
// key are the same fact.
type DedupKey struct {
	GlobalTxID string
	LocalTxID  string
	Type       EventType
	// Content is only set for Started events: a digest of the service name,
	// compensation method and payload.
	Content string
}

// String renders the key in a form usable as a storage key.
func (k DedupKey) String() string {
	return strings.Join([]string{k.GlobalTxID, k.LocalTxID, k.Type.String(), k.Content}, "\x00")
}

// Hash returns a hex SHA-256 of the key, used as a fixed-width unique column.
func (k DedupKey) Hash() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

// DedupKey returns the deduplication key for the event.
func (e *TxEvent) DedupKey() DedupKey {
	key := DedupKey{
		GlobalTxID: e.GlobalTxID,
		LocalTxID:  e.LocalTxID,
		Type:       e.Type,
	}
	if e.Type == EventStarted {
		h := sha256.New()
		for _, part := range [][]byte{[]byte(e.ServiceName), []byte(e.CompensationMethod), e.Payload} {
			fmt.Fprintf(h, "%d:", len(part))
			h.Write(part)
		}
		key.Content = hex.EncodeToString(h.Sum(nil))
	}
	return key
}

// Clone returns a deep copy of the event.
func (e *TxEvent) Clone() *TxEvent {
	c := *e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	return &c
}

// Command directs a client to compensate one local transaction.
type Command struct {
	GlobalTxID         string `json:"global_tx_id"`
	LocalTxID          string `json:"local_tx_id"`
	ParentTxID         string `json:"parent_tx_id,omitempty"`
	CompensationMethod string `json:"compensation_method"`
	Payload            []byte `json:"payload,omitempty"`
}

// String implements the fmt.Stringer interface for Command.
func (c *Command) String() string {
	return fmt.Sprintf("compensate %s global=%s local=%s", c.CompensationMethod, c.GlobalTxID, c.LocalTxID)
}

// TxKey identifies one local transaction.
type TxKey struct {
	GlobalTxID string
	LocalTxID  string
}

func (c *Command) key() TxKey {
	return TxKey{GlobalTxID: c.GlobalTxID, LocalTxID: c.LocalTxID}
}

func (e *TxEvent) key() TxKey {
	return TxKey{GlobalTxID: e.GlobalTxID, LocalTxID: e.LocalTxID}
}

var validate = newValidator()

// newValidator adds a "utf8" tag for strings stored in text columns.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("utf8", func(fl validator.FieldLevel) bool {
		return utf8.ValidString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// Validate rejects events missing ids or carrying an unknown type.
func (e *TxEvent) Validate() error {
	if e == nil {
		return MalformedEvent(fmt.Errorf("nil event"))
	}
	if err := validate.Struct(e); err != nil {
		return MalformedEvent(err)
	}
	return nil
}
