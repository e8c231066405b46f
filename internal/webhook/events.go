package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

type EventKind string

const (
	EventTaskAccepted    EventKind = "lesson_task_accepted"
	EventTaskSubmitted   EventKind = "lesson_task_submitted_for_review"
	EventUserSubscribed  EventKind = "product_user_subscribed"
	EventPaymentAccepted EventKind = "payment_accepted"
	EventAccessExpired   EventKind = "access_to_course_expired"
)

const (
	defaultCourseName  = "Неизвестный курс"
	defaultTaskName    = "Задание"
	defaultProductName = "Курс"
)

// Category selects which secret signs an event kind.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryEnrollment
	CategoryTask
)

func (k EventKind) Category() Category {
	switch k {
	case EventUserSubscribed, EventPaymentAccepted:
		return CategoryEnrollment
	case EventTaskAccepted, EventTaskSubmitted, EventAccessExpired:
		return CategoryTask
	default:
		return CategoryUnknown
	}
}

// Text accepts a JSON string, number or null and keeps it as trimmed text.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		*t = Text(strings.TrimSpace(s))
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(trimmed, &num); err == nil {
		*t = Text(num.String())
		return nil
	}

	return fmt.Errorf("expected string or number, got %s", string(data))
}

func (t Text) String() string {
	return string(t)
}

// Notification is the inbound envelope.
type Notification struct {
	ID        Text            `json:"id" validate:"required,max=64"`
	EventName Text            `json:"event_name" validate:"required"`
	Timestamp Text            `json:"timestamp" validate:"required,numeric"`
	Hash      Text            `json:"hash"`
	Payload   json.RawMessage `json:"payload"`
}

var validate = validator.New()

// Validate checks the envelope fields and returns the parsed timestamp.
func (n *Notification) Validate() (int64, error) {
	if err := validate.Struct(n); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	ts, err := strconv.ParseInt(n.Timestamp.String(), 10, 64)
	if err != nil || ts <= 0 || ts > maxTimestamp {
		return 0, fmt.Errorf("%w: invalid timestamp %q", ErrMalformedRequest, n.Timestamp)
	}
	for _, f := range []Text{n.ID, n.EventName, n.Hash} {
		if strings.ContainsRune(f.String(), 0) {
			return 0, fmt.Errorf("%w: NUL byte in envelope", ErrMalformedRequest)
		}
	}
	if !utf8.Valid(n.Payload) || hasNULEscape(n.Payload) {
		return 0, fmt.Errorf("%w: payload is not storable text", ErrMalformedRequest)
	}
	return ts, nil
}

// maxTimestamp is 9999-12-31T23:59:59Z, the last instant Postgres and the
// driver agree on.
const maxTimestamp = 253402300799

// hasNULEscape reports whether a JSON document contains a \u0000 escape,
// which jsonb and text columns reject.
func hasNULEscape(raw []byte) bool {
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' {
			continue
		}
		if i+5 < len(raw) && raw[i+1] == 'u' && string(raw[i+2:i+6]) == "0000" {
			return true
		}
		i++
	}
	return false
}

func (n *Notification) Kind() EventKind {
	return EventKind(n.EventName)
}

// Tariff carries the tariff fields. The canonical spelling is tariff_*;
// tarif_* is read only when the canonical field is absent.
type Tariff struct {
	TariffID         Text `json:"tariff_id"`
	TariffName       Text `json:"tariff_name"`
	LegacyTariffID   Text `json:"tarif_id"`
	LegacyTariffName Text `json:"tarif_name"`
}

func (t Tariff) ID() *string {
	id := t.id()
	if id == "" {
		return nil
	}
	return &id
}

func (t Tariff) id() string {
	if t.TariffID != "" {
		return t.TariffID.String()
	}
	return t.LegacyTariffID.String()
}

func (t Tariff) Name() string {
	if t.TariffName != "" {
		return t.TariffName.String()
	}
	return t.LegacyTariffName.String()
}

// TaskPayload is shared by the task accepted and task submitted events.
type TaskPayload struct {
	UserEmail  Text `json:"user_email"`
	UserID     Text `json:"user_id"`
	CourseID   Text `json:"course_id"`
	CourseName Text `json:"course_name"`
	TaskID     Text `json:"task_id"`
	TaskName   Text `json:"task_name"`
	TaskResult Text `json:"task_result"`
	ReportLink Text `json:"report_link"`
	Comment    Text `json:"comment"`
	Tariff
}

func (p *TaskPayload) complete() bool {
	return present(p.UserEmail, maxEmailLen) && present(p.CourseID, maxKeyLen) &&
		present(p.TaskID, maxKeyLen) && within(p.UserID.String(), maxKeyLen) && within(p.Tariff.id(), maxKeyLen)
}

func (p *TaskPayload) courseName() string {
	return orDefault(p.CourseName, defaultCourseName)
}

func (p *TaskPayload) taskName() string {
	return orDefault(p.TaskName, defaultTaskName)
}

// ProductPayload is shared by the subscription and payment events.
type ProductPayload struct {
	UserEmail   Text `json:"user_email"`
	UserID      Text `json:"user_id"`
	ProductID   Text `json:"product_id"`
	ProductName Text `json:"product_name"`
	Tariff
}

func (p *ProductPayload) complete() bool {
	return present(p.UserEmail, maxEmailLen) && present(p.ProductID, maxKeyLen) &&
		within(p.UserID.String(), maxKeyLen) && within(p.Tariff.id(), maxKeyLen)
}

func (p *ProductPayload) productName() string {
	return orDefault(p.ProductName, defaultProductName)
}

type AccessPayload struct {
	UserEmail Text `json:"user_email"`
	CourseID  Text `json:"course_id"`
}

func (p *AccessPayload) complete() bool {
	return present(p.UserEmail, maxEmailLen) && present(p.CourseID, maxKeyLen)
}

// Identifier columns are bounded; a longer value cannot name a stored entity.
const (
	maxKeyLen   = 255
	maxEmailLen = 254
)

func present(t Text, limit int) bool {
	return t != "" && within(t.String(), limit)
}

func within(s string, limit int) bool {
	return utf8.RuneCountInString(s) <= limit
}

// genericPayload is used for kinds this service does not reconcile; only the
// course id is read, for secret resolution.
type genericPayload struct {
	CourseID Text `json:"course_id"`
}

// Event is a notification whose payload has been decoded for its kind.
type Event struct {
	ID        string
	Kind      EventKind
	Timestamp int64
	Hash      string
	Raw       json.RawMessage

	Task    *TaskPayload
	Product *ProductPayload
	Access  *AccessPayload
	other   *genericPayload
}

// CourseID is the course the event is scoped to, if any.
func (e *Event) CourseID() string {
	switch {
	case e.Task != nil:
		return e.Task.CourseID.String()
	case e.Access != nil:
		return e.Access.CourseID.String()
	case e.other != nil:
		return e.other.CourseID.String()
	}
	return ""
}

// Decode validates the envelope and decodes the payload into the record for
// its kind. Shape errors are ErrMalformedRequest; missing identifying fields
// are not, they are handled as a no-op by the handlers.
func Decode(n *Notification) (*Event, error) {
	ts, err := n.Validate()
	if err != nil {
		return nil, err
	}

	raw := bytes.TrimSpace(n.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}

	ev := &Event{
		ID:        n.ID.String(),
		Kind:      n.Kind(),
		Timestamp: ts,
		Hash:      n.Hash.String(),
		Raw:       json.RawMessage(raw),
	}

	var target any
	switch ev.Kind {
	case EventTaskAccepted, EventTaskSubmitted:
		ev.Task = &TaskPayload{}
		target = ev.Task
	case EventUserSubscribed, EventPaymentAccepted:
		ev.Product = &ProductPayload{}
		target = ev.Product
	case EventAccessExpired:
		ev.Access = &AccessPayload{}
		target = ev.Access
	default:
		// Unknown kinds are acknowledged whatever their payload looks like.
		ev.other = &genericPayload{}
		if err := json.Unmarshal(raw, ev.other); err != nil {
			ev.other = &genericPayload{}
		}
		return ev, nil
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedRequest, err)
	}
	return ev, nil
}

func orDefault(t Text, fallback string) string {
	if t == "" {
		return fallback
	}
	return t.String()
}
