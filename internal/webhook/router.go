package webhook

import (
	"context"
	"time"

	"github.com/Mond1c/zenclass-bridge/internal/store"
	"go.uber.org/zap"
)

// GradeNotice describes an accepted grade for the notification sinks.
type GradeNotice struct {
	TelegramID   *int64
	StudentEmail string
	StudentName  string
	CourseName   string
	TaskName     string
	Score        *int
	MaxScore     int
	ReportLink   string
	CheckedAt    time.Time
}

// Outcome is what a handler did. Processed is false when the payload lacked
// the fields needed to identify its entities or they did not exist.
type Outcome struct {
	Processed bool
	Notices   []GradeNotice
}

type HandlerFunc func(ctx context.Context, repo store.Repository, ev *Event) (Outcome, error)

type Router struct {
	handlers map[EventKind]HandlerFunc
	logger   *zap.Logger
}

// NewRouter returns a router with the reconciliation handler for every
// supported event kind registered.
func NewRouter(logger *zap.Logger) *Router {
	r := &Router{
		handlers: make(map[EventKind]HandlerFunc),
		logger:   logger,
	}

	rec := newReconciler(logger)
	r.Handle(EventTaskAccepted, rec.taskAccepted)
	r.Handle(EventTaskSubmitted, rec.taskSubmitted)
	r.Handle(EventUserSubscribed, rec.userSubscribed)
	r.Handle(EventPaymentAccepted, rec.paymentAccepted)
	r.Handle(EventAccessExpired, rec.accessExpired)

	return r
}

func (r *Router) Handle(kind EventKind, fn HandlerFunc) {
	r.handlers[kind] = fn
}

func (r *Router) Known(kind EventKind) bool {
	_, ok := r.handlers[kind]
	return ok
}

// Dispatch runs the handler for ev.Kind. Unknown kinds are not an error: they
// report known=false and touch nothing.
func (r *Router) Dispatch(ctx context.Context, repo store.Repository, ev *Event) (Outcome, bool, error) {
	fn, ok := r.handlers[ev.Kind]
	if !ok {
		r.logger.Info("Unknown event kind, acknowledged without processing",
			zap.String("webhook_id", ev.ID),
			zap.String("event", string(ev.Kind)))
		return Outcome{}, false, nil
	}

	outcome, err := fn(ctx, repo, ev)
	if err != nil {
		return Outcome{}, true, err
	}
	return outcome, true, nil
}
