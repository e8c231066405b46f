package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mond1c/zenclass-bridge/internal/store"
	"go.uber.org/zap"
)

type Status string

const (
	StatusOK               Status = "ok"
	StatusAlreadyProcessed Status = "already_processed"
)

// Result is what the caller reports back to the platform.
type Result struct {
	Status    Status
	Event     EventKind
	Processed bool
}

// NoticeSink receives grade notices after the transaction that produced them
// has committed. Enqueue must not block.
type NoticeSink interface {
	Enqueue(notice GradeNotice) bool
}

type ServiceConfig struct {
	// RequireSignature rejects notifications that carry no hash.
	RequireSignature bool
}

type Service struct {
	cfg      ServiceConfig
	store    store.Store
	resolver *Resolver
	ledger   *Ledger
	router   *Router
	sink     NoticeSink
	logger   *zap.Logger
}

func NewService(cfg ServiceConfig, st store.Store, resolver *Resolver, sink NoticeSink, logger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		resolver: resolver,
		ledger:   NewLedger(),
		router:   NewRouter(logger),
		sink:     sink,
		logger:   logger,
	}
}

// Ingest authenticates n, claims its id and applies it. The claim and every
// write made by the handler share one transaction: a failed handler releases
// the claim so a redelivery can try again.
func (s *Service) Ingest(ctx context.Context, n *Notification) (Result, error) {
	ev, err := Decode(n)
	if err != nil {
		return Result{}, err
	}

	log := s.logger.With(
		zap.String("webhook_id", ev.ID),
		zap.String("event", string(ev.Kind)))

	if err := s.authenticate(ctx, ev); err != nil {
		if errors.Is(err, ErrSignatureInvalid) {
			log.Warn("Webhook rejected", zap.Error(err))
		}
		return Result{}, err
	}

	var (
		claim   ClaimResult
		outcome Outcome
		known   bool
	)
	err = s.store.InTx(ctx, func(repo store.Repository) error {
		var err error
		claim, err = s.ledger.Claim(ctx, repo, ev)
		if err != nil || claim == AlreadyProcessed {
			return err
		}
		outcome, known, err = s.router.Dispatch(ctx, repo, ev)
		return err
	})
	if err != nil {
		log.Error("Failed to process webhook", zap.Error(err))
		return Result{}, err
	}

	if claim == AlreadyProcessed {
		log.Info("Webhook already processed")
		return Result{Status: StatusAlreadyProcessed}, nil
	}

	s.publish(log, outcome.Notices)

	processed := known && outcome.Processed
	log.Info("Webhook processed", zap.Bool("processed", processed))
	return Result{Status: StatusOK, Event: ev.Kind, Processed: processed}, nil
}

// authenticate checks the digest when one is present, or always when
// signatures are required.
func (s *Service) authenticate(ctx context.Context, ev *Event) error {
	if ev.Hash == "" && !s.cfg.RequireSignature {
		return nil
	}
	if ev.Hash == "" {
		return fmt.Errorf("%w: missing hash", ErrSignatureInvalid)
	}

	secret, err := s.resolver.Resolve(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrUnresolvedSecret) {
			return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
		return err
	}

	if !Verify(ev.ID, ev.Timestamp, ev.Hash, secret) {
		return ErrSignatureInvalid
	}
	return nil
}

func (s *Service) publish(log *zap.Logger, notices []GradeNotice) {
	if s.sink == nil {
		return
	}
	for _, notice := range notices {
		if !s.sink.Enqueue(notice) {
			log.Warn("Notice queue full, notice dropped",
				zap.String("email", notice.StudentEmail),
				zap.String("task", notice.TaskName))
		}
	}
}
