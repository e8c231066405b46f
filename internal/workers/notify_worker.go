package workers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Mond1c/zenclass-bridge/internal/cache"
	"github.com/Mond1c/zenclass-bridge/internal/services"
	"github.com/Mond1c/zenclass-bridge/internal/webhook"
	"go.uber.org/zap"
)

// Deliverer is one outbound channel for grade notices.
type Deliverer interface {
	Name() string
	Deliver(ctx context.Context, notice webhook.GradeNotice) error
}

type NotifyWorkerConfig struct {
	QueueSize     int
	Timeout       time.Duration
	SweepInterval time.Duration
}

// NotifyWorker delivers grade notices outside the request path and
// periodically drops expired entries from the secret cache.
type NotifyWorker struct {
	cfg        NotifyWorkerConfig
	deliverers []Deliverer
	cache      *cache.SecretCache
	logger     *zap.Logger

	queue    chan webhook.GradeNotice
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewNotifyWorker(cfg NotifyWorkerConfig, secretCache *cache.SecretCache, logger *zap.Logger, deliverers ...Deliverer) *NotifyWorker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &NotifyWorker{
		cfg:        cfg,
		deliverers: deliverers,
		cache:      secretCache,
		logger:     logger,
		queue:      make(chan webhook.GradeNotice, cfg.QueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Enqueue never blocks; it reports false when the queue is full.
func (w *NotifyWorker) Enqueue(notice webhook.GradeNotice) bool {
	select {
	case w.queue <- notice:
		return true
	default:
		return false
	}
}

func (w *NotifyWorker) Start() {
	ticker := time.NewTicker(w.cfg.SweepInterval)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case notice := <-w.queue:
				w.deliver(notice)
			case <-ticker.C:
				w.sweep()
			case <-w.stopChan:
				w.drain()
				return
			}
		}
	}()

	w.logger.Info("Notify worker started", zap.Int("deliverers", len(w.deliverers)))
}

// Stop delivers what is already queued and returns once the worker exited.
func (w *NotifyWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
	w.wg.Wait()
	w.logger.Info("Notify worker stopped")
}

func (w *NotifyWorker) drain() {
	for {
		select {
		case notice := <-w.queue:
			w.deliver(notice)
		default:
			return
		}
	}
}

func (w *NotifyWorker) deliver(notice webhook.GradeNotice) {
	for _, d := range w.deliverers {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
		err := d.Deliver(ctx, notice)
		cancel()

		switch {
		case err == nil:
			w.logger.Info("Notice delivered",
				zap.String("channel", d.Name()),
				zap.String("email", notice.StudentEmail))
		case errors.Is(err, services.ErrNoRecipient):
		default:
			w.logger.Error("Failed to deliver notice",
				zap.String("channel", d.Name()),
				zap.String("email", notice.StudentEmail),
				zap.String("task", notice.TaskName),
				zap.Error(err))
		}
	}
}

func (w *NotifyWorker) sweep() {
	if w.cache == nil {
		return
	}
	if expired := w.cache.PurgeExpired(); len(expired) > 0 {
		w.logger.Debug("Expired secrets purged", zap.Int("count", len(expired)))
	}
}
