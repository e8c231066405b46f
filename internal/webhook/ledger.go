package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/Mond1c/zenclass-bridge/internal/models"
	"github.com/Mond1c/zenclass-bridge/internal/store"
	"gorm.io/datatypes"
)

type ClaimResult int

const (
	Claimed ClaimResult = iota
	AlreadyProcessed
)

func (c ClaimResult) String() string {
	if c == Claimed {
		return "claimed"
	}
	return "already_processed"
}

// Ledger claims notification ids. The claim is a single conditional insert,
// so of N concurrent claims for one id exactly one observes Claimed.
type Ledger struct {
	now func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{now: time.Now}
}

func (l *Ledger) Claim(ctx context.Context, repo store.Repository, ev *Event) (ClaimResult, error) {
	inserted, err := repo.InsertProcessedWebhook(ctx, &models.ProcessedWebhook{
		WebhookID:   ev.ID,
		EventName:   string(ev.Kind),
		Payload:     datatypes.JSON(ev.Raw),
		ProcessedAt: l.now(),
	})
	if err != nil {
		return AlreadyProcessed, fmt.Errorf("claim %s: %w", ev.ID, err)
	}
	if !inserted {
		return AlreadyProcessed, nil
	}
	return Claimed, nil
}
