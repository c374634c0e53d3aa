package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/punchamoorthee/fundsledger/internal/domain"
	"github.com/punchamoorthee/fundsledger/internal/store"
)

var obligationsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_obligations_dispatched_total",
	Help: "Settlement obligations handled by the dispatcher",
}, []string{"result"})

type TransferReader interface {
	Get(ctx context.Context, id string) (domain.Transfer, error)
}

// Message is the body published for one obligation.
type Message struct {
	ObligationID    string                     `json:"obligation_id"`
	TransferID      string                     `json:"transfer_id"`
	SourceAccountID string                     `json:"source_account_id"`
	Destination     domain.ExternalDestination `json:"destination"`
	Amount          int64                      `json:"amount"`
	AmountDisplay   string                     `json:"amount_display"`
	TransferType    domain.TransferType        `json:"transfer_type"`
	CreatedAt       time.Time                  `json:"created_at"`
}

type DispatcherConfig struct {
	Exchange  string
	BatchSize int
	// Breaker trips after this many consecutive publish failures.
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Exchange:            "ledger.settlement",
		BatchSize:           100,
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
	}
}

// Dispatcher publishes pending obligations whose transfer has posted.
// Obligations of transfers that ended any other way are cancelled.
type Dispatcher struct {
	outbox    Outbox
	transfers TransferReader
	publisher Publisher
	breaker   *gobreaker.CircuitBreaker
	cfg       DispatcherConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewDispatcher(outbox Outbox, transfers TransferReader, publisher Publisher, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		outbox:    outbox,
		transfers: transfers,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "settlement-publisher",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return d
}

func routingKey(t domain.TransferType) string {
	return "settlement.obligation." + string(t)
}

// DispatchPending handles one batch and returns how many obligations were published.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	pending, err := d.outbox.Pending(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending obligations: %w", err)
	}

	published := 0
	for _, ob := range pending {
		t, err := d.transfers.Get(ctx, ob.TransferID)
		if err != nil && !errors.Is(err, store.ErrTransferNotFound) {
			return published, fmt.Errorf("load transfer %s: %w", ob.TransferID, err)
		}

		switch {
		case err != nil || (t.Status.IsTerminal() && t.Status != domain.StatusPosted):
			if err := d.outbox.MarkCancelled(ctx, ob.ID); err != nil {
				return published, err
			}
			obligationsDispatched.WithLabelValues("cancelled").Inc()
			d.logger.Info("obligation cancelled", zap.String("obligation_id", ob.ID), zap.String("transfer_id", ob.TransferID))
			continue
		case t.Status != domain.StatusPosted:
			// still posting
			continue
		}

		msg := Message{
			ObligationID:    ob.ID,
			TransferID:      ob.TransferID,
			SourceAccountID: ob.SourceAccountID,
			Destination:     ob.Destination,
			Amount:          ob.Amount,
			AmountDisplay:   domain.FormatMinor(ob.Amount),
			TransferType:    ob.Type,
			CreatedAt:       ob.CreatedAt,
		}
		_, err = d.breaker.Execute(func() (interface{}, error) {
			return nil, d.publisher.Publish(ctx, d.cfg.Exchange, routingKey(ob.Type), msg)
		})
		if err != nil {
			obligationsDispatched.WithLabelValues("failed").Inc()
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				d.logger.Warn("settlement publisher unavailable; stopping batch", zap.Error(err))
				return published, nil
			}
			d.logger.Warn("obligation publish failed", zap.String("obligation_id", ob.ID), zap.Error(err))
			if merr := d.outbox.MarkFailedAttempt(ctx, ob.ID); merr != nil {
				return published, merr
			}
			continue
		}

		if err := d.outbox.MarkDispatched(ctx, ob.ID, d.now()); err != nil {
			return published, err
		}
		obligationsDispatched.WithLabelValues("dispatched").Inc()
		published++
	}
	return published, nil
}
