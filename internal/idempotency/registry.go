// Package idempotency maps client idempotency keys to the single outcome they
// produced. A key is reserved before any funds move and completed with the
// terminal result; replays of a completed key return that result unchanged.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/fundsledger/internal/domain"
)

var (
	ErrInProgress          = errors.New("request in progress")
	ErrFingerprintMismatch = errors.New("key reuse with mismatched payload")
	ErrNotReserved         = errors.New("idempotency key not reserved")
)

type Registry interface {
	// Begin reserves key for a request with the given fingerprint. It returns
	// (nil, nil) when the caller now owns the key, the stored record when the
	// key already completed, ErrInProgress while another request holds it and
	// ErrFingerprintMismatch when the key was used for different parameters.
	// Expired records count as absent.
	Begin(ctx context.Context, key, fingerprint string, ttl time.Duration) (*domain.IdempotencyRecord, error)
	Complete(ctx context.Context, key, transferID string, result domain.TransferResult) error
	// Release drops a reservation so the key can be retried.
	Release(ctx context.Context, key string) error
}

// Sweeper is implemented by registries without native expiry.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// evaluate decides what an existing, unexpired record means for a new request.
func evaluate(rec domain.IdempotencyRecord, fingerprint string) (*domain.IdempotencyRecord, error) {
	if rec.Fingerprint != fingerprint {
		return nil, ErrFingerprintMismatch
	}
	if rec.State != domain.IdempotencyCompleted {
		return nil, ErrInProgress
	}
	return &rec, nil
}

func complete(rec *domain.IdempotencyRecord, transferID string, result domain.TransferResult) {
	rec.State = domain.IdempotencyCompleted
	rec.TransferID = transferID
	rec.Result = &result
}
