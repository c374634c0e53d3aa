package domain

import (
	"fmt"
	"time"
)

// TransferStatus is a state in the transfer lifecycle:
//
//	draft -> validated -> reserved -> posted
//	draft | validated -> rejected
//	reserved -> failed (compensated)
type TransferStatus string

const (
	StatusDraft     TransferStatus = "draft"
	StatusValidated TransferStatus = "validated"
	StatusReserved  TransferStatus = "reserved"
	StatusPosted    TransferStatus = "posted"
	StatusRejected  TransferStatus = "rejected"
	StatusFailed    TransferStatus = "failed"
	StatusReversed  TransferStatus = "reversed"
)

var transitions = map[TransferStatus][]TransferStatus{
	StatusDraft:     {StatusValidated, StatusRejected},
	StatusValidated: {StatusReserved, StatusRejected},
	StatusReserved:  {StatusPosted, StatusFailed},
	StatusPosted:    {StatusReversed},
}

// IsTerminal reports whether a transfer in status s can no longer change.
func (s TransferStatus) IsTerminal() bool {
	switch s {
	case StatusPosted, StatusRejected, StatusFailed, StatusReversed:
		return true
	}
	return false
}

// NewTransfer starts a draft transfer for req.
func NewTransfer(id string, req TransferRequest, now time.Time) Transfer {
	return Transfer{
		ID:                   id,
		IdempotencyKey:       req.IdempotencyKey,
		SourceAccountID:      req.SourceAccountID,
		DestinationAccountID: req.DestinationAccountID,
		External:             req.External,
		Type:                 req.ResolvedType(),
		Amount:               req.Amount,
		Status:               StatusDraft,
		Note:                 req.Note,
		CreatedAt:            now,
	}
}

// TransitionTo moves t to next, stamping CompletedAt on terminal states.
func (t *Transfer) TransitionTo(next TransferStatus, now time.Time) error {
	for _, allowed := range transitions[t.Status] {
		if allowed == next {
			t.Status = next
			if next.IsTerminal() {
				at := now
				t.CompletedAt = &at
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
}
