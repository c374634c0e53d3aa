package domain

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransfer_TransitionTo(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		path    []TransferStatus
		wantErr bool
	}{
		{name: "success path", path: []TransferStatus{StatusValidated, StatusReserved, StatusPosted}},
		{name: "rejected from draft", path: []TransferStatus{StatusRejected}},
		{name: "rejected after validation", path: []TransferStatus{StatusValidated, StatusRejected}},
		{name: "failed after reservation", path: []TransferStatus{StatusValidated, StatusReserved, StatusFailed}},
		{name: "cannot skip validation", path: []TransferStatus{StatusReserved}, wantErr: true},
		{name: "cannot reject once reserved", path: []TransferStatus{StatusValidated, StatusReserved, StatusRejected}, wantErr: true},
		{name: "posted is immutable", path: []TransferStatus{StatusValidated, StatusReserved, StatusPosted, StatusFailed}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTransfer("t-1", TransferRequest{SourceAccountID: "a", DestinationAccountID: "b", Amount: 100}, now)
			var err error
			for _, next := range tt.path {
				if err = tr.TransitionTo(next, now); err != nil {
					break
				}
			}
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.path[len(tt.path)-1], tr.Status)
			if tr.Status.IsTerminal() {
				require.NotNil(t, tr.CompletedAt)
				assert.Equal(t, now, *tr.CompletedAt)
			}
		})
	}
}

func TestTransferError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewLimitError(RuleDailyLimit, "daily limit exceeded"))

	assert.True(t, errors.Is(err, ErrLimitExceeded))
	assert.False(t, errors.Is(err, ErrValidation))

	te, ok := AsTransferError(err)
	require.True(t, ok)
	assert.Equal(t, RuleDailyLimit, te.Rule)
	assert.Equal(t, "limit_exceeded: daily limit exceeded (daily_limit)", te.Error())

	sys := NewSystemError(RuleLockTimeout, "lock wait", nil)
	assert.Equal(t, KindSystemError, sys.Kind)
	assert.ErrorIs(t, sys, ErrSystem)
	// account kinds and error kinds are distinct types
	assert.True(t, Account{Kind: KindSystem}.IsSystem())
}

func TestTransferResult_ErrRoundTrip(t *testing.T) {
	posted := TransferResult{Status: StatusPosted}
	assert.NoError(t, posted.Err())

	failed := TransferResult{Status: StatusFailed, ErrorKind: KindPostingFailure, Rule: RuleDestinationLeg, FailureReason: "destination closed"}
	assert.ErrorIs(t, failed.Err(), ErrPostingFailure)
}

func TestTransferRequest_Fingerprint(t *testing.T) {
	base := TransferRequest{IdempotencyKey: "k1", SourceAccountID: "a", DestinationAccountID: "b", Amount: 500}

	sameDifferentKey := base
	sameDifferentKey.IdempotencyKey = "k2"
	explicitType := base
	explicitType.Type = TransferInternal
	otherAmount := base
	otherAmount.Amount = 501

	assert.Equal(t, base.Fingerprint(), sameDifferentKey.Fingerprint())
	assert.Equal(t, base.Fingerprint(), explicitType.Fingerprint())
	assert.NotEqual(t, base.Fingerprint(), otherAmount.Fingerprint())
}

func TestAccount_Floor(t *testing.T) {
	assert.Equal(t, int64(0), Account{Kind: KindChecking}.Floor())
	assert.Equal(t, int64(-5000), Account{Kind: KindChecking, AllowOverdraft: true, OverdraftLimit: 5000}.Floor())
	assert.Equal(t, int64(math.MinInt64), Account{Kind: KindSystem}.Floor())
	assert.Equal(t, int64(15000), Account{Kind: KindChecking, Balance: 10000, AllowOverdraft: true, OverdraftLimit: 5000}.Available())
}

func TestAccount_AvailableSaturates(t *testing.T) {
	huge := Account{Kind: KindCredit, Balance: math.MaxInt64 - 10, AllowOverdraft: true, OverdraftLimit: math.MaxInt64}
	assert.Equal(t, int64(math.MaxInt64), huge.Available())

	overdrawn := Account{Kind: KindCredit, Balance: -3000, AllowOverdraft: true, OverdraftLimit: 5000}
	assert.Equal(t, int64(2000), overdrawn.Available())
}

func TestFormatAndParseMinor(t *testing.T) {
	assert.Equal(t, "502.50", FormatMinor(50250))
	assert.Equal(t, "-0.05", FormatMinor(-5))

	minor, err := ParseMajor("25.005")
	require.NoError(t, err)
	assert.Equal(t, int64(2501), minor)

	_, err = ParseMajor("abc")
	assert.Error(t, err)
}
