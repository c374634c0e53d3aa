package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/punchamoorthee/fundsledger/internal/domain"
	"github.com/punchamoorthee/fundsledger/internal/fee"
	"github.com/punchamoorthee/fundsledger/internal/limits"
	"github.com/punchamoorthee/fundsledger/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()
	for _, a := range []domain.Account{
		{ID: "chk", Kind: domain.KindChecking, Status: domain.AccountOpen, Balance: 100000},
		{ID: "sav", Kind: domain.KindSavings, Status: domain.AccountOpen, Balance: 20000},
		{ID: "inv", Kind: domain.KindInvestment, Status: domain.AccountOpen, Balance: 500000},
		{ID: "closed", Kind: domain.KindSavings, Status: domain.AccountClosed},
		{ID: "sys-fee", Kind: domain.KindSystem, Status: domain.AccountOpen},
	} {
		require.NoError(t, s.Create(ctx, a))
	}
	return s
}

var validExternal = &domain.ExternalDestination{RoutingNumber: "021000021", AccountNumber: "123456789", HolderName: "Ada Lovelace"}

func TestValidate(t *testing.T) {
	v := NewValidator(seed(t), fee.DefaultPolicy(), limits.DefaultLimits(), func() time.Time { return now })

	tests := []struct {
		name     string
		req      domain.TransferRequest
		wantFee  int64
		wantKind error
		wantRule domain.Rule
	}{
		{
			name:    "checking to savings carries cross-kind fee",
			req:     domain.TransferRequest{SourceAccountID: "chk", DestinationAccountID: "sav", Amount: 50000},
			wantFee: 250,
		},
		{
			name:    "investment destination carries one percent",
			req:     domain.TransferRequest{SourceAccountID: "chk", DestinationAccountID: "inv", Amount: 10000},
			wantFee: 100,
		},
		{
			name:    "domestic external under threshold is free",
			req:     domain.TransferRequest{SourceAccountID: "chk", External: validExternal, Amount: 5000},
			wantFee: 0,
		},
		{
			name:    "wire has flat fee",
			req:     domain.TransferRequest{SourceAccountID: "chk", External: validExternal, Type: domain.TransferExternalWire, Amount: 5000},
			wantFee: 2500,
		},
		{
			name:     "unknown source",
			req:      domain.TransferRequest{SourceAccountID: "nope", DestinationAccountID: "sav", Amount: 100},
			wantKind: domain.ErrValidation, wantRule: domain.RuleSourceNotFound,
		},
		{
			name:     "closed destination",
			req:      domain.TransferRequest{SourceAccountID: "chk", DestinationAccountID: "closed", Amount: 100},
			wantKind: domain.ErrValidation, wantRule: domain.RuleDestinationClosed,
		},
		{
			name:     "closed source",
			req:      domain.TransferRequest{SourceAccountID: "closed", DestinationAccountID: "chk", Amount: 100},
			wantKind: domain.ErrValidation, wantRule: domain.RuleSourceClosed,
		},
		{
			name:     "self transfer",
			req:      domain.TransferRequest{SourceAccountID: "chk", DestinationAccountID: "chk", Amount: 100},
			wantKind: domain.ErrValidation, wantRule: domain.RuleSelfTransfer,
		},
		{
			name:     "missing destination",
			req:      domain.TransferRequest{SourceAccountID: "chk", Amount: 100},
			wantKind: domain.ErrValidation, wantRule: domain.RuleDestinationNotFound,
		},
		{
			name:     "system account as destination",
			req:      domain.TransferRequest{SourceAccountID: "chk", DestinationAccountID: "sys-fee", Amount: 100},
			wantKind: domain.ErrValidation, wantRule: domain.RuleSystemAccount,
		},
		{
			name:     "system account as source",
			req:      domain.TransferRequest{SourceAccountID: "sys-fee", DestinationAccountID: "chk", Amount: 100},
			wantKind: domain.ErrValidation, wantRule: domain.RuleSystemAccount,
		},
		{
			name:     "internal with external destination",
			req:      domain.TransferRequest{SourceAccountID: "chk", DestinationAccountID: "sav", External: validExternal, Type: domain.TransferInternal, Amount: 100},
			wantKind: domain.ErrValidation, wantRule: domain.RuleTransferType,
		},
		{
			name:     "deposit is not caller initiated",
			req:      domain.TransferRequest{SourceAccountID: "chk", DestinationAccountID: "sav", Type: domain.TransferDeposit, Amount: 100},
			wantKind: domain.ErrValidation, wantRule: domain.RuleTransferType,
		},
		{
			name:     "non positive amount",
			req:      domain.TransferRequest{SourceAccountID: "chk", DestinationAccountID: "sav", Amount: 0},
			wantKind: domain.ErrValidation, wantRule: domain.RuleAmountNotPositive,
		},
		{
			name:     "amount plus fee exceeds balance",
			req:      domain.TransferRequest{SourceAccountID: "sav", DestinationAccountID: "chk", Amount: 19950},
			wantKind: domain.ErrLimitExceeded, wantRule: domain.RuleInsufficientFunds,
		},
		{
			name:     "above daily limit",
			req:      domain.TransferRequest{SourceAccountID: "inv", DestinationAccountID: "chk", Amount: 600000},
			wantKind: domain.ErrLimitExceeded, wantRule: domain.RuleDailyLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec, err := v.Validate(context.Background(), tt.req)
			if tt.wantKind != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantKind)
				te, ok := domain.AsTransferError(err)
				require.True(t, ok)
				assert.Equal(t, tt.wantRule, te.Rule)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFee, dec.Fee)
			assert.Equal(t, tt.req.SourceAccountID, dec.Source.ID)
		})
	}
}

type failingReader struct{}

func (failingReader) Get(context.Context, string) (domain.Account, error) {
	return domain.Account{}, errors.New("connection refused")
}

func TestValidateStoreFailureIsNotARejection(t *testing.T) {
	v := NewValidator(failingReader{}, fee.DefaultPolicy(), limits.DefaultLimits(), nil)

	_, err := v.Validate(context.Background(), domain.TransferRequest{SourceAccountID: "a", DestinationAccountID: "b", Amount: 1})
	require.Error(t, err)
	_, ok := domain.AsTransferError(err)
	assert.False(t, ok)
}

func TestValidateExternal(t *testing.T) {
	tests := []struct {
		name     string
		ext      *domain.ExternalDestination
		wantRule domain.Rule
	}{
		{"valid", validExternal, ""},
		{"missing", nil, domain.RuleTransferType},
		{"bad checksum", &domain.ExternalDestination{RoutingNumber: "021000022", AccountNumber: "1234", HolderName: "x"}, domain.RuleRoutingNumber},
		{"short routing", &domain.ExternalDestination{RoutingNumber: "02100002", AccountNumber: "1234", HolderName: "x"}, domain.RuleRoutingNumber},
		{"account too short", &domain.ExternalDestination{RoutingNumber: "011000015", AccountNumber: "123", HolderName: "x"}, domain.RuleAccountNumber},
		{"account too long", &domain.ExternalDestination{RoutingNumber: "011000015", AccountNumber: "123456789012345678", HolderName: "x"}, domain.RuleAccountNumber},
		{"account not numeric", &domain.ExternalDestination{RoutingNumber: "011000015", AccountNumber: "12ab56", HolderName: "x"}, domain.RuleAccountNumber},
		{"blank holder", &domain.ExternalDestination{RoutingNumber: "011000015", AccountNumber: "123456", HolderName: "  "}, domain.RuleHolderName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateExternal(tt.ext)
			if tt.wantRule == "" {
				assert.NoError(t, err)
				return
			}
			te, ok := domain.AsTransferError(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantRule, te.Rule)
		})
	}
}

func TestValidRoutingNumber(t *testing.T) {
	assert.True(t, ValidRoutingNumber("021000021"))
	assert.True(t, ValidRoutingNumber("011000015"))
	assert.False(t, ValidRoutingNumber("021000022"))
	assert.False(t, ValidRoutingNumber("02100002a"))
	assert.False(t, ValidRoutingNumber(""))
}
