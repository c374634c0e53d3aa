package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"time"
)

// AccountKind classifies an account for fee and eligibility rules.
type AccountKind string

const (
	KindChecking    AccountKind = "checking"
	KindSavings     AccountKind = "savings"
	KindMoneyMarket AccountKind = "money-market"
	KindInvestment  AccountKind = "investment"
	KindCredit      AccountKind = "credit"
	KindLoan        AccountKind = "loan"

	// KindSystem marks internal bookkeeping accounts (fee revenue, external clearing).
	KindSystem AccountKind = "system"
)

// Valid reports whether k is a customer-facing account kind.
func (k AccountKind) Valid() bool {
	switch k {
	case KindChecking, KindSavings, KindMoneyMarket, KindInvestment, KindCredit, KindLoan:
		return true
	}
	return false
}

type AccountStatus string

const (
	AccountOpen   AccountStatus = "open"
	AccountClosed AccountStatus = "closed"
)

// Account holds a balance in minor units. Balance is only mutated through the
// transfer service; the store enforces Floor on every debit.
type Account struct {
	ID                 string        `json:"id"`
	OwnerID            string        `json:"owner_id"`
	Kind               AccountKind   `json:"kind"`
	Status             AccountStatus `json:"status"`
	Balance            int64         `json:"balance"`
	AllowOverdraft     bool          `json:"allow_overdraft"`
	OverdraftLimit     int64         `json:"overdraft_limit"`
	DailyLimit         int64         `json:"daily_limit,omitempty"`
	MonthlyLimit       int64         `json:"monthly_limit,omitempty"`
	DailyTransferred   int64         `json:"daily_transferred"`
	MonthlyTransferred int64         `json:"monthly_transferred"`
	CountersAsOf       time.Time     `json:"counters_as_of"`
	CreatedAt          time.Time     `json:"created_at"`
	ClosedAt           *time.Time    `json:"closed_at,omitempty"`
}

func (a Account) IsOpen() bool   { return a.Status == AccountOpen }
func (a Account) IsSystem() bool { return a.Kind == KindSystem }

// Floor is the lowest balance the account may reach.
func (a Account) Floor() int64 {
	switch {
	case a.IsSystem():
		return math.MinInt64
	case a.AllowOverdraft:
		return -a.OverdraftLimit
	default:
		return 0
	}
}

// Available is the amount that can leave the account right now.
func (a Account) Available() int64 {
	if a.IsSystem() {
		return math.MaxInt64
	}
	floor := a.Floor()
	if floor < 0 && a.Balance > math.MaxInt64+floor {
		return math.MaxInt64
	}
	return a.Balance - floor
}

type TransferType string

const (
	TransferInternal         TransferType = "internal"
	TransferExternalDomestic TransferType = "external-domestic"
	TransferExternalWire     TransferType = "external-wire"

	// TransferDeposit funds a newly opened account from the clearing account.
	TransferDeposit TransferType = "deposit"
)

func (t TransferType) IsExternal() bool {
	return t == TransferExternalDomestic || t == TransferExternalWire
}

// ExternalDestination describes an account held at another bank.
type ExternalDestination struct {
	RoutingNumber string `json:"routing_number"`
	AccountNumber string `json:"account_number"`
	HolderName    string `json:"holder_name"`
}

// TransferRequest is one caller-initiated attempt to move money.
type TransferRequest struct {
	IdempotencyKey       string               `json:"-"`
	SourceAccountID      string               `json:"source_account_id"`
	DestinationAccountID string               `json:"destination_account_id,omitempty"`
	External             *ExternalDestination `json:"external,omitempty"`
	Type                 TransferType         `json:"transfer_type,omitempty"`
	Amount               int64                `json:"amount"`
	Note                 string               `json:"note,omitempty"`
}

// ResolvedType returns the transfer type, inferring it when the caller left it blank.
func (r TransferRequest) ResolvedType() TransferType {
	if r.Type != "" {
		return r.Type
	}
	if r.External != nil {
		return TransferExternalDomestic
	}
	return TransferInternal
}

// Fingerprint is a stable hash of the request parameters, excluding the
// idempotency key itself. Two requests with the same key must share it.
func (r TransferRequest) Fingerprint() string {
	canonical := r
	canonical.Type = r.ResolvedType()
	body, _ := json.Marshal(canonical)
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Transfer is the durable record of a request and its outcome.
type Transfer struct {
	ID                   string               `json:"id"`
	IdempotencyKey       string               `json:"idempotency_key"`
	SourceAccountID      string               `json:"source_account_id"`
	DestinationAccountID string               `json:"destination_account_id,omitempty"`
	External             *ExternalDestination `json:"external,omitempty"`
	Type                 TransferType         `json:"transfer_type"`
	Amount               int64                `json:"amount"`
	Fee                  int64                `json:"fee"`
	Status               TransferStatus       `json:"status"`
	FailureReason        string               `json:"failure_reason,omitempty"`
	Compensated          bool                 `json:"compensated"`
	Note                 string               `json:"note,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	CompletedAt          *time.Time           `json:"completed_at,omitempty"`
}

type EntryType string

const (
	EntryDebit        EntryType = "debit"
	EntryCredit       EntryType = "credit"
	EntryFee          EntryType = "fee"
	EntryObligation   EntryType = "obligation"
	EntryCompensation EntryType = "compensation"
)

// LedgerEntry represents one balance change. Entries are append-only and
// ordered per account by Sequence; BalanceAfter is the running total.
// The Deltas of a completed transfer always sum to 0.
type LedgerEntry struct {
	ID           string    `json:"id"`
	TransferID   string    `json:"transfer_id"`
	AccountID    string    `json:"account_id"`
	Sequence     int64     `json:"sequence"`
	Delta        int64     `json:"delta"`
	BalanceAfter int64     `json:"balance_after"`
	Type         EntryType `json:"entry_type"`
	Timestamp    time.Time `json:"timestamp"`
}

// TransferResult is what callers get back from a transfer attempt. It is
// always terminal (posted, failed) or rejected.
type TransferResult struct {
	Status                TransferStatus `json:"status"`
	TransferID            string         `json:"transfer_id"`
	Fee                   int64          `json:"fee"`
	NewSourceBalance      int64          `json:"new_source_balance"`
	NewDestinationBalance *int64         `json:"new_destination_balance,omitempty"`
	FailureReason         string         `json:"failure_reason,omitempty"`
	ErrorKind             ErrorKind      `json:"error_kind,omitempty"`
	Rule                  Rule           `json:"rule,omitempty"`
}

// Err rebuilds the typed error for a non-posted result.
func (r TransferResult) Err() error {
	if r.ErrorKind == "" {
		return nil
	}
	return &TransferError{Kind: r.ErrorKind, Rule: r.Rule, Message: r.FailureReason}
}

type IdempotencyState string

const (
	IdempotencyPending   IdempotencyState = "in_progress"
	IdempotencyCompleted IdempotencyState = "completed"
)

// IdempotencyRecord maps a client key to the single outcome it produced.
type IdempotencyRecord struct {
	Key         string           `json:"key"`
	Fingerprint string           `json:"fingerprint"`
	State       IdempotencyState `json:"state"`
	TransferID  string           `json:"transfer_id,omitempty"`
	Result      *TransferResult  `json:"result,omitempty"`
	ExpiresAt   time.Time        `json:"expires_at"`
}

func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

type ObligationStatus string

const (
	ObligationPending    ObligationStatus = "pending"
	ObligationDispatched ObligationStatus = "dispatched"
	ObligationCancelled  ObligationStatus = "cancelled"
)

// Obligation records funds owed to an external bank for a posted external transfer.
type Obligation struct {
	ID              string              `json:"id"`
	TransferID      string              `json:"transfer_id"`
	SourceAccountID string              `json:"source_account_id"`
	Destination     ExternalDestination `json:"destination"`
	Amount          int64               `json:"amount"`
	Type            TransferType        `json:"transfer_type"`
	Status          ObligationStatus    `json:"status"`
	Attempts        int                 `json:"attempts"`
	CreatedAt       time.Time           `json:"created_at"`
	DispatchedAt    *time.Time          `json:"dispatched_at,omitempty"`
}
