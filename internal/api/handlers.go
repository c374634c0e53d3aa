package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/punchamoorthee/fundsledger/internal/domain"
	"github.com/punchamoorthee/fundsledger/internal/idempotency"
	"github.com/punchamoorthee/fundsledger/internal/lock"
	"github.com/punchamoorthee/fundsledger/internal/service"
	"github.com/punchamoorthee/fundsledger/internal/store"
)

type errorResponse struct {
	Error     string                 `json:"error"`
	ErrorKind domain.ErrorKind       `json:"error_kind,omitempty"`
	Rule      domain.Rule            `json:"rule,omitempty"`
	Result    *domain.TransferResult `json:"result,omitempty"`
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey == "" {
		respondWithError(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	var req domain.TransferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.IdempotencyKey = idempotencyKey

	result, replayed, err := h.service.CreateTransfer(r.Context(), req)
	if err != nil {
		h.respondTransferError(w, result, err)
		return
	}

	if replayed {
		respondWithJSON(w, http.StatusOK, result)
		return
	}
	w.Header().Set("Location", "/api/v1/transfers/"+result.TransferID)
	respondWithJSON(w, http.StatusCreated, result)
}

func (h *Handler) respondTransferError(w http.ResponseWriter, result domain.TransferResult, err error) {
	switch {
	case errors.Is(err, idempotency.ErrInProgress):
		respondWithError(w, http.StatusConflict, "Request processing in progress")
		return
	case errors.Is(err, idempotency.ErrFingerprintMismatch):
		respondWithError(w, http.StatusUnprocessableEntity, "Key reuse with mismatched payload")
		return
	}

	te, ok := domain.AsTransferError(err)
	if !ok {
		h.logger.Error("unclassified transfer error", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	// a posting failure is a completed, compensated transfer, not a failed request
	if te.Kind == domain.KindPostingFailure {
		respondWithJSON(w, http.StatusOK, result)
		return
	}

	body := errorResponse{Error: te.Message, ErrorKind: te.Kind, Rule: te.Rule}
	if result.TransferID != "" {
		body.Result = &result
	}
	respondWithJSON(w, transferErrorStatus(te), body)
}

func transferErrorStatus(te *domain.TransferError) int {
	switch te.Kind {
	case domain.KindValidation:
		if te.Rule == domain.RuleIdempotencyKey {
			return http.StatusBadRequest
		}
		return http.StatusUnprocessableEntity
	case domain.KindLimitExceeded:
		return http.StatusUnprocessableEntity
	case domain.KindConcurrencyConflict:
		return http.StatusConflict
	default:
		if te.Rule == domain.RuleLockTimeout {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
}

func (h *Handler) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.GetTransfer(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondLookupError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, detail)
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req service.OpenAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}

	acct, err := h.service.OpenAccount(r.Context(), req)
	if err != nil {
		if errors.Is(err, store.ErrAccountExists) {
			respondWithError(w, http.StatusConflict, "Account already exists")
			return
		}
		h.respondLookupError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/accounts/"+acct.ID)
	respondWithJSON(w, http.StatusCreated, acct)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.AccountSnapshot(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondLookupError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, snap)
}

func (h *Handler) CloseAccountHandler(w http.ResponseWriter, r *http.Request) {
	acct, err := h.service.CloseAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondLookupError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, acct)
}

func (h *Handler) GetAccountTransfersHandler(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseRange(w, r)
	if !ok {
		return
	}
	transfers, err := h.service.TransferHistory(r.Context(), mux.Vars(r)["id"], from, to)
	if err != nil {
		h.respondLookupError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, transfers)
}

func (h *Handler) GetAccountEntriesHandler(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseRange(w, r)
	if !ok {
		return
	}
	entries, err := h.service.AccountEntries(r.Context(), mux.Vars(r)["id"], from, to)
	if err != nil {
		h.respondLookupError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, entries)
}

func (h *Handler) VerifyAccountHandler(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.VerifyAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondLookupError(w, err)
		return
	}
	if !v.Consistent {
		h.logger.Error("ledger replay mismatch",
			zap.Bool("incident", true),
			zap.String("account_id", v.AccountID),
			zap.Int64("stored_balance", v.StoredBalance),
			zap.String("problem", v.Problem))
	}
	respondWithJSON(w, http.StatusOK, v)
}

// respondLookupError maps errors from the read and account paths.
func (h *Handler) respondLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		respondWithError(w, http.StatusNotFound, "Account not found")
	case errors.Is(err, store.ErrTransferNotFound):
		respondWithError(w, http.StatusNotFound, "Transfer not found")
	case errors.Is(err, lock.ErrTimeout):
		respondWithError(w, http.StatusServiceUnavailable, "Account busy, retry later")
	default:
		if te, ok := domain.AsTransferError(err); ok {
			respondWithJSON(w, transferErrorStatus(te), errorResponse{Error: te.Message, ErrorKind: te.Kind, Rule: te.Rule})
			return
		}
		h.logger.Error("request failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return false
	}
	return true
}

// parseRange reads optional RFC 3339 from/to query parameters.
func parseRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	var bounds [2]time.Time
	for i, name := range []string{"from", "to"} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %q timestamp, want RFC 3339", name))
			return time.Time{}, time.Time{}, false
		}
		bounds[i] = ts
	}
	if !bounds[0].IsZero() && !bounds[1].IsZero() && !bounds[0].Before(bounds[1]) {
		respondWithError(w, http.StatusBadRequest, "from must be before to")
		return time.Time{}, time.Time{}, false
	}
	return bounds[0], bounds[1], true
}
