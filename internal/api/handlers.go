/**
 * @description
 * This file contains the HTTP handlers for the settlement-service's API endpoints.
 * Handlers parse incoming requests, call the settlement engine and write the HTTP
 * response. They act as the bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - internal/app, internal/domain, internal/store: service logic, models and errors.
 * - github.com/shopspring/decimal: customer-facing amounts.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/transfa/settlement-service/internal/app"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/logging"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/envelope"
)

const maxRequestBodyBytes = 1 << 20

// SettlementHandlers holds the application service that handlers will use.
type SettlementHandlers struct {
	service *app.Service
	limiter app.PeerLimiter
	logger  *slog.Logger
}

// HandlerOption configures SettlementHandlers.
type HandlerOption func(*SettlementHandlers)

// WithPeerLimiter limits bank-to-bank requests per connecting address and per
// claimed sending bank.
func WithPeerLimiter(limiter app.PeerLimiter) HandlerOption {
	return func(h *SettlementHandlers) {
		h.limiter = limiter
	}
}

func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *SettlementHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewSettlementHandlers creates a new instance of SettlementHandlers.
func NewSettlementHandlers(service *app.Service, opts ...HandlerOption) *SettlementHandlers {
	h := &SettlementHandlers{service: service, logger: logging.Discard()}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "api")
	return h
}

type transferRequest struct {
	FromAccount string           `json:"fromAccount"`
	ToAccount   string           `json:"toAccount"`
	Amount      *decimal.Decimal `json:"amount"`
	Explanation string           `json:"explanation"`
}

type openAccountRequest struct {
	AccountName    string           `json:"accountName"`
	OwnerName      string           `json:"ownerName"`
	Currency       string           `json:"currency"`
	InitialDeposit *decimal.Decimal `json:"initialDeposit"`
}

type transferResponse struct {
	*domain.Transaction
	DisplayAmount string `json:"displayAmount"`
}

type accountResponse struct {
	domain.Account
	DisplayBalance string `json:"displayBalance"`
}

type transferFailureResponse struct {
	Error       string           `json:"error"`
	Transaction transferResponse `json:"transaction"`
}

// HealthHandler reports liveness together with the bank prefix.
func (h *SettlementHandlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "healthy",
		"bankPrefix": h.service.Prefix(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// KeySetHandler publishes the bank's verification keys.
func (h *SettlementHandlers) KeySetHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, h.service.KeySet())
}

// B2BHandler accepts a signed transfer envelope from a peer bank.
func (h *SettlementHandlers) B2BHandler(w http.ResponseWriter, r *http.Request) {
	if !h.admitPeer(w, r, "addr:"+SocketHost(r)) {
		return
	}

	var req domain.B2BRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.JWT) == "" {
		writeError(w, http.StatusBadRequest, "jwt is required")
		return
	}
	// The claimed issuer is unverified here; it only selects a counter.
	if _, claims, err := envelope.Decode(req.JWT); err == nil {
		if !h.admitPeer(w, r, "bank:"+strings.ToUpper(strings.TrimSpace(claims.Issuer))) {
			return
		}
	}

	receiverName, err := h.service.AcceptIncoming(r.Context(), req.JWT)
	if err != nil {
		status := app.HTTPStatusForIncomingError(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("incoming transfer failed", "remote_addr", r.RemoteAddr, "error", err)
			writeError(w, status, "Could not process transfer")
			return
		}
		h.logger.Warn("incoming transfer rejected", "remote_addr", r.RemoteAddr, "status", status, "error", err)
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, domain.B2BResponse{ReceiverName: receiverName})
}

func (h *SettlementHandlers) admitPeer(w http.ResponseWriter, r *http.Request, key string) bool {
	if h.limiter == nil {
		return true
	}
	admission, err := h.limiter.Admit(r.Context(), key)
	if err != nil {
		// Fail open when Redis is unavailable.
		h.logger.Warn("peer limiter unavailable", "error", err)
		return true
	}
	if !admission.Allowed {
		h.logger.Warn("bank-to-bank request rate limited", "key", key, "count", admission.Count)
		retryAfter := int(math.Ceil(admission.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "Too many requests")
		return false
	}
	return true
}

// TransactionStatusHandler serves the public status view used by peers and clients.
func (h *SettlementHandlers) TransactionStatusHandler(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetTransactionStatus(r.Context(), chi.URLParam(r, "transactionId"))
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			writeError(w, http.StatusNotFound, "Transaction not found")
			return
		}
		h.logger.Error("transaction status lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Could not retrieve transaction status")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// TransferHandler routes a transfer by destination prefix.
func (h *SettlementHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, h.service.SubmitOutgoing)
}

// InternalTransferHandler moves funds between two accounts of this bank.
func (h *SettlementHandlers) InternalTransferHandler(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, h.service.SubmitInternal)
}

// ExternalTransferHandler sends funds to another bank.
func (h *SettlementHandlers) ExternalTransferHandler(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, h.service.SubmitExternal)
}

func (h *SettlementHandlers) submit(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, req domain.TransferRequest) (*domain.Transaction, error)) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthenticated")
		return
	}

	var body transferRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	amount, err := toMinorUnits(body.Amount, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tx, err := fn(r.Context(), domain.TransferRequest{
		FromAccount: body.FromAccount,
		ToAccount:   body.ToAccount,
		Amount:      amount,
		Explanation: body.Explanation,
		InitiatedBy: userID,
	})
	if err != nil {
		status, message := mapTransferError(err)
		if failed, ok := app.IsTransferFailure(err); ok {
			h.logger.Warn("transfer failed", "transaction_id", failed.TransactionID, "user_id", userID, "error", err)
			writeJSON(w, status, transferFailureResponse{Error: message, Transaction: newTransferResponse(failed)})
			return
		}
		if status >= http.StatusInternalServerError {
			h.logger.Error("transfer request failed", "user_id", userID, "error", err)
		}
		writeError(w, status, message)
		return
	}
	writeJSON(w, http.StatusCreated, newTransferResponse(tx))
}

// mapTransferError turns engine errors into an HTTP status and a client message.
func mapTransferError(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrInvalidRequest),
		errors.Is(err, app.ErrSameAccount),
		errors.Is(err, app.ErrCurrencyMismatch),
		errors.Is(err, app.ErrNotInternalAccount),
		errors.Is(err, app.ErrNotExternalAccount),
		errors.Is(err, app.ErrUnknownBankPrefix):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, app.ErrAccountAccessDenied):
		return http.StatusForbidden, "You do not own the source account."
	case errors.Is(err, store.ErrAccountNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, store.ErrAccountInactive):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, app.ErrDirectoryNotConfigured):
		return http.StatusServiceUnavailable, "External transfers are unavailable."
	}
	if _, ok := app.IsTransferFailure(err); ok {
		var failed *app.TransferFailedError
		errors.As(err, &failed)
		return http.StatusBadGateway, failed.Cause.Error()
	}
	return http.StatusInternalServerError, "Could not process transfer"
}

// ListTransactionsHandler returns the caller's transaction history.
func (h *SettlementHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthenticated")
		return
	}
	query := r.URL.Query()

	limit, err := parseOptionalPositiveInt(query.Get("limit"), 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := parseOptionalPositiveInt(query.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}
	filter := domain.TransactionFilter{
		Status: domain.TransactionStatus(strings.TrimSpace(query.Get("status"))),
		Type:   domain.TransactionType(strings.TrimSpace(query.Get("type"))),
		Limit:  limit,
		Offset: offset,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid status")
		return
	}
	if filter.Type != "" && !filter.Type.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid type")
		return
	}

	// Account history includes incoming credits, which carry no initiator.
	if accountNumber := strings.TrimSpace(query.Get("accountNumber")); accountNumber != "" {
		if _, err := h.service.AuthorizeSourceAccount(r.Context(), userID, accountNumber); err != nil {
			status, message := mapAccountError(err)
			writeError(w, status, message)
			return
		}
		filter.AccountNumber = accountNumber
	} else {
		filter.InitiatedBy = userID
	}

	items, err := h.service.ListTransactions(r.Context(), filter)
	if err != nil {
		h.logger.Error("list transactions failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Could not retrieve transactions.")
		return
	}
	out := make([]transferResponse, 0, len(items))
	for i := range items {
		out = append(out, newTransferResponse(&items[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// OpenAccountHandler opens an account for the caller.
func (h *SettlementHandlers) OpenAccountHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthenticated")
		return
	}

	var body openAccountRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	deposit, err := toMinorUnits(body.InitialDeposit, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	currency := domain.CurrencyEUR
	if strings.TrimSpace(body.Currency) != "" {
		parsed, ok := domain.ParseCurrency(body.Currency)
		if !ok {
			writeError(w, http.StatusBadRequest, "Unsupported currency")
			return
		}
		currency = parsed
	}

	account, err := h.service.OpenAccount(r.Context(), domain.OpenAccountRequest{
		OwnerID:        userID,
		OwnerName:      body.OwnerName,
		AccountName:    body.AccountName,
		Currency:       currency,
		InitialDeposit: deposit,
	})
	if err != nil {
		h.logger.Error("open account failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Could not open account.")
		return
	}
	writeJSON(w, http.StatusCreated, newAccountResponse(*account))
}

// ListAccountsHandler returns the caller's accounts.
func (h *SettlementHandlers) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthenticated")
		return
	}
	accounts, err := h.service.ListAccounts(r.Context(), userID)
	if err != nil {
		h.logger.Error("list accounts failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Could not retrieve accounts.")
		return
	}
	out := make([]accountResponse, 0, len(accounts))
	for _, account := range accounts {
		out = append(out, newAccountResponse(account))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetAccountHandler returns one of the caller's accounts.
func (h *SettlementHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthenticated")
		return
	}
	account, err := h.service.GetAccount(r.Context(), userID, chi.URLParam(r, "accountNumber"))
	if err != nil {
		status, message := mapAccountError(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("get account failed", "user_id", userID, "error", err)
		}
		writeError(w, status, message)
		return
	}
	writeJSON(w, http.StatusOK, newAccountResponse(*account))
}

// DirectoryHealthHandler reports connectivity to the central bank.
func (h *SettlementHandlers) DirectoryHealthHandler(w http.ResponseWriter, r *http.Request) {
	health := h.service.DirectoryHealth(r.Context())
	status := http.StatusOK
	if !health.Connected {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func mapAccountError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		return http.StatusNotFound, "Account not found."
	case errors.Is(err, app.ErrAccountAccessDenied):
		// Indistinguishable from a missing account to the caller.
		return http.StatusNotFound, "Account not found."
	}
	return http.StatusInternalServerError, "Could not retrieve account."
}

func newTransferResponse(tx *domain.Transaction) transferResponse {
	return transferResponse{Transaction: tx, DisplayAmount: formatMinorUnits(tx.Amount)}
}

func newAccountResponse(account domain.Account) accountResponse {
	return accountResponse{Account: account, DisplayBalance: formatMinorUnits(account.Balance)}
}

func parseOptionalPositiveInt(raw string, defaultValue int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("must be >= 0")
	}
	return value, nil
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes)).Decode(dst)
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
