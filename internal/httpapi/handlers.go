package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reelforge/creditd/pkg/ledger"
)

// Payment event types accepted by the payment-events route. Events arrive
// pre-verified from the payment boundary; this API trusts the payload.
const (
	eventTypePurchase       = "purchase"
	eventTypeRefund         = "refund"
	eventTypeRenewal        = "renewal"
	eventTypeRenewalFailure = "renewal_failure"
	eventTypeAutoRenew      = "auto_renew"
)

func (server *Server) handleHealthz(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (server *Server) handleProvision(ctx *gin.Context) {
	var request provisionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := ledger.NewAccountID(request.AccountID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}

	result, err := server.service.ProvisionAccount(ctx.Request.Context(), accountID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, provisionResponse{
		OK:           true,
		AccountID:    result.AccountID,
		InitialGrant: result.InitialGrant.Int64(),
		Balance:      result.Balance.Int64(),
	})
}

func (server *Server) handleAdmission(ctx *gin.Context) {
	var request admissionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := ledger.NewAccountID(request.AccountID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	spec, err := ledger.NewOperationSpec(request.Operation.Type, request.Operation.Quantity, request.Operation.Params)
	if err != nil {
		server.respondError(ctx, err)
		return
	}

	result, err := server.service.Admit(ctx.Request.Context(), accountID, idempotencyKey, spec)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, admissionResponse{
		OK:         true,
		JobID:      result.JobID,
		NewBalance: result.NewBalance.Int64(),
		Replayed:   result.Replayed,
	})
}

func (server *Server) handlePaymentEvent(ctx *gin.Context) {
	var request paymentEventRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	switch request.EventType {
	case eventTypePurchase:
		server.applyPurchase(ctx, request)
	case eventTypeRefund:
		server.applyRefund(ctx, request)
	case eventTypeRenewal:
		server.applyRenewal(ctx, request)
	case eventTypeRenewalFailure:
		server.applyRenewalFailure(ctx, request)
	case eventTypeAutoRenew:
		server.applyAutoRenew(ctx, request)
	default:
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_event_type", "unsupported payment event type"))
	}
}

func (server *Server) applyPurchase(ctx *gin.Context, request paymentEventRequest) {
	accountID, err := ledger.NewAccountID(request.AccountID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	transactionID, err := ledger.NewExternalTransactionID(request.ExternalTransactionID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		server.respondError(ctx, err)
		return
	}

	result, err := server.service.ApplyPurchase(ctx.Request.Context(), accountID, transactionID, amount)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, purchaseResponse{
		OK:         true,
		AccountID:  result.AccountID,
		Credited:   result.Credited.Int64(),
		NewBalance: result.NewBalance.Int64(),
		Replayed:   result.Replayed,
	})
}

func (server *Server) applyRefund(ctx *gin.Context, request paymentEventRequest) {
	transactionID, err := ledger.NewExternalTransactionID(request.ExternalTransactionID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		server.respondError(ctx, err)
		return
	}

	result, err := server.service.ApplyRefund(ctx.Request.Context(), transactionID, amount, request.Detail)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, refundResponse{
		OK:              true,
		AccountID:       result.AccountID,
		Requested:       result.Requested.Int64(),
		Applied:         result.Applied.Int64(),
		Shortfall:       result.Shortfall.Int64(),
		NewBalance:      result.NewBalance.Int64(),
		CancelledJobIDs: result.CancelledJobIDs,
		Replayed:        result.Replayed,
	})
}

func (server *Server) applyRenewal(ctx *gin.Context, request paymentEventRequest) {
	accountID, err := ledger.NewAccountID(request.AccountID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	originalID, err := ledger.NewExternalTransactionID(request.OriginalTransactionID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	transactionID, err := ledger.NewExternalTransactionID(request.ExternalTransactionID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	creditsPerPeriod, err := ledger.NewPositiveCredits(request.CreditsPerPeriod)
	if err != nil {
		server.respondError(ctx, err)
		return
	}

	result, err := server.service.ApplyRenewal(ctx.Request.Context(), ledger.RenewalEvent{
		AccountID:             accountID,
		OriginalTransactionID: originalID,
		TransactionID:         transactionID,
		CreditsPerPeriod:      creditsPerPeriod,
		PeriodEndUnixUTC:      request.PeriodEndUnixUTC,
	})
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, renewalResponse{
		OK:           true,
		AccountID:    result.AccountID,
		Credited:     result.Credited.Int64(),
		NewBalance:   result.NewBalance.Int64(),
		Status:       string(result.Status),
		RenewalCount: result.RenewalCount,
		Replayed:     result.Replayed,
	})
}

func (server *Server) applyRenewalFailure(ctx *gin.Context, request paymentEventRequest) {
	originalID, err := ledger.NewExternalTransactionID(request.OriginalTransactionID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}

	result, err := server.service.ApplyRenewalFailure(ctx.Request.Context(), originalID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, renewalFailureResponse{
		OK:                    true,
		OriginalTransactionID: result.OriginalTransactionID,
		Status:                string(result.Status),
		Changed:               result.Changed,
	})
}

func (server *Server) applyAutoRenew(ctx *gin.Context, request paymentEventRequest) {
	if request.AutoRenew == nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "auto_renew field is required"))
		return
	}
	originalID, err := ledger.NewExternalTransactionID(request.OriginalTransactionID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}

	result, err := server.service.SetAutoRenew(ctx.Request.Context(), originalID, *request.AutoRenew)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, autoRenewResponse{
		OK:                    true,
		OriginalTransactionID: result.OriginalTransactionID,
		Status:                string(result.Status),
		WillAutoRenew:         result.WillAutoRenew,
	})
}

func (server *Server) handleJobStatus(ctx *gin.Context) {
	var request jobStatusRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	target, err := ledger.ParseJobStatus(request.Status)
	if err != nil {
		server.respondError(ctx, err)
		return
	}

	job, err := server.service.UpdateJobStatus(ctx.Request.Context(), ctx.Param("job_id"), target, request.ResultRef)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, jobResponseFrom(job))
}

func (server *Server) handleJob(ctx *gin.Context) {
	job, err := server.service.LookupJob(ctx.Request.Context(), ctx.Param("job_id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, jobResponseFrom(job))
}

func (server *Server) handleAccountStatus(ctx *gin.Context) {
	var request accountStatusRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := ledger.NewAccountID(ctx.Param("account_id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}

	view, err := server.service.SetAccountStatus(ctx.Request.Context(), accountID, ledger.AccountStatus(request.Status))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, balanceResponseFrom(view))
}

func (server *Server) handleBalance(ctx *gin.Context) {
	accountID, err := ledger.NewAccountID(ctx.Param("account_id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}

	view, err := server.service.Balance(ctx.Request.Context(), accountID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, balanceResponseFrom(view))
}

func (server *Server) handleEntries(ctx *gin.Context) {
	accountID, err := ledger.NewAccountID(ctx.Param("account_id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	before, err := queryInt64(ctx, "before")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "before must be a unix timestamp"))
		return
	}
	limit, err := queryInt64(ctx, "limit")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "limit must be an integer"))
		return
	}

	entries, err := server.service.History(ctx.Request.Context(), accountID, before, int(limit))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayload{
			EntryID:               entry.EntryID,
			Change:                entry.Change.Int64(),
			Reason:                string(entry.Reason),
			ExternalTransactionID: entry.ExternalTransactionID,
			RelatedJobID:          entry.RelatedJobID,
			BalanceAfter:          entry.BalanceAfter.Int64(),
			Metadata:              entry.MetadataJSON,
			CreatedUnixUTC:        entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, entriesResponse{OK: true, AccountID: accountID.String(), Entries: payload})
}

func (server *Server) respondError(ctx *gin.Context, err error) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		server.logger.Error("request failed",
			zap.String("path", ctx.FullPath()),
			zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, ledger.ErrJobNotFound):
		return http.StatusNotFound, "job_not_found"
	case errors.Is(err, ledger.ErrOriginalTransactionNotFound):
		return http.StatusNotFound, "original_transaction_not_found"
	case errors.Is(err, ledger.ErrSubscriptionNotFound):
		return http.StatusNotFound, "subscription_not_found"
	case errors.Is(err, ledger.ErrAccountInactive):
		return http.StatusForbidden, "account_inactive"
	case errors.Is(err, ledger.ErrAccountExists):
		return http.StatusConflict, "account_exists"
	case errors.Is(err, ledger.ErrIdempotencyKeyReused):
		return http.StatusConflict, "idempotency_key_reused"
	case errors.Is(err, ledger.ErrInvalidJobTransition):
		return http.StatusConflict, "invalid_job_transition"
	case errors.Is(err, ledger.ErrSubscriptionLapsed):
		return http.StatusConflict, "subscription_lapsed"
	case errors.Is(err, ledger.ErrSubscriptionAccountMismatch):
		return http.StatusConflict, "subscription_account_mismatch"
	case errors.Is(err, ledger.ErrDuplicateExternalTransaction):
		return http.StatusConflict, "duplicate_external_transaction"
	case errors.Is(err, ledger.ErrConfiguration):
		return http.StatusInternalServerError, "configuration_error"
	case isValidationError(err):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func isValidationError(err error) bool {
	for _, sentinel := range []error{
		ledger.ErrInvalidAccountID,
		ledger.ErrInvalidAccountStatus,
		ledger.ErrInvalidIdempotencyKey,
		ledger.ErrInvalidExternalTransactionID,
		ledger.ErrInvalidCredits,
		ledger.ErrInvalidEntryReason,
		ledger.ErrInvalidJobStatus,
		ledger.ErrInvalidSubscriptionStatus,
		ledger.ErrInvalidOperationSpec,
		ledger.ErrInvalidMetadataJSON,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"ok": false,
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func queryInt64(ctx *gin.Context, name string) (int64, error) {
	raw := ctx.Query(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func jobResponseFrom(job ledger.Job) jobResponse {
	return jobResponse{
		OK:               true,
		JobID:            job.JobID,
		AccountID:        job.AccountID,
		Cost:             job.Cost.Int64(),
		Status:           string(job.Status),
		OperationType:    job.OperationType,
		ResultRef:        job.ResultRef,
		CreatedUnixUTC:   job.CreatedUnixUTC,
		CompletedUnixUTC: job.CompletedUnixUTC,
	}
}

func balanceResponseFrom(view ledger.BalanceView) balanceResponse {
	return balanceResponse{
		OK:                   true,
		AccountID:            view.AccountID,
		CreditsRemaining:     view.CreditsRemaining.Int64(),
		CreditsTotalLifetime: view.CreditsTotalLifetime.Int64(),
		Status:               string(view.Status),
	}
}

type provisionRequest struct {
	AccountID string `json:"account_id"`
}

type provisionResponse struct {
	OK           bool   `json:"ok"`
	AccountID    string `json:"account_id"`
	InitialGrant int64  `json:"initial_grant"`
	Balance      int64  `json:"balance"`
}

type operationPayload struct {
	Type     string            `json:"type"`
	Quantity int64             `json:"quantity"`
	Params   map[string]string `json:"params"`
}

type admissionRequest struct {
	AccountID      string           `json:"account_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	Operation      operationPayload `json:"operation"`
}

type admissionResponse struct {
	OK         bool   `json:"ok"`
	JobID      string `json:"job_id"`
	NewBalance int64  `json:"new_balance"`
	Replayed   bool   `json:"replayed"`
}

type paymentEventRequest struct {
	EventType             string `json:"event_type"`
	AccountID             string `json:"account_id"`
	ExternalTransactionID string `json:"external_transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	Amount                int64  `json:"amount"`
	CreditsPerPeriod      int64  `json:"credits_per_period"`
	PeriodEndUnixUTC      int64  `json:"period_end_unix_utc"`
	AutoRenew             *bool  `json:"auto_renew"`
	Detail                string `json:"detail"`
}

type purchaseResponse struct {
	OK         bool   `json:"ok"`
	AccountID  string `json:"account_id"`
	Credited   int64  `json:"credited"`
	NewBalance int64  `json:"new_balance"`
	Replayed   bool   `json:"replayed"`
}

type refundResponse struct {
	OK              bool     `json:"ok"`
	AccountID       string   `json:"account_id"`
	Requested       int64    `json:"requested"`
	Applied         int64    `json:"applied"`
	Shortfall       int64    `json:"shortfall"`
	NewBalance      int64    `json:"new_balance"`
	CancelledJobIDs []string `json:"cancelled_job_ids"`
	Replayed        bool     `json:"replayed"`
}

type renewalResponse struct {
	OK           bool   `json:"ok"`
	AccountID    string `json:"account_id"`
	Credited     int64  `json:"credited"`
	NewBalance   int64  `json:"new_balance"`
	Status       string `json:"status"`
	RenewalCount int    `json:"renewal_count"`
	Replayed     bool   `json:"replayed"`
}

type renewalFailureResponse struct {
	OK                    bool   `json:"ok"`
	OriginalTransactionID string `json:"original_transaction_id"`
	Status                string `json:"status"`
	Changed               bool   `json:"changed"`
}

type autoRenewResponse struct {
	OK                    bool   `json:"ok"`
	OriginalTransactionID string `json:"original_transaction_id"`
	Status                string `json:"status"`
	WillAutoRenew         bool   `json:"will_auto_renew"`
}

type jobStatusRequest struct {
	Status    string `json:"status"`
	ResultRef string `json:"result_ref"`
}

type jobResponse struct {
	OK               bool   `json:"ok"`
	JobID            string `json:"job_id"`
	AccountID        string `json:"account_id"`
	Cost             int64  `json:"cost"`
	Status           string `json:"status"`
	OperationType    string `json:"operation_type"`
	ResultRef        string `json:"result_ref,omitempty"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
	CompletedUnixUTC int64  `json:"completed_unix_utc,omitempty"`
}

type accountStatusRequest struct {
	Status string `json:"status"`
}

type balanceResponse struct {
	OK                   bool   `json:"ok"`
	AccountID            string `json:"account_id"`
	CreditsRemaining     int64  `json:"credits_remaining"`
	CreditsTotalLifetime int64  `json:"credits_total_lifetime"`
	Status               string `json:"status"`
}

type entriesResponse struct {
	OK        bool           `json:"ok"`
	AccountID string         `json:"account_id"`
	Entries   []entryPayload `json:"entries"`
}

type entryPayload struct {
	EntryID               string `json:"entry_id"`
	Change                int64  `json:"change"`
	Reason                string `json:"reason"`
	ExternalTransactionID string `json:"external_transaction_id,omitempty"`
	RelatedJobID          string `json:"related_job_id,omitempty"`
	BalanceAfter          int64  `json:"balance_after"`
	Metadata              string `json:"metadata"`
	CreatedUnixUTC        int64  `json:"created_unix_utc"`
}
