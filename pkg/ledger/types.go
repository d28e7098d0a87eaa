package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Credits is an integer credit amount. Ledger entry changes are signed;
// balances may go negative only under the allow-negative overdraft policy.
type Credits int64

// Int64 returns the raw amount.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewPositiveCredits validates an amount that must be strictly positive.
func NewPositiveCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// AccountID identifies a credit account.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IdempotencyKey scopes duplicate detection for admission requests.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// ExternalTransactionID identifies a payment-provider transaction.
type ExternalTransactionID struct {
	value string
}

// NewExternalTransactionID validates and normalizes a provider transaction id.
func NewExternalTransactionID(raw string) (ExternalTransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalTransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidExternalTransactionID)
	}
	return ExternalTransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ExternalTransactionID) String() string {
	return id.value
}

// MetadataJSON stores arbitrary entry metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// AccountStatus defines the account lifecycle.
type AccountStatus string

const (
	AccountStatusActive      AccountStatus = "active"
	AccountStatusBanned      AccountStatus = "banned"
	AccountStatusSoftDeleted AccountStatus = "soft_deleted"
)

// ParseAccountStatus validates a raw account status.
func ParseAccountStatus(raw string) (AccountStatus, error) {
	switch AccountStatus(raw) {
	case AccountStatusActive, AccountStatusBanned, AccountStatusSoftDeleted:
		return AccountStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAccountStatus, raw)
}

// EntryReason enumerates ledger entry kinds.
type EntryReason string

const (
	ReasonInitialGrant        EntryReason = "initial_grant"
	ReasonJobDebit            EntryReason = "job_debit"
	ReasonPurchaseCredit      EntryReason = "purchase_credit"
	ReasonRefund              EntryReason = "refund"
	ReasonSubscriptionRenewal EntryReason = "subscription_renewal"
	ReasonSubscriptionRefund  EntryReason = "subscription_refund"
	ReasonAdminAdjustment     EntryReason = "admin_adjustment"
)

// ParseEntryReason validates a raw entry reason.
func ParseEntryReason(raw string) (EntryReason, error) {
	switch EntryReason(raw) {
	case ReasonInitialGrant, ReasonJobDebit, ReasonPurchaseCredit, ReasonRefund,
		ReasonSubscriptionRenewal, ReasonSubscriptionRefund, ReasonAdminAdjustment:
		return EntryReason(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryReason, raw)
}

// JobStatus defines the job lifecycle.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// ParseJobStatus validates a raw job status.
func ParseJobStatus(raw string) (JobStatus, error) {
	switch JobStatus(raw) {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return JobStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidJobStatus, raw)
}

// Terminal reports whether the status admits no further transitions.
func (status JobStatus) Terminal() bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// SubscriptionStatus defines the subscription lifecycle.
type SubscriptionStatus string

const (
	SubscriptionStatusActive       SubscriptionStatus = "active"
	SubscriptionStatusGracePeriod  SubscriptionStatus = "grace_period"
	SubscriptionStatusBillingRetry SubscriptionStatus = "billing_retry"
	SubscriptionStatusCancelled    SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired      SubscriptionStatus = "expired"
	SubscriptionStatusRefunded     SubscriptionStatus = "refunded"
)

// ParseSubscriptionStatus validates a raw subscription status.
func ParseSubscriptionStatus(raw string) (SubscriptionStatus, error) {
	switch SubscriptionStatus(raw) {
	case SubscriptionStatusActive, SubscriptionStatusGracePeriod, SubscriptionStatusBillingRetry,
		SubscriptionStatusCancelled, SubscriptionStatusExpired, SubscriptionStatusRefunded:
		return SubscriptionStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSubscriptionStatus, raw)
}

// Terminal reports whether the subscription can never renew again.
func (status SubscriptionStatus) Terminal() bool {
	switch status {
	case SubscriptionStatusExpired, SubscriptionStatusRefunded:
		return true
	}
	return false
}

// OperationSpec describes the work a caller wants admitted.
type OperationSpec struct {
	Type     string            `json:"type"`
	Quantity int64             `json:"quantity,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}

// NewOperationSpec validates an operation spec and normalizes its quantity.
func NewOperationSpec(operationType string, quantity int64, params map[string]string) (OperationSpec, error) {
	trimmed := strings.TrimSpace(operationType)
	if trimmed == "" {
		return OperationSpec{}, fmt.Errorf("%w: empty operation type", ErrInvalidOperationSpec)
	}
	if quantity < 0 {
		return OperationSpec{}, fmt.Errorf("%w: negative quantity", ErrInvalidOperationSpec)
	}
	if quantity == 0 {
		quantity = 1
	}
	return OperationSpec{Type: trimmed, Quantity: quantity, Params: params}, nil
}

// RequestFingerprint hashes the account and operation into a stable digest.
// Two requests fingerprint equal exactly when retrying one would be safe.
func RequestFingerprint(accountID AccountID, spec OperationSpec) string {
	var builder strings.Builder
	builder.WriteString(accountID.String())
	builder.WriteByte('\n')
	builder.WriteString(spec.Type)
	builder.WriteByte('\n')
	fmt.Fprintf(&builder, "%d", spec.Quantity)
	keys := make([]string, 0, len(spec.Params))
	for key := range spec.Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		builder.WriteByte('\n')
		builder.WriteString(key)
		builder.WriteByte('=')
		builder.WriteString(spec.Params[key])
	}
	digest := sha256.Sum256([]byte(builder.String()))
	return hex.EncodeToString(digest[:])
}

// Account is the denormalized balance view kept alongside the ledger.
type Account struct {
	AccountID            string
	CreditsRemaining     Credits
	CreditsTotalLifetime Credits
	Status               AccountStatus
	CreatedUnixUTC       int64
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID               string
	AccountID             string
	Change                Credits
	Reason                EntryReason
	ExternalTransactionID string
	RelatedJobID          string
	BalanceAfter          Credits
	MetadataJSON          string
	CreatedUnixUTC        int64
}

// EntryInput carries the fields for appending a ledger entry.
type EntryInput struct {
	AccountID             AccountID
	Change                Credits
	Reason                EntryReason
	ExternalTransactionID string
	RelatedJobID          string
	Metadata              MetadataJSON
	CreatedUnixUTC        int64
}

// Job is a unit of admitted work.
type Job struct {
	JobID            string
	AccountID        string
	Cost             Credits
	Status           JobStatus
	OperationType    string
	OperationParams  map[string]string
	DebitEntryID     string
	ResultRef        string
	CreatedUnixUTC   int64
	CompletedUnixUTC int64
}

// IdempotencyRecord maps a client key to the outcome of a completed admission.
type IdempotencyRecord struct {
	Key                string
	AccountID          string
	OperationType      string
	RequestFingerprint string
	Result             []byte
	CreatedUnixUTC     int64
	ExpiresUnixUTC     int64
}

// Expired reports whether the record is past its retention deadline.
func (record IdempotencyRecord) Expired(nowUnixUTC int64) bool {
	return record.ExpiresUnixUTC <= nowUnixUTC
}

// Subscription tracks a recurring billing lineage keyed by the provider's
// original transaction id.
type Subscription struct {
	OriginalTransactionID string
	AccountID             string
	LatestTransactionID   string
	Status                SubscriptionStatus
	WillAutoRenew         bool
	ExpiresUnixUTC        int64
	CreditsPerPeriod      Credits
	RenewalCount          int
	CreatedUnixUTC        int64
}

// AdmissionResult is the stored and returned outcome of an admission.
type AdmissionResult struct {
	JobID      string  `json:"job_id"`
	NewBalance Credits `json:"new_balance"`
	Replayed   bool    `json:"-"`
}

// PurchaseResult is the outcome of applying a one-time purchase.
type PurchaseResult struct {
	AccountID  string
	Credited   Credits
	NewBalance Credits
	Replayed   bool
}

// RefundResult is the outcome of applying a refund.
type RefundResult struct {
	AccountID       string
	Requested       Credits
	Applied         Credits
	Shortfall       Credits
	NewBalance      Credits
	CancelledJobIDs []string
	Replayed        bool
}

// RenewalResult is the outcome of applying a subscription renewal.
type RenewalResult struct {
	AccountID    string
	Credited     Credits
	NewBalance   Credits
	Status       SubscriptionStatus
	RenewalCount int
	Replayed     bool
}

// RenewalFailureResult reports the subscription state after a failed renewal.
type RenewalFailureResult struct {
	OriginalTransactionID string
	Status                SubscriptionStatus
	Changed               bool
}

// AutoRenewResult reports the subscription state after toggling auto-renew.
type AutoRenewResult struct {
	OriginalTransactionID string
	Status                SubscriptionStatus
	WillAutoRenew         bool
}

// ProvisionResult is the outcome of creating an account.
type ProvisionResult struct {
	AccountID    string
	InitialGrant Credits
	Balance      Credits
}

// AdjustResult is the outcome of an administrative balance adjustment.
type AdjustResult struct {
	AccountID  string
	Change     Credits
	NewBalance Credits
}

// BalanceView is the read-only account summary.
type BalanceView struct {
	AccountID            string
	CreditsRemaining     Credits
	CreditsTotalLifetime Credits
	Status               AccountStatus
}

// VerifyReport compares the ledger sum against the denormalized balance.
type VerifyReport struct {
	AccountID        string
	LedgerSum        Credits
	CreditsRemaining Credits
	Consistent       bool
}

// RenewalEvent is a verified provider notice that a subscription period renewed.
type RenewalEvent struct {
	AccountID             AccountID
	OriginalTransactionID ExternalTransactionID
	TransactionID         ExternalTransactionID
	CreditsPerPeriod      Credits
	PeriodEndUnixUTC      int64
}

// RefundObservation is published to the abuse observer after every refund.
type RefundObservation struct {
	AccountID       string
	Amount          Credits
	Shortfall       Credits
	OccurredUnixUTC int64
}
