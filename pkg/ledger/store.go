package ledger

import (
	"context"
	"time"
)

// Store is the persistence contract used by Service. Implementations must run
// the WithTx closure atomically and route every nested call through txStore.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	CreateAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, accountID string) (Account, error)
	// GetAccountForUpdate locks the account row for the surrounding
	// transaction on backends that support row locks.
	GetAccountForUpdate(ctx context.Context, accountID string) (Account, error)
	UpdateAccountStatus(ctx context.Context, accountID string, status AccountStatus) error
	ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]string, error)

	// AppendEntry writes one ledger line and folds its change into the
	// account's denormalized balance, returning the stored entry with
	// BalanceAfter populated.
	AppendEntry(ctx context.Context, input EntryInput) (Entry, error)
	FindEntryByExternalTransaction(ctx context.Context, reason EntryReason, externalTransactionID string) (Entry, bool, error)
	SumEntryChanges(ctx context.Context, accountID string) (Credits, error)
	ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Entry, error)

	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// UpdateJobStatus transitions a job only when its current status is in
	// from, reporting whether a row changed.
	UpdateJobStatus(ctx context.Context, jobID string, from []JobStatus, to JobStatus, completedUnixUTC int64, resultRef string) (bool, error)
	ListActiveJobs(ctx context.Context, accountID string, createdAtOrAfterUnixUTC int64) ([]Job, error)

	GetIdempotencyRecord(ctx context.Context, key string) (IdempotencyRecord, bool, error)
	// PutIdempotencyRecord inserts a record, replacing an expired one under
	// the same key. A live record under the same key fails with
	// ErrIdempotencyKeyReused.
	PutIdempotencyRecord(ctx context.Context, record IdempotencyRecord) error
	DeleteExpiredIdempotencyRecords(ctx context.Context, nowUnixUTC int64) (int64, error)

	GetSubscription(ctx context.Context, originalTransactionID string) (Subscription, bool, error)
	CreateSubscription(ctx context.Context, subscription Subscription) error
	UpdateSubscription(ctx context.Context, subscription Subscription) error
	ListLapsedSubscriptions(ctx context.Context, graceDeadlineUnixUTC int64, hardDeadlineUnixUTC int64) ([]Subscription, error)
}

// PriceResolver maps an operation spec to its credit cost.
type PriceResolver interface {
	ResolveCost(ctx context.Context, spec OperationSpec) (Credits, error)
}

// CachedDecision is the replay payload kept in the idempotency cache.
type CachedDecision struct {
	AccountID   string `json:"account_id"`
	Fingerprint string `json:"fingerprint"`
	Result      []byte `json:"result"`
}

// ResultCache is a read-through cache in front of the idempotency records.
// Implementations are best effort; the database rows stay authoritative.
type ResultCache interface {
	GetDecision(ctx context.Context, key string) (CachedDecision, bool, error)
	PutDecision(ctx context.Context, key string, decision CachedDecision, ttl time.Duration) error
}

// RefundObserver receives refund notifications outside the transaction path.
type RefundObserver interface {
	ObserveRefund(ctx context.Context, observation RefundObservation)
}
