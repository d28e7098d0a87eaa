package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. The identifier comes from the caller,
// so unlike entries and jobs it never gets a generated uuid.
type Account struct {
	AccountID            string    `gorm:"primaryKey"`
	CreditsRemaining     int64     `gorm:"not null"`
	CreditsTotalLifetime int64     `gorm:"not null"`
	Status               string    `gorm:"not null"`
	CreatedAt            time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table. The integer key preserves
// append order for history pagination. The unique index over reason and
// external transaction id backs payment-event deduplication; rows without an
// external transaction never collide.
type LedgerEntry struct {
	ID                    int64          `gorm:"primaryKey;autoIncrement"`
	EntryID               string         `gorm:"type:uuid;not null;uniqueIndex"`
	AccountID             string         `gorm:"not null;index:idx_ledger_account_created,priority:1"`
	Change                int64          `gorm:"not null"`
	Reason                string         `gorm:"not null;index:uniq_ledger_reason_external,unique,priority:1"`
	ExternalTransactionID *string        `gorm:"index:uniq_ledger_reason_external,unique,priority:2"`
	RelatedJobID          *string        `gorm:""`
	BalanceAfter          int64          `gorm:"not null"`
	Metadata              datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt             time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Job mirrors the jobs table.
type Job struct {
	JobID           string         `gorm:"type:uuid;primaryKey"`
	AccountID       string         `gorm:"not null;index:idx_jobs_account_status,priority:1"`
	Cost            int64          `gorm:"not null"`
	Status          string         `gorm:"not null;index:idx_jobs_account_status,priority:2"`
	OperationType   string         `gorm:"not null"`
	OperationParams datatypes.JSON `gorm:"type:jsonb;not null"`
	DebitEntryID    string         `gorm:"type:uuid;not null"`
	ResultRef       string         `gorm:"not null"`
	CreatedAt       time.Time      `gorm:"not null"`
	CompletedAt     *time.Time     `gorm:""`
}

func (Job) TableName() string { return "jobs" }

func (job *Job) BeforeCreate(tx *gorm.DB) error {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	return nil
}

// IdempotencyRecord mirrors the idempotency_records table.
type IdempotencyRecord struct {
	Key                string         `gorm:"primaryKey"`
	AccountID          string         `gorm:"not null"`
	OperationType      string         `gorm:"not null"`
	RequestFingerprint string         `gorm:"not null"`
	Result             datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt          time.Time      `gorm:"not null"`
	ExpiresAt          time.Time      `gorm:"not null;index:idx_idempotency_expires"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }

// Subscription mirrors the subscriptions table, keyed by the provider's
// original transaction id.
type Subscription struct {
	OriginalTransactionID string    `gorm:"primaryKey"`
	AccountID             string    `gorm:"not null;index:idx_subscriptions_account"`
	LatestTransactionID   string    `gorm:"not null"`
	Status                string    `gorm:"not null;index:idx_subscriptions_status_expires,priority:1"`
	WillAutoRenew         bool      `gorm:"not null"`
	ExpiresAt             time.Time `gorm:"not null;index:idx_subscriptions_status_expires,priority:2"`
	CreditsPerPeriod      int64     `gorm:"not null"`
	RenewalCount          int       `gorm:"not null"`
	CreatedAt             time.Time `gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }
