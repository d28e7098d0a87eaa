package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/reelforge/creditd/pkg/ledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintAccountPrimary      = "accounts_pkey"
	constraintExternalTransaction = "uniq_ledger_reason_external"
	defaultMetadataJSON           = "{}"
	dialectPostgres               = "postgres"
	pgUniqueViolationCode         = "23505"
	sqliteConstraintCode          = 19
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectEntry             = "entry"
	errorSubjectJob               = "job"
	errorSubjectRecord            = "idempotency_record"
	errorSubjectSubscription      = "subscription"
	errorCodeCreate               = "create"
	errorCodeDelete               = "delete"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeSum                  = "sum"
	errorCodeUpdate               = "update"
	errorCodeUpdateStatus         = "update_status"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) error {
	model := Account{
		AccountID:            account.AccountID,
		CreditsRemaining:     account.CreditsRemaining.Int64(),
		CreditsTotalLifetime: account.CreditsTotalLifetime.Int64(),
		Status:               string(account.Status),
		CreatedAt:            unixTime(account.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintAccountPrimary) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, accountID string) (ledger.Account, error) {
	return store.getAccount(ctx, accountID, false)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, accountID string) (ledger.Account, error) {
	return store.getAccount(ctx, accountID, true)
}

func (store *Store) getAccount(ctx context.Context, accountID string, locked bool) (ledger.Account, error) {
	db := store.db.WithContext(ctx)
	// SQLite serializes writers on its single connection; the row lock only
	// applies to Postgres.
	if locked && store.db.Dialector.Name() == dialectPostgres {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Account
	err := db.Where("account_id = ?", accountID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model), nil
}

func (store *Store) UpdateAccountStatus(ctx context.Context, accountID string, status ledger.AccountStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Update("status", string(status))
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateStatus, ledger.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]string, error) {
	query := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id > ?", afterAccountID).
		Order("account_id")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var accountIDs []string
	if err := query.Pluck("account_id", &accountIDs).Error; err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return accountIDs, nil
}

func (store *Store) AppendEntry(ctx context.Context, input ledger.EntryInput) (ledger.Entry, error) {
	var account Account
	err := store.db.WithContext(ctx).Where("account_id = ?", input.AccountID.String()).Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Entry{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Entry{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	balanceAfter := account.CreditsRemaining + input.Change.Int64()
	entry := LedgerEntry{
		AccountID:             account.AccountID,
		Change:                input.Change.Int64(),
		Reason:                string(input.Reason),
		ExternalTransactionID: stringOrNil(input.ExternalTransactionID),
		RelatedJobID:          stringOrNil(input.RelatedJobID),
		BalanceAfter:          balanceAfter,
		Metadata:              datatypesJSON(input.Metadata.String()),
		CreatedAt:             unixTime(input.CreatedUnixUTC),
	}
	if input.CreatedUnixUTC == 0 {
		entry.CreatedAt = time.Now().UTC()
	}
	err = store.db.WithContext(ctx).Create(&entry).Error
	if isUniqueViolation(err, constraintExternalTransaction) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateExternalTransaction)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	updates := map[string]interface{}{"credits_remaining": balanceAfter}
	if input.Change > 0 {
		updates["credits_total_lifetime"] = account.CreditsTotalLifetime + input.Change.Int64()
	}
	err = store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", account.AccountID).
		Updates(updates).Error
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	return mapEntry(entry), nil
}

func (store *Store) FindEntryByExternalTransaction(ctx context.Context, reason ledger.EntryReason, externalTransactionID string) (ledger.Entry, bool, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).
		Where("reason = ? AND external_transaction_id = ?", string(reason), externalTransactionID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Entry{}, false, nil
		}
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return mapEntry(model), true, nil
}

func (store *Store) SumEntryChanges(ctx context.Context, accountID string) (ledger.Credits, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(change),0) as total").
		Where("account_id = ?", accountID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return ledger.Credits(sum.Total), nil
}

func (store *Store) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, unixTime(beforeUnixUTC)).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapEntry(row))
	}
	return entries, nil
}

func (store *Store) CreateJob(ctx context.Context, job ledger.Job) error {
	params, err := encodeParams(job.OperationParams)
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	model := Job{
		JobID:           job.JobID,
		AccountID:       job.AccountID,
		Cost:            job.Cost.Int64(),
		Status:          string(job.Status),
		OperationType:   job.OperationType,
		OperationParams: params,
		DebitEntryID:    job.DebitEntryID,
		ResultRef:       job.ResultRef,
		CreatedAt:       unixTime(job.CreatedUnixUTC),
		CompletedAt:     unixOrNil(job.CompletedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetJob(ctx context.Context, jobID string) (ledger.Job, error) {
	var model Job
	err := store.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, ledger.ErrJobNotFound)
		}
		return ledger.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, err)
	}
	job, err := mapJob(model)
	if err != nil {
		return ledger.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	return job, nil
}

func (store *Store) UpdateJobStatus(ctx context.Context, jobID string, from []ledger.JobStatus, to ledger.JobStatus, completedUnixUTC int64, resultRef string) (bool, error) {
	fromStatuses := make([]string, 0, len(from))
	for _, status := range from {
		fromStatuses = append(fromStatuses, string(status))
	}
	updates := map[string]interface{}{
		"status":       string(to),
		"completed_at": unixOrNil(completedUnixUTC),
	}
	if resultRef != "" {
		updates["result_ref"] = resultRef
	}
	result := store.db.WithContext(ctx).
		Model(&Job{}).
		Where("job_id = ? AND status IN ?", jobID, fromStatuses).
		Updates(updates)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectJob, errorCodeUpdateStatus, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) ListActiveJobs(ctx context.Context, accountID string, createdAtOrAfterUnixUTC int64) ([]ledger.Job, error) {
	activeStatuses := []string{string(ledger.JobStatusPending), string(ledger.JobStatusProcessing)}
	var rows []Job
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND status IN ? AND created_at >= ?", accountID, activeStatuses, unixTime(createdAtOrAfterUnixUTC)).
		Order("job_id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectJob, errorCodeList, err)
	}
	jobs := make([]ledger.Job, 0, len(rows))
	for _, row := range rows {
		job, err := mapJob(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (store *Store) GetIdempotencyRecord(ctx context.Context, key string) (ledger.IdempotencyRecord, bool, error) {
	var model IdempotencyRecord
	err := store.db.WithContext(ctx).Where("key = ?", key).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.IdempotencyRecord{}, false, nil
		}
		return ledger.IdempotencyRecord{}, false, wrapStoreError(errorSubjectRecord, errorCodeGet, err)
	}
	return mapRecord(model), true, nil
}

func (store *Store) PutIdempotencyRecord(ctx context.Context, record ledger.IdempotencyRecord) error {
	model := IdempotencyRecord{
		Key:                record.Key,
		AccountID:          record.AccountID,
		OperationType:      record.OperationType,
		RequestFingerprint: record.RequestFingerprint,
		Result:             datatypesJSON(string(record.Result)),
		CreatedAt:          unixTime(record.CreatedUnixUTC),
		ExpiresAt:          unixTime(record.ExpiresUnixUTC),
	}
	// The upsert only replaces rows already past their retention deadline; a
	// live row under the same key leaves the insert with zero affected rows.
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"account_id", "operation_type", "request_fingerprint", "result", "created_at", "expires_at"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "idempotency_records.expires_at <= excluded.created_at"},
			}},
		}).
		Create(&model)
	if result.Error != nil {
		return wrapStoreError(errorSubjectRecord, errorCodeInsert, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRecord, errorCodeDuplicate, ledger.ErrIdempotencyKeyReused)
	}
	return nil
}

func (store *Store) DeleteExpiredIdempotencyRecords(ctx context.Context, nowUnixUTC int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("expires_at <= ?", unixTime(nowUnixUTC)).
		Delete(&IdempotencyRecord{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectRecord, errorCodeDelete, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) GetSubscription(ctx context.Context, originalTransactionID string) (ledger.Subscription, bool, error) {
	var model Subscription
	err := store.db.WithContext(ctx).Where("original_transaction_id = ?", originalTransactionID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Subscription{}, false, nil
		}
		return ledger.Subscription{}, false, wrapStoreError(errorSubjectSubscription, errorCodeGet, err)
	}
	return mapSubscription(model), true, nil
}

func (store *Store) CreateSubscription(ctx context.Context, subscription ledger.Subscription) error {
	model := Subscription{
		OriginalTransactionID: subscription.OriginalTransactionID,
		AccountID:             subscription.AccountID,
		LatestTransactionID:   subscription.LatestTransactionID,
		Status:                string(subscription.Status),
		WillAutoRenew:         subscription.WillAutoRenew,
		ExpiresAt:             unixTime(subscription.ExpiresUnixUTC),
		CreditsPerPeriod:      subscription.CreditsPerPeriod.Int64(),
		RenewalCount:          subscription.RenewalCount,
		CreatedAt:             unixTime(subscription.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateSubscription(ctx context.Context, subscription ledger.Subscription) error {
	result := store.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("original_transaction_id = ?", subscription.OriginalTransactionID).
		Updates(map[string]interface{}{
			"latest_transaction_id": subscription.LatestTransactionID,
			"status":                string(subscription.Status),
			"will_auto_renew":       subscription.WillAutoRenew,
			"expires_at":            unixTime(subscription.ExpiresUnixUTC),
			"credits_per_period":    subscription.CreditsPerPeriod.Int64(),
			"renewal_count":         subscription.RenewalCount,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdate, ledger.ErrSubscriptionNotFound)
	}
	return nil
}

func (store *Store) ListLapsedSubscriptions(ctx context.Context, graceDeadlineUnixUTC int64, hardDeadlineUnixUTC int64) ([]ledger.Subscription, error) {
	retryingStatuses := []string{string(ledger.SubscriptionStatusGracePeriod), string(ledger.SubscriptionStatusBillingRetry)}
	var rows []Subscription
	err := store.db.WithContext(ctx).
		Where("(status IN ? AND expires_at <= ?) OR (status = ? AND expires_at <= ?)",
			retryingStatuses, unixTime(graceDeadlineUnixUTC),
			string(ledger.SubscriptionStatusCancelled), unixTime(hardDeadlineUnixUTC)).
		Order("original_transaction_id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSubscription, errorCodeList, err)
	}
	subscriptions := make([]ledger.Subscription, 0, len(rows))
	for _, row := range rows {
		subscriptions = append(subscriptions, mapSubscription(row))
	}
	return subscriptions, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(model Account) ledger.Account {
	return ledger.Account{
		AccountID:            model.AccountID,
		CreditsRemaining:     ledger.Credits(model.CreditsRemaining),
		CreditsTotalLifetime: ledger.Credits(model.CreditsTotalLifetime),
		Status:               ledger.AccountStatus(model.Status),
		CreatedUnixUTC:       model.CreatedAt.Unix(),
	}
}

func mapEntry(model LedgerEntry) ledger.Entry {
	return ledger.Entry{
		EntryID:               model.EntryID,
		AccountID:             model.AccountID,
		Change:                ledger.Credits(model.Change),
		Reason:                ledger.EntryReason(model.Reason),
		ExternalTransactionID: stringOrEmpty(model.ExternalTransactionID),
		RelatedJobID:          stringOrEmpty(model.RelatedJobID),
		BalanceAfter:          ledger.Credits(model.BalanceAfter),
		MetadataJSON:          string(model.Metadata),
		CreatedUnixUTC:        model.CreatedAt.Unix(),
	}
}

func mapJob(model Job) (ledger.Job, error) {
	var params map[string]string
	if len(model.OperationParams) != 0 {
		if err := json.Unmarshal(model.OperationParams, &params); err != nil {
			return ledger.Job{}, err
		}
	}
	if len(params) == 0 {
		params = nil
	}
	return ledger.Job{
		JobID:            model.JobID,
		AccountID:        model.AccountID,
		Cost:             ledger.Credits(model.Cost),
		Status:           ledger.JobStatus(model.Status),
		OperationType:    model.OperationType,
		OperationParams:  params,
		DebitEntryID:     model.DebitEntryID,
		ResultRef:        model.ResultRef,
		CreatedUnixUTC:   model.CreatedAt.Unix(),
		CompletedUnixUTC: timeOrZero(model.CompletedAt),
	}, nil
}

func mapRecord(model IdempotencyRecord) ledger.IdempotencyRecord {
	return ledger.IdempotencyRecord{
		Key:                model.Key,
		AccountID:          model.AccountID,
		OperationType:      model.OperationType,
		RequestFingerprint: model.RequestFingerprint,
		Result:             []byte(model.Result),
		CreatedUnixUTC:     model.CreatedAt.Unix(),
		ExpiresUnixUTC:     model.ExpiresAt.Unix(),
	}
}

func mapSubscription(model Subscription) ledger.Subscription {
	return ledger.Subscription{
		OriginalTransactionID: model.OriginalTransactionID,
		AccountID:             model.AccountID,
		LatestTransactionID:   model.LatestTransactionID,
		Status:                ledger.SubscriptionStatus(model.Status),
		WillAutoRenew:         model.WillAutoRenew,
		ExpiresUnixUTC:        model.ExpiresAt.Unix(),
		CreditsPerPeriod:      ledger.Credits(model.CreditsPerPeriod),
		RenewalCount:          model.RenewalCount,
		CreatedUnixUTC:        model.CreatedAt.Unix(),
	}
}

func encodeParams(params map[string]string) (datatypes.JSON, error) {
	if len(params) == 0 {
		return datatypes.JSON([]byte(defaultMetadataJSON)), nil
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func unixTime(value int64) time.Time {
	return time.Unix(value, 0).UTC()
}

func unixOrNil(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	converted := unixTime(value)
	return &converted
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func stringOrNil(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
