package pgstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reelforge/creditd/pkg/ledger"
)

const (
	constraintAccountPrimary      = "accounts_pkey"
	constraintReasonExternal      = "uniq_ledger_reason_external"
	pgUniqueViolationCode         = "23505"
	defaultMetadataJSON           = "{}"
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectEntry             = "entry"
	errorSubjectJob               = "job"
	errorSubjectRecord            = "idempotency_record"
	errorSubjectSubscription      = "subscription"
	errorSubjectTransaction       = "transaction"
	errorCodeBegin                = "begin"
	errorCodeCommit               = "commit"
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

	sqlInsertAccount = `
		insert into accounts(account_id, credits_remaining, credits_total_lifetime, status, created_at)
		values($1, $2, $3, $4, to_timestamp($5))
	`

	sqlSelectAccount = `
		select account_id, credits_remaining, credits_total_lifetime, status, extract(epoch from created_at)::bigint
		from accounts
		where account_id = $1
	`

	sqlSelectAccountForUpdate = `
		select account_id, credits_remaining, credits_total_lifetime, status, extract(epoch from created_at)::bigint
		from accounts
		where account_id = $1
		for update
	`

	sqlUpdateAccountStatus = `
		update accounts set status = $2 where account_id = $1
	`

	sqlSelectAccountBalances = `
		select credits_remaining, credits_total_lifetime from accounts where account_id = $1
	`

	sqlUpdateAccountBalances = `
		update accounts set credits_remaining = $2, credits_total_lifetime = $3 where account_id = $1
	`

	sqlListAccountIDs = `
		select account_id from accounts
		where account_id > $1
		order by account_id
		limit nullif(greatest($2, 0), 0)
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, account_id, change, reason, external_transaction_id, related_job_id, balance_after, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3,
			nullif($4,''), nullif($5,''), $6,
			coalesce(nullif($7,''),'{}')::jsonb,
			coalesce(to_timestamp(nullif($8,0)), now())
		)
		returning entry_id::text, extract(epoch from created_at)::bigint
	`

	sqlSelectEntryByExternal = `
		select
			entry_id::text,
			account_id,
			change,
			reason,
			coalesce(external_transaction_id,''),
			coalesce(related_job_id,''),
			balance_after,
			metadata::text,
			extract(epoch from created_at)::bigint
		from ledger_entries
		where reason = $1 and external_transaction_id = $2
	`

	sqlSumEntryChanges = `
		select coalesce(sum(change),0) from ledger_entries where account_id = $1
	`

	sqlListEntriesBefore = `
		select
			entry_id::text,
			account_id,
			change,
			reason,
			coalesce(external_transaction_id,''),
			coalesce(related_job_id,''),
			balance_after,
			metadata::text,
			extract(epoch from created_at)::bigint
		from ledger_entries
		where account_id = $1 and created_at < to_timestamp($2)
		order by created_at desc, id desc
		limit $3
	`

	sqlInsertJob = `
		insert into jobs(
			job_id, account_id, cost, status, operation_type, operation_params, debit_entry_id, result_ref, created_at, completed_at
		)
		values(
			$1, $2, $3, $4, $5,
			coalesce(nullif($6,''),'{}')::jsonb,
			$7, $8,
			to_timestamp($9),
			to_timestamp(nullif($10,0))
		)
	`

	sqlSelectJob = `
		select
			job_id::text,
			account_id,
			cost,
			status,
			operation_type,
			operation_params::text,
			debit_entry_id::text,
			result_ref,
			extract(epoch from created_at)::bigint,
			coalesce(extract(epoch from completed_at)::bigint, 0)
		from jobs
		where job_id = $1
	`

	sqlUpdateJobStatus = `
		update jobs
		set status = $3,
			completed_at = to_timestamp(nullif($4,0)),
			result_ref = coalesce(nullif($5,''), result_ref)
		where job_id = $1 and status = any($2)
	`

	sqlListActiveJobs = `
		select
			job_id::text,
			account_id,
			cost,
			status,
			operation_type,
			operation_params::text,
			debit_entry_id::text,
			result_ref,
			extract(epoch from created_at)::bigint,
			coalesce(extract(epoch from completed_at)::bigint, 0)
		from jobs
		where account_id = $1 and status = any($2) and created_at >= to_timestamp($3)
		order by job_id
	`

	sqlSelectIdempotencyRecord = `
		select key, account_id, operation_type, request_fingerprint, result::text,
			extract(epoch from created_at)::bigint, extract(epoch from expires_at)::bigint
		from idempotency_records
		where key = $1
	`

	sqlUpsertIdempotencyRecord = `
		insert into idempotency_records(key, account_id, operation_type, request_fingerprint, result, created_at, expires_at)
		values($1, $2, $3, $4, coalesce(nullif($5,''),'{}')::jsonb, to_timestamp($6), to_timestamp($7))
		on conflict (key) do update
		set account_id = excluded.account_id,
			operation_type = excluded.operation_type,
			request_fingerprint = excluded.request_fingerprint,
			result = excluded.result,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		where idempotency_records.expires_at <= excluded.created_at
	`

	sqlDeleteExpiredIdempotencyRecords = `
		delete from idempotency_records where expires_at <= to_timestamp($1)
	`

	sqlSelectSubscription = `
		select original_transaction_id, account_id, latest_transaction_id, status, will_auto_renew,
			extract(epoch from expires_at)::bigint, credits_per_period, renewal_count,
			extract(epoch from created_at)::bigint
		from subscriptions
		where original_transaction_id = $1
	`

	sqlInsertSubscription = `
		insert into subscriptions(
			original_transaction_id, account_id, latest_transaction_id, status, will_auto_renew,
			expires_at, credits_per_period, renewal_count, created_at
		)
		values($1, $2, $3, $4, $5, to_timestamp($6), $7, $8, to_timestamp($9))
	`

	sqlUpdateSubscription = `
		update subscriptions
		set latest_transaction_id = $2,
			status = $3,
			will_auto_renew = $4,
			expires_at = to_timestamp($5),
			credits_per_period = $6,
			renewal_count = $7
		where original_transaction_id = $1
	`

	sqlListLapsedSubscriptions = `
		select original_transaction_id, account_id, latest_transaction_id, status, will_auto_renew,
			extract(epoch from expires_at)::bigint, credits_per_period, renewal_count,
			extract(epoch from created_at)::bigint
		from subscriptions
		where (status = any($1) and expires_at <= to_timestamp($2))
			or (status = $3 and expires_at <= to_timestamp($4))
		order by original_transaction_id
	`
)

// querier is the pgx surface shared by the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store on a pgx connection pool (autocommit). The
// schema matches the gormstore models; Postgres deployments provision it
// through their own migrations.
type Store struct {
	queries
	pool *pgxpool.Pool
}

// txStore implements ledger.Store inside an open transaction.
type txStore struct {
	queries
}

// queries holds the statements shared by the pool store and the tx store.
type queries struct {
	q querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{q: pool}, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &txStore{queries: queries{q: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx runs fn against the transaction already in progress.
func (store *txStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store *queries) CreateAccount(ctx context.Context, account ledger.Account) error {
	_, err := store.q.Exec(ctx, sqlInsertAccount,
		account.AccountID,
		account.CreditsRemaining.Int64(),
		account.CreditsTotalLifetime.Int64(),
		string(account.Status),
		account.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintAccountPrimary) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *queries) GetAccount(ctx context.Context, accountID string) (ledger.Account, error) {
	return store.getAccount(ctx, sqlSelectAccount, accountID)
}

func (store *queries) GetAccountForUpdate(ctx context.Context, accountID string) (ledger.Account, error) {
	return store.getAccount(ctx, sqlSelectAccountForUpdate, accountID)
}

func (store *queries) getAccount(ctx context.Context, query string, accountID string) (ledger.Account, error) {
	var (
		accountIDValue string
		remaining      int64
		lifetime       int64
		statusValue    string
		createdUnixUTC int64
	)
	err := store.q.QueryRow(ctx, query, accountID).Scan(
		&accountIDValue,
		&remaining,
		&lifetime,
		&statusValue,
		&createdUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return ledger.Account{
		AccountID:            accountIDValue,
		CreditsRemaining:     ledger.Credits(remaining),
		CreditsTotalLifetime: ledger.Credits(lifetime),
		Status:               ledger.AccountStatus(statusValue),
		CreatedUnixUTC:       createdUnixUTC,
	}, nil
}

func (store *queries) UpdateAccountStatus(ctx context.Context, accountID string, status ledger.AccountStatus) error {
	tag, err := store.q.Exec(ctx, sqlUpdateAccountStatus, accountID, string(status))
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateStatus, ledger.ErrAccountNotFound)
	}
	return nil
}

func (store *queries) ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]string, error) {
	rows, err := store.q.Query(ctx, sqlListAccountIDs, afterAccountID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	defer rows.Close()
	var accountIDs []string
	for rows.Next() {
		var accountIDValue string
		if err := rows.Scan(&accountIDValue); err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
		}
		accountIDs = append(accountIDs, accountIDValue)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return accountIDs, nil
}

func (store *queries) AppendEntry(ctx context.Context, input ledger.EntryInput) (ledger.Entry, error) {
	var (
		remaining int64
		lifetime  int64
	)
	err := store.q.QueryRow(ctx, sqlSelectAccountBalances, input.AccountID.String()).Scan(&remaining, &lifetime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Entry{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Entry{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}

	balanceAfter := remaining + input.Change.Int64()
	var (
		entryIDValue   string
		createdUnixUTC int64
	)
	err = store.q.QueryRow(ctx, sqlInsertEntry,
		input.AccountID.String(),
		input.Change.Int64(),
		string(input.Reason),
		input.ExternalTransactionID,
		input.RelatedJobID,
		balanceAfter,
		input.Metadata.String(),
		input.CreatedUnixUTC,
	).Scan(&entryIDValue, &createdUnixUTC)
	if isUniqueViolation(err, constraintReasonExternal) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateExternalTransaction)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}

	if input.Change > 0 {
		lifetime += input.Change.Int64()
	}
	if _, err := store.q.Exec(ctx, sqlUpdateAccountBalances, input.AccountID.String(), balanceAfter, lifetime); err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}

	return ledger.Entry{
		EntryID:               entryIDValue,
		AccountID:             input.AccountID.String(),
		Change:                input.Change,
		Reason:                input.Reason,
		ExternalTransactionID: input.ExternalTransactionID,
		RelatedJobID:          input.RelatedJobID,
		BalanceAfter:          ledger.Credits(balanceAfter),
		MetadataJSON:          metadataOrDefault(input.Metadata.String()),
		CreatedUnixUTC:        createdUnixUTC,
	}, nil
}

func (store *queries) FindEntryByExternalTransaction(ctx context.Context, reason ledger.EntryReason, externalTransactionID string) (ledger.Entry, bool, error) {
	row := store.q.QueryRow(ctx, sqlSelectEntryByExternal, string(reason), externalTransactionID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Entry{}, false, nil
		}
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return entry, true, nil
}

func (store *queries) SumEntryChanges(ctx context.Context, accountID string) (ledger.Credits, error) {
	var sum int64
	if err := store.q.QueryRow(ctx, sqlSumEntryChanges, accountID).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return ledger.Credits(sum), nil
}

func (store *queries) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	rows, err := store.q.Query(ctx, sqlListEntriesBefore, accountID, beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store *queries) CreateJob(ctx context.Context, job ledger.Job) error {
	params, err := encodeParams(job.OperationParams)
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	_, err = store.q.Exec(ctx, sqlInsertJob,
		job.JobID,
		job.AccountID,
		job.Cost.Int64(),
		string(job.Status),
		job.OperationType,
		params,
		job.DebitEntryID,
		job.ResultRef,
		job.CreatedUnixUTC,
		job.CompletedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeCreate, err)
	}
	return nil
}

func (store *queries) GetJob(ctx context.Context, jobID string) (ledger.Job, error) {
	row := store.q.QueryRow(ctx, sqlSelectJob, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, ledger.ErrJobNotFound)
		}
		return ledger.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, err)
	}
	return job, nil
}

func (store *queries) UpdateJobStatus(ctx context.Context, jobID string, from []ledger.JobStatus, to ledger.JobStatus, completedUnixUTC int64, resultRef string) (bool, error) {
	fromStatuses := make([]string, 0, len(from))
	for _, status := range from {
		fromStatuses = append(fromStatuses, string(status))
	}
	tag, err := store.q.Exec(ctx, sqlUpdateJobStatus, jobID, fromStatuses, string(to), completedUnixUTC, resultRef)
	if err != nil {
		return false, wrapStoreError(errorSubjectJob, errorCodeUpdateStatus, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (store *queries) ListActiveJobs(ctx context.Context, accountID string, createdAtOrAfterUnixUTC int64) ([]ledger.Job, error) {
	activeStatuses := []string{string(ledger.JobStatusPending), string(ledger.JobStatusProcessing)}
	rows, err := store.q.Query(ctx, sqlListActiveJobs, accountID, activeStatuses, createdAtOrAfterUnixUTC)
	if err != nil {
		return nil, wrapStoreError(errorSubjectJob, errorCodeList, err)
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	return jobs, nil
}

func (store *queries) GetIdempotencyRecord(ctx context.Context, key string) (ledger.IdempotencyRecord, bool, error) {
	var (
		keyValue       string
		accountIDValue string
		operationType  string
		fingerprint    string
		resultValue    string
		createdUnixUTC int64
		expiresUnixUTC int64
	)
	err := store.q.QueryRow(ctx, sqlSelectIdempotencyRecord, key).Scan(
		&keyValue,
		&accountIDValue,
		&operationType,
		&fingerprint,
		&resultValue,
		&createdUnixUTC,
		&expiresUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.IdempotencyRecord{}, false, nil
		}
		return ledger.IdempotencyRecord{}, false, wrapStoreError(errorSubjectRecord, errorCodeGet, err)
	}
	return ledger.IdempotencyRecord{
		Key:                keyValue,
		AccountID:          accountIDValue,
		OperationType:      operationType,
		RequestFingerprint: fingerprint,
		Result:             []byte(resultValue),
		CreatedUnixUTC:     createdUnixUTC,
		ExpiresUnixUTC:     expiresUnixUTC,
	}, true, nil
}

func (store *queries) PutIdempotencyRecord(ctx context.Context, record ledger.IdempotencyRecord) error {
	// The upsert only replaces rows already past their retention deadline; a
	// live row under the same key leaves the insert with zero affected rows.
	tag, err := store.q.Exec(ctx, sqlUpsertIdempotencyRecord,
		record.Key,
		record.AccountID,
		record.OperationType,
		record.RequestFingerprint,
		string(record.Result),
		record.CreatedUnixUTC,
		record.ExpiresUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectRecord, errorCodeInsert, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectRecord, errorCodeDuplicate, ledger.ErrIdempotencyKeyReused)
	}
	return nil
}

func (store *queries) DeleteExpiredIdempotencyRecords(ctx context.Context, nowUnixUTC int64) (int64, error) {
	tag, err := store.q.Exec(ctx, sqlDeleteExpiredIdempotencyRecords, nowUnixUTC)
	if err != nil {
		return 0, wrapStoreError(errorSubjectRecord, errorCodeDelete, err)
	}
	return tag.RowsAffected(), nil
}

func (store *queries) GetSubscription(ctx context.Context, originalTransactionID string) (ledger.Subscription, bool, error) {
	row := store.q.QueryRow(ctx, sqlSelectSubscription, originalTransactionID)
	subscription, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Subscription{}, false, nil
		}
		return ledger.Subscription{}, false, wrapStoreError(errorSubjectSubscription, errorCodeGet, err)
	}
	return subscription, true, nil
}

func (store *queries) CreateSubscription(ctx context.Context, subscription ledger.Subscription) error {
	_, err := store.q.Exec(ctx, sqlInsertSubscription,
		subscription.OriginalTransactionID,
		subscription.AccountID,
		subscription.LatestTransactionID,
		string(subscription.Status),
		subscription.WillAutoRenew,
		subscription.ExpiresUnixUTC,
		subscription.CreditsPerPeriod.Int64(),
		subscription.RenewalCount,
		subscription.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeCreate, err)
	}
	return nil
}

func (store *queries) UpdateSubscription(ctx context.Context, subscription ledger.Subscription) error {
	tag, err := store.q.Exec(ctx, sqlUpdateSubscription,
		subscription.OriginalTransactionID,
		subscription.LatestTransactionID,
		string(subscription.Status),
		subscription.WillAutoRenew,
		subscription.ExpiresUnixUTC,
		subscription.CreditsPerPeriod.Int64(),
		subscription.RenewalCount,
	)
	if err != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdate, ledger.ErrSubscriptionNotFound)
	}
	return nil
}

func (store *queries) ListLapsedSubscriptions(ctx context.Context, graceDeadlineUnixUTC int64, hardDeadlineUnixUTC int64) ([]ledger.Subscription, error) {
	retryingStatuses := []string{string(ledger.SubscriptionStatusGracePeriod), string(ledger.SubscriptionStatusBillingRetry)}
	rows, err := store.q.Query(ctx, sqlListLapsedSubscriptions,
		retryingStatuses, graceDeadlineUnixUTC,
		string(ledger.SubscriptionStatusCancelled), hardDeadlineUnixUTC,
	)
	if err != nil {
		return nil, wrapStoreError(errorSubjectSubscription, errorCodeList, err)
	}
	defer rows.Close()
	var subscriptions []ledger.Subscription
	for rows.Next() {
		subscription, err := scanSubscription(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectSubscription, errorCodeInvalid, err)
		}
		subscriptions = append(subscriptions, subscription)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectSubscription, errorCodeList, err)
	}
	return subscriptions, nil
}

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, 32)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var (
		entryIDValue          string
		accountIDValue        string
		change                int64
		reasonValue           string
		externalTransactionID string
		relatedJobID          string
		balanceAfter          int64
		metadataJSON          string
		createdUnixUTC        int64
	)
	if err := row.Scan(
		&entryIDValue,
		&accountIDValue,
		&change,
		&reasonValue,
		&externalTransactionID,
		&relatedJobID,
		&balanceAfter,
		&metadataJSON,
		&createdUnixUTC,
	); err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:               entryIDValue,
		AccountID:             accountIDValue,
		Change:                ledger.Credits(change),
		Reason:                ledger.EntryReason(reasonValue),
		ExternalTransactionID: externalTransactionID,
		RelatedJobID:          relatedJobID,
		BalanceAfter:          ledger.Credits(balanceAfter),
		MetadataJSON:          metadataJSON,
		CreatedUnixUTC:        createdUnixUTC,
	}, nil
}

func scanJobs(rows pgx.Rows) ([]ledger.Job, error) {
	jobs := make([]ledger.Job, 0, 16)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (ledger.Job, error) {
	var (
		jobIDValue       string
		accountIDValue   string
		cost             int64
		statusValue      string
		operationType    string
		paramsValue      string
		debitEntryID     string
		resultRef        string
		createdUnixUTC   int64
		completedUnixUTC int64
	)
	if err := row.Scan(
		&jobIDValue,
		&accountIDValue,
		&cost,
		&statusValue,
		&operationType,
		&paramsValue,
		&debitEntryID,
		&resultRef,
		&createdUnixUTC,
		&completedUnixUTC,
	); err != nil {
		return ledger.Job{}, err
	}
	params, err := decodeParams(paramsValue)
	if err != nil {
		return ledger.Job{}, err
	}
	return ledger.Job{
		JobID:            jobIDValue,
		AccountID:        accountIDValue,
		Cost:             ledger.Credits(cost),
		Status:           ledger.JobStatus(statusValue),
		OperationType:    operationType,
		OperationParams:  params,
		DebitEntryID:     debitEntryID,
		ResultRef:        resultRef,
		CreatedUnixUTC:   createdUnixUTC,
		CompletedUnixUTC: completedUnixUTC,
	}, nil
}

func scanSubscription(row pgx.Row) (ledger.Subscription, error) {
	var (
		originalTransactionID string
		accountIDValue        string
		latestTransactionID   string
		statusValue           string
		willAutoRenew         bool
		expiresUnixUTC        int64
		creditsPerPeriod      int64
		renewalCount          int
		createdUnixUTC        int64
	)
	if err := row.Scan(
		&originalTransactionID,
		&accountIDValue,
		&latestTransactionID,
		&statusValue,
		&willAutoRenew,
		&expiresUnixUTC,
		&creditsPerPeriod,
		&renewalCount,
		&createdUnixUTC,
	); err != nil {
		return ledger.Subscription{}, err
	}
	return ledger.Subscription{
		OriginalTransactionID: originalTransactionID,
		AccountID:             accountIDValue,
		LatestTransactionID:   latestTransactionID,
		Status:                ledger.SubscriptionStatus(statusValue),
		WillAutoRenew:         willAutoRenew,
		ExpiresUnixUTC:        expiresUnixUTC,
		CreditsPerPeriod:      ledger.Credits(creditsPerPeriod),
		RenewalCount:          renewalCount,
		CreatedUnixUTC:        createdUnixUTC,
	}, nil
}

func encodeParams(params map[string]string) (string, error) {
	if len(params) == 0 {
		return "", nil
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeParams(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var params map[string]string
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

func metadataOrDefault(raw string) string {
	if raw == "" {
		return defaultMetadataJSON
	}
	return raw
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraintName string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}
