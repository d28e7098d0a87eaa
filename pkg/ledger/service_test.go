package ledger

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"testing"
)

const errorMismatchMessage = "expected %v, got %v"

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	pricing := newStubPricing()
	clock := func() int64 { return 0 }
	if _, err := NewService(nil, pricing, clock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
	store := newStubStore(test)
	if _, err := NewService(store, nil, clock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
	if _, err := NewService(store, pricing, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
}

func TestNewServiceRejectsBadOptions(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	pricing := newStubPricing()
	clock := func() int64 { return 0 }
	if _, err := NewService(store, pricing, clock, WithOverdraftPolicy("sometimes")); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
	if _, err := NewService(store, pricing, clock, WithIdempotencyTTL(0)); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
	if _, err := NewService(store, pricing, clock, WithInitialGrant(-5)); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
}

func TestProvisionAccountAppliesInitialGrant(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, WithInitialGrant(25))
	accountID := mustAccountID(test, "acct-new")

	result, err := service.ProvisionAccount(context.Background(), accountID)
	if err != nil {
		test.Fatalf("provision: %v", err)
	}
	if result.InitialGrant != 25 || result.Balance != 25 {
		test.Fatalf("unexpected provision result: %+v", result)
	}
	account := store.mustAccount(test, "acct-new")
	if account.CreditsRemaining != 25 || account.CreditsTotalLifetime != 25 {
		test.Fatalf("unexpected account state: %+v", account)
	}
	if len(store.entries) != 1 || store.entries[0].Reason != ReasonInitialGrant {
		test.Fatalf("expected one initial grant entry, got %+v", store.entries)
	}
}

func TestProvisionAccountRejectsDuplicates(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "acct-dup", 10)
	service := mustNewService(test, store)

	_, err := service.ProvisionAccount(context.Background(), mustAccountID(test, "acct-dup"))
	if !errors.Is(err, ErrAccountExists) {
		test.Fatalf(errorMismatchMessage, ErrAccountExists, err)
	}
}

func TestBalanceReturnsDenormalizedView(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "acct-bal", 120)
	service := mustNewService(test, store)

	view, err := service.Balance(context.Background(), mustAccountID(test, "acct-bal"))
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if view.CreditsRemaining != 120 || view.Status != AccountStatusActive {
		test.Fatalf("unexpected balance view: %+v", view)
	}
}

func TestBalanceUnknownAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	_, err := service.Balance(context.Background(), mustAccountID(test, "acct-miss"))
	if !errors.Is(err, ErrAccountNotFound) {
		test.Fatalf(errorMismatchMessage, ErrAccountNotFound, err)
	}
}

func TestAdminAdjustAppendsSignedEntry(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "acct-adj", 40)
	service := mustNewService(test, store)

	result, err := service.AdminAdjust(context.Background(), mustAccountID(test, "acct-adj"), -15, "support comp")
	if err != nil {
		test.Fatalf("adjust: %v", err)
	}
	if result.NewBalance != 25 {
		test.Fatalf("expected balance 25, got %d", result.NewBalance)
	}
	if len(store.entries) != 1 {
		test.Fatalf("expected one entry, got %d", len(store.entries))
	}
	entry := store.entries[0]
	if entry.Reason != ReasonAdminAdjustment || entry.Change != -15 || entry.BalanceAfter != 25 {
		test.Fatalf("unexpected adjustment entry: %+v", entry)
	}
}

func TestAdminAdjustRejectsZeroChange(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "acct-adj", 40)
	service := mustNewService(test, store)

	_, err := service.AdminAdjust(context.Background(), mustAccountID(test, "acct-adj"), 0, "noop")
	if !errors.Is(err, ErrInvalidCredits) {
		test.Fatalf(errorMismatchMessage, ErrInvalidCredits, err)
	}
}

func TestHistoryListsEntriesForAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "acct-hist", 100)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-hist")

	if _, err := service.AdminAdjust(context.Background(), accountID, 5, "first"); err != nil {
		test.Fatalf("adjust: %v", err)
	}
	if _, err := service.AdminAdjust(context.Background(), accountID, -3, "second"); err != nil {
		test.Fatalf("adjust: %v", err)
	}

	entries, err := service.History(context.Background(), accountID, 0, 10)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		test.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Change != -3 || entries[1].Change != 5 {
		test.Fatalf("expected newest first, got %+v", entries)
	}
}

func TestHistoryUnknownAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	_, err := service.History(context.Background(), mustAccountID(test, "acct-miss"), 0, 10)
	if !errors.Is(err, ErrAccountNotFound) {
		test.Fatalf(errorMismatchMessage, ErrAccountNotFound, err)
	}
}

func TestSetAccountStatusBlocksAndRestoresAdmissions(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "acct-ban", 20)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-ban")

	view, err := service.SetAccountStatus(context.Background(), accountID, AccountStatusBanned)
	if err != nil {
		test.Fatalf("ban: %v", err)
	}
	if view.Status != AccountStatusBanned || view.CreditsRemaining != 20 {
		test.Fatalf("unexpected view after ban: %+v", view)
	}
	_, err = service.Admit(context.Background(), accountID, mustIdempotencyKey(test, "key-banned"), mustOperationSpec(test, "render", 1))
	if !errors.Is(err, ErrAccountInactive) {
		test.Fatalf(errorMismatchMessage, ErrAccountInactive, err)
	}
	if _, err := service.SetAccountStatus(context.Background(), accountID, AccountStatusActive); err != nil {
		test.Fatalf("reactivate: %v", err)
	}
	if _, err := service.Admit(context.Background(), accountID, mustIdempotencyKey(test, "key-after"), mustOperationSpec(test, "render", 1)); err != nil {
		test.Fatalf("admit after reactivation: %v", err)
	}
}

func TestSetAccountStatusValidation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "acct-ban", 20)
	service := mustNewService(test, store)

	_, err := service.SetAccountStatus(context.Background(), mustAccountID(test, "acct-ban"), AccountStatus("frozen"))
	if !errors.Is(err, ErrInvalidAccountStatus) {
		test.Fatalf(errorMismatchMessage, ErrInvalidAccountStatus, err)
	}
	_, err = service.SetAccountStatus(context.Background(), mustAccountID(test, "acct-miss"), AccountStatusBanned)
	if !errors.Is(err, ErrAccountNotFound) {
		test.Fatalf(errorMismatchMessage, ErrAccountNotFound, err)
	}
}

func TestVerifyDetectsDrift(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "acct-ok", 100)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-ok")

	if _, err := service.AdminAdjust(context.Background(), accountID, -30, "burn"); err != nil {
		test.Fatalf("adjust: %v", err)
	}
	report, err := service.Verify(context.Background(), accountID)
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	// The seeded opening balance has no backing entries, so the ledger sum
	// only covers the adjustment.
	if report.Consistent {
		test.Fatalf("expected drift between seeded balance and ledger sum, got %+v", report)
	}
	if report.LedgerSum != -30 || report.CreditsRemaining != 70 {
		test.Fatalf("unexpected report: %+v", report)
	}
}

func TestVerifyAllWalksEveryAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "acct-a", 0)
	store.seedAccount(test, "acct-b", 0)
	service := mustNewService(test, store)

	reports, err := service.VerifyAll(context.Background())
	if err != nil {
		test.Fatalf("verify all: %v", err)
	}
	if len(reports) != 2 {
		test.Fatalf("expected 2 reports, got %d", len(reports))
	}
	for _, report := range reports {
		if !report.Consistent {
			test.Fatalf("expected consistent zero-balance account, got %+v", report)
		}
	}
}

func TestSweepIdempotencyDeletesExpiredRecords(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.records["old"] = IdempotencyRecord{Key: "old", ExpiresUnixUTC: 500}
	store.records["live"] = IdempotencyRecord{Key: "live", ExpiresUnixUTC: 5_000}
	service := mustNewService(test, store)

	deleted, err := service.SweepIdempotency(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if deleted != 1 {
		test.Fatalf("expected 1 deleted record, got %d", deleted)
	}
	if _, ok := store.records["live"]; !ok {
		test.Fatalf("expected live record to survive sweep")
	}
}

const stubNowUnixUTC = int64(1_000)

// stubStore keeps the whole data model in memory. WithTx snapshots the state
// and restores it when the closure fails, mirroring a rolled-back transaction.
type stubStore struct {
	accounts      map[string]Account
	entries       []Entry
	jobs          map[string]Job
	records       map[string]IdempotencyRecord
	subscriptions map[string]Subscription
	entrySequence int

	appendEntryErr error
	createJobErr   error
	putRecordErr   error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:      make(map[string]Account),
		jobs:          make(map[string]Job),
		records:       make(map[string]IdempotencyRecord),
		subscriptions: make(map[string]Subscription),
	}
}

func (store *stubStore) seedAccount(test *testing.T, accountID string, balance int64) {
	test.Helper()
	lifetime := balance
	if lifetime < 0 {
		lifetime = 0
	}
	store.accounts[accountID] = Account{
		AccountID:            accountID,
		CreditsRemaining:     Credits(balance),
		CreditsTotalLifetime: Credits(lifetime),
		Status:               AccountStatusActive,
		CreatedUnixUTC:       stubNowUnixUTC - 100,
	}
}

func (store *stubStore) mustAccount(test *testing.T, accountID string) Account {
	test.Helper()
	account, ok := store.accounts[accountID]
	if !ok {
		test.Fatalf("account %s not found", accountID)
	}
	return account
}

func (store *stubStore) mustJob(test *testing.T, jobID string) Job {
	test.Helper()
	job, ok := store.jobs[jobID]
	if !ok {
		test.Fatalf("job %s not found", jobID)
	}
	return job
}

func (store *stubStore) mustSubscription(test *testing.T, originalTransactionID string) Subscription {
	test.Helper()
	subscription, ok := store.subscriptions[originalTransactionID]
	if !ok {
		test.Fatalf("subscription %s not found", originalTransactionID)
	}
	return subscription
}

type stubSnapshot struct {
	accounts      map[string]Account
	entries       []Entry
	jobs          map[string]Job
	records       map[string]IdempotencyRecord
	subscriptions map[string]Subscription
	entrySequence int
}

func (store *stubStore) capture() stubSnapshot {
	return stubSnapshot{
		accounts:      maps.Clone(store.accounts),
		entries:       slices.Clone(store.entries),
		jobs:          maps.Clone(store.jobs),
		records:       maps.Clone(store.records),
		subscriptions: maps.Clone(store.subscriptions),
		entrySequence: store.entrySequence,
	}
}

func (store *stubStore) restore(saved stubSnapshot) {
	store.accounts = saved.accounts
	store.entries = saved.entries
	store.jobs = saved.jobs
	store.records = saved.records
	store.subscriptions = saved.subscriptions
	store.entrySequence = saved.entrySequence
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	saved := store.capture()
	if err := fn(ctx, store); err != nil {
		store.restore(saved)
		return err
	}
	return nil
}

func (store *stubStore) CreateAccount(ctx context.Context, account Account) error {
	if _, exists := store.accounts[account.AccountID]; exists {
		return fmt.Errorf("%w: %s", ErrAccountExists, account.AccountID)
	}
	store.accounts[account.AccountID] = account
	return nil
}

func (store *stubStore) GetAccount(ctx context.Context, accountID string) (Account, error) {
	account, ok := store.accounts[accountID]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return account, nil
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, accountID string) (Account, error) {
	return store.GetAccount(ctx, accountID)
}

func (store *stubStore) UpdateAccountStatus(ctx context.Context, accountID string, status AccountStatus) error {
	account, err := store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	account.Status = status
	store.accounts[accountID] = account
	return nil
}

func (store *stubStore) ListAccountIDs(ctx context.Context, afterAccountID string, limit int) ([]string, error) {
	var ids []string
	for id := range store.accounts {
		if id > afterAccountID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (store *stubStore) AppendEntry(ctx context.Context, input EntryInput) (Entry, error) {
	if store.appendEntryErr != nil {
		return Entry{}, store.appendEntryErr
	}
	account, err := store.GetAccount(ctx, input.AccountID.String())
	if err != nil {
		return Entry{}, err
	}
	if input.ExternalTransactionID != "" {
		for _, existing := range store.entries {
			if existing.Reason == input.Reason && existing.ExternalTransactionID == input.ExternalTransactionID {
				return Entry{}, fmt.Errorf("%w: %s/%s", ErrDuplicateExternalTransaction, input.Reason, input.ExternalTransactionID)
			}
		}
	}
	account.CreditsRemaining += input.Change
	if input.Change > 0 {
		account.CreditsTotalLifetime += input.Change
	}
	store.accounts[account.AccountID] = account
	store.entrySequence++
	entry := Entry{
		EntryID:               fmt.Sprintf("entry-%d", store.entrySequence),
		AccountID:             account.AccountID,
		Change:                input.Change,
		Reason:                input.Reason,
		ExternalTransactionID: input.ExternalTransactionID,
		RelatedJobID:          input.RelatedJobID,
		BalanceAfter:          account.CreditsRemaining,
		MetadataJSON:          input.Metadata.String(),
		CreatedUnixUTC:        input.CreatedUnixUTC,
	}
	store.entries = append(store.entries, entry)
	return entry, nil
}

func (store *stubStore) FindEntryByExternalTransaction(ctx context.Context, reason EntryReason, externalTransactionID string) (Entry, bool, error) {
	for _, entry := range store.entries {
		if entry.Reason == reason && entry.ExternalTransactionID == externalTransactionID {
			return entry, true, nil
		}
	}
	return Entry{}, false, nil
}

func (store *stubStore) SumEntryChanges(ctx context.Context, accountID string) (Credits, error) {
	var sum Credits
	for _, entry := range store.entries {
		if entry.AccountID == accountID {
			sum += entry.Change
		}
	}
	return sum, nil
}

func (store *stubStore) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Entry, error) {
	var out []Entry
	for index := len(store.entries) - 1; index >= 0; index-- {
		entry := store.entries[index]
		if entry.AccountID != accountID || entry.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (store *stubStore) CreateJob(ctx context.Context, job Job) error {
	if store.createJobErr != nil {
		return store.createJobErr
	}
	if _, exists := store.jobs[job.JobID]; exists {
		return fmt.Errorf("job %s exists", job.JobID)
	}
	store.jobs[job.JobID] = job
	return nil
}

func (store *stubStore) GetJob(ctx context.Context, jobID string) (Job, error) {
	job, ok := store.jobs[jobID]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, nil
}

func (store *stubStore) UpdateJobStatus(ctx context.Context, jobID string, from []JobStatus, to JobStatus, completedUnixUTC int64, resultRef string) (bool, error) {
	job, ok := store.jobs[jobID]
	if !ok {
		return false, nil
	}
	if !slices.Contains(from, job.Status) {
		return false, nil
	}
	job.Status = to
	job.CompletedUnixUTC = completedUnixUTC
	if resultRef != "" {
		job.ResultRef = resultRef
	}
	store.jobs[jobID] = job
	return true, nil
}

func (store *stubStore) ListActiveJobs(ctx context.Context, accountID string, createdAtOrAfterUnixUTC int64) ([]Job, error) {
	var out []Job
	for _, job := range store.jobs {
		if job.AccountID != accountID || job.CreatedUnixUTC < createdAtOrAfterUnixUTC {
			continue
		}
		if job.Status == JobStatusPending || job.Status == JobStatusProcessing {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(left, right int) bool { return out[left].JobID < out[right].JobID })
	return out, nil
}

func (store *stubStore) GetIdempotencyRecord(ctx context.Context, key string) (IdempotencyRecord, bool, error) {
	record, ok := store.records[key]
	return record, ok, nil
}

func (store *stubStore) PutIdempotencyRecord(ctx context.Context, record IdempotencyRecord) error {
	if store.putRecordErr != nil {
		return store.putRecordErr
	}
	if existing, ok := store.records[record.Key]; ok && !existing.Expired(record.CreatedUnixUTC) {
		return fmt.Errorf("%w: key %s", ErrIdempotencyKeyReused, record.Key)
	}
	store.records[record.Key] = record
	return nil
}

func (store *stubStore) DeleteExpiredIdempotencyRecords(ctx context.Context, nowUnixUTC int64) (int64, error) {
	var deleted int64
	for key, record := range store.records {
		if record.Expired(nowUnixUTC) {
			delete(store.records, key)
			deleted++
		}
	}
	return deleted, nil
}

func (store *stubStore) GetSubscription(ctx context.Context, originalTransactionID string) (Subscription, bool, error) {
	subscription, ok := store.subscriptions[originalTransactionID]
	return subscription, ok, nil
}

func (store *stubStore) CreateSubscription(ctx context.Context, subscription Subscription) error {
	if _, exists := store.subscriptions[subscription.OriginalTransactionID]; exists {
		return fmt.Errorf("subscription %s exists", subscription.OriginalTransactionID)
	}
	store.subscriptions[subscription.OriginalTransactionID] = subscription
	return nil
}

func (store *stubStore) UpdateSubscription(ctx context.Context, subscription Subscription) error {
	if _, exists := store.subscriptions[subscription.OriginalTransactionID]; !exists {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, subscription.OriginalTransactionID)
	}
	store.subscriptions[subscription.OriginalTransactionID] = subscription
	return nil
}

func (store *stubStore) ListLapsedSubscriptions(ctx context.Context, graceDeadlineUnixUTC int64, hardDeadlineUnixUTC int64) ([]Subscription, error) {
	var out []Subscription
	for _, subscription := range store.subscriptions {
		switch subscription.Status {
		case SubscriptionStatusGracePeriod, SubscriptionStatusBillingRetry:
			if subscription.ExpiresUnixUTC <= graceDeadlineUnixUTC {
				out = append(out, subscription)
			}
		case SubscriptionStatusCancelled:
			if subscription.ExpiresUnixUTC <= hardDeadlineUnixUTC {
				out = append(out, subscription)
			}
		}
	}
	sort.Slice(out, func(left, right int) bool {
		return out[left].OriginalTransactionID < out[right].OriginalTransactionID
	})
	return out, nil
}

type stubPricing struct {
	costs map[string]Credits
	err   error
}

func newStubPricing() *stubPricing {
	return &stubPricing{costs: map[string]Credits{
		"render":     4,
		"transcribe": 2,
	}}
}

func (pricing *stubPricing) ResolveCost(ctx context.Context, spec OperationSpec) (Credits, error) {
	if pricing.err != nil {
		return 0, pricing.err
	}
	unit, ok := pricing.costs[spec.Type]
	if !ok {
		return 0, fmt.Errorf("operation %q not in catalog", spec.Type)
	}
	return unit * Credits(spec.Quantity), nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, newStubPricing(), func() int64 { return stubNowUnixUTC }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	value, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return value
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	value, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

func mustExternalTransactionID(test *testing.T, raw string) ExternalTransactionID {
	test.Helper()
	value, err := NewExternalTransactionID(raw)
	if err != nil {
		test.Fatalf("external transaction id: %v", err)
	}
	return value
}

func mustOperationSpec(test *testing.T, operationType string, quantity int64) OperationSpec {
	test.Helper()
	value, err := NewOperationSpec(operationType, quantity, nil)
	if err != nil {
		test.Fatalf("operation spec: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}
