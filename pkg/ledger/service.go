package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Service contains the domain logic over a Store.
type Service struct {
	store          Store
	pricing        PriceResolver
	nowFn          func() int64
	logger         OperationLogger
	cache          ResultCache
	observer       RefundObserver
	policy         OverdraftPolicy
	idempotencyTTL time.Duration
	graceWindow    time.Duration
	initialGrant   Credits
}

// NewService wires a Service.
func NewService(store Store, pricing PriceResolver, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if pricing == nil {
		return nil, fmt.Errorf("%w: pricing dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:          store,
		pricing:        pricing,
		nowFn:          now,
		policy:         OverdraftClampZero,
		idempotencyTTL: defaultIdempotencyTTL,
		graceWindow:    defaultGraceWindow,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if _, err := ParseOverdraftPolicy(string(service.policy)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServiceConfig, err)
	}
	if service.idempotencyTTL <= 0 {
		return nil, fmt.Errorf("%w: idempotency ttl must be positive", ErrInvalidServiceConfig)
	}
	if service.graceWindow < 0 {
		return nil, fmt.Errorf("%w: grace window must not be negative", ErrInvalidServiceConfig)
	}
	if service.initialGrant < 0 {
		return nil, fmt.Errorf("%w: initial grant must not be negative", ErrInvalidServiceConfig)
	}
	return service, nil
}

// WithOverdraftPolicy selects how refunds behave when they exceed the balance.
func WithOverdraftPolicy(policy OverdraftPolicy) ServiceOption {
	return func(service *Service) {
		service.policy = policy
	}
}

// WithIdempotencyTTL sets the retention window for idempotency records.
func WithIdempotencyTTL(ttl time.Duration) ServiceOption {
	return func(service *Service) {
		service.idempotencyTTL = ttl
	}
}

// WithGraceWindow sets how long a lapsed subscription keeps its entitlements.
func WithGraceWindow(window time.Duration) ServiceOption {
	return func(service *Service) {
		service.graceWindow = window
	}
}

// WithInitialGrant sets the credits granted when provisioning an account.
func WithInitialGrant(grant Credits) ServiceOption {
	return func(service *Service) {
		service.initialGrant = grant
	}
}

// WithResultCache wires a read-through cache for admission replays.
func WithResultCache(cache ResultCache) ServiceOption {
	return func(service *Service) {
		service.cache = cache
	}
}

// WithRefundObserver wires an observer notified after every applied refund.
func WithRefundObserver(observer RefundObserver) ServiceOption {
	return func(service *Service) {
		service.observer = observer
	}
}

// ProvisionAccount creates an account and applies the configured initial grant.
func (service *Service) ProvisionAccount(ctx context.Context, accountID AccountID) (ProvisionResult, error) {
	result := ProvisionResult{AccountID: accountID.String()}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		account := Account{
			AccountID:      accountID.String(),
			Status:         AccountStatusActive,
			CreatedUnixUTC: nowUnixUTC,
		}
		if err := transactionStore.CreateAccount(ctx, account); err != nil {
			return err
		}
		if service.initialGrant <= 0 {
			return nil
		}
		entry, err := transactionStore.AppendEntry(ctx, EntryInput{
			AccountID:      accountID,
			Change:         service.initialGrant,
			Reason:         ReasonInitialGrant,
			CreatedUnixUTC: nowUnixUTC,
		})
		if err != nil {
			return err
		}
		result.InitialGrant = service.initialGrant
		result.Balance = entry.BalanceAfter
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationProvision,
		AccountID: accountID.String(),
		Amount:    service.initialGrant,
		Error:     operationError,
	})
	if operationError != nil {
		return ProvisionResult{}, operationError
	}
	return result, nil
}

// Balance returns the denormalized account summary.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (BalanceView, error) {
	account, err := service.store.GetAccount(ctx, accountID.String())
	if err != nil {
		return BalanceView{}, err
	}
	return BalanceView{
		AccountID:            account.AccountID,
		CreditsRemaining:     account.CreditsRemaining,
		CreditsTotalLifetime: account.CreditsTotalLifetime,
		Status:               account.Status,
	}, nil
}

// History lists ledger entries for an account, newest first.
func (service *Service) History(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if beforeUnixUTC <= 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	if limit <= 0 || limit > maxHistoryPage {
		limit = maxHistoryPage
	}
	if _, err := service.store.GetAccount(ctx, accountID.String()); err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, accountID.String(), beforeUnixUTC, limit)
}

// AdminAdjust force-adjusts a balance through a regular ledger entry. The
// signed change is applied as given, bypassing the overdraft policy.
func (service *Service) AdminAdjust(ctx context.Context, accountID AccountID, change Credits, note string) (AdjustResult, error) {
	result := AdjustResult{AccountID: accountID.String(), Change: change}
	operationError := func() error {
		if change == 0 {
			return fmt.Errorf("%w: adjustment must not be zero", ErrInvalidCredits)
		}
		metadata, err := encodeMetadata(map[string]string{"note": note})
		if err != nil {
			return err
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if _, err := transactionStore.GetAccountForUpdate(ctx, accountID.String()); err != nil {
				return err
			}
			entry, err := transactionStore.AppendEntry(ctx, EntryInput{
				AccountID:      accountID,
				Change:         change,
				Reason:         ReasonAdminAdjustment,
				Metadata:       metadata,
				CreatedUnixUTC: service.nowFn(),
			})
			if err != nil {
				return err
			}
			result.NewBalance = entry.BalanceAfter
			return nil
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationAdjust,
		AccountID: accountID.String(),
		Amount:    change,
		Error:     operationError,
	})
	if operationError != nil {
		return AdjustResult{}, operationError
	}
	return result, nil
}

// SetAccountStatus moves an account through its lifecycle. Banned and
// soft-deleted accounts keep their balances and history but are refused new
// admissions until reactivated.
func (service *Service) SetAccountStatus(ctx context.Context, accountID AccountID, status AccountStatus) (BalanceView, error) {
	var view BalanceView
	operationError := func() error {
		parsed, err := ParseAccountStatus(string(status))
		if err != nil {
			return err
		}
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			account, err := transactionStore.GetAccountForUpdate(ctx, accountID.String())
			if err != nil {
				return err
			}
			if account.Status != parsed {
				if err := transactionStore.UpdateAccountStatus(ctx, account.AccountID, parsed); err != nil {
					return err
				}
			}
			view = BalanceView{
				AccountID:            account.AccountID,
				CreditsRemaining:     account.CreditsRemaining,
				CreditsTotalLifetime: account.CreditsTotalLifetime,
				Status:               parsed,
			}
			return nil
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationAccountStatus,
		AccountID: accountID.String(),
		Error:     operationError,
	})
	if operationError != nil {
		return BalanceView{}, operationError
	}
	return view, nil
}

// Verify recomputes the ledger sum for one account and compares it against the
// denormalized balance.
func (service *Service) Verify(ctx context.Context, accountID AccountID) (VerifyReport, error) {
	account, err := service.store.GetAccount(ctx, accountID.String())
	if err != nil {
		return VerifyReport{}, err
	}
	ledgerSum, err := service.store.SumEntryChanges(ctx, accountID.String())
	if err != nil {
		return VerifyReport{}, err
	}
	return VerifyReport{
		AccountID:        account.AccountID,
		LedgerSum:        ledgerSum,
		CreditsRemaining: account.CreditsRemaining,
		Consistent:       ledgerSum == account.CreditsRemaining,
	}, nil
}

// VerifyAll walks every account and reports the ones that drifted.
func (service *Service) VerifyAll(ctx context.Context) ([]VerifyReport, error) {
	var reports []VerifyReport
	afterAccountID := ""
	for {
		accountIDs, err := service.store.ListAccountIDs(ctx, afterAccountID, verifyPageSize)
		if err != nil {
			return nil, err
		}
		if len(accountIDs) == 0 {
			return reports, nil
		}
		for _, rawAccountID := range accountIDs {
			accountID, err := NewAccountID(rawAccountID)
			if err != nil {
				return nil, err
			}
			report, err := service.Verify(ctx, accountID)
			if err != nil {
				return nil, err
			}
			reports = append(reports, report)
		}
		afterAccountID = accountIDs[len(accountIDs)-1]
	}
}

// SweepIdempotency deletes idempotency records past their retention deadline.
func (service *Service) SweepIdempotency(ctx context.Context) (int64, error) {
	deleted, operationError := service.store.DeleteExpiredIdempotencyRecords(ctx, service.nowFn())
	service.logOperation(ctx, OperationLog{
		Operation: operationSweep,
		Amount:    Credits(deleted),
		Error:     operationError,
	})
	return deleted, operationError
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		switch {
		case entry.Error != nil:
			entry.Status = operationStatusError
		case entry.Replayed:
			entry.Status = operationStatusReplayed
		default:
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func encodeMetadata(payload any) (MetadataJSON, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(encoded))
}
