package ledger

import (
	"context"
	"fmt"
)

type renewalMetadata struct {
	OriginalTransactionID string `json:"original_transaction_id"`
}

// ApplyRenewal credits a subscription period and advances the lineage keyed by
// the provider's original transaction id. Each period transaction credits at
// most once; a renewal on a lineage in grace recovers it to active.
func (service *Service) ApplyRenewal(ctx context.Context, event RenewalEvent) (RenewalResult, error) {
	result, operationError := service.applyRenewal(ctx, event)
	service.logOperation(ctx, OperationLog{
		Operation:             operationRenewal,
		AccountID:             event.AccountID.String(),
		ExternalTransactionID: event.TransactionID.String(),
		Amount:                event.CreditsPerPeriod,
		Replayed:              result.Replayed,
		Error:                 operationError,
	})
	return result, operationError
}

func (service *Service) applyRenewal(ctx context.Context, event RenewalEvent) (RenewalResult, error) {
	if event.CreditsPerPeriod <= 0 {
		return RenewalResult{}, fmt.Errorf("%w: credits per period must be greater than zero", ErrInvalidCredits)
	}
	if event.PeriodEndUnixUTC <= 0 {
		return RenewalResult{}, fmt.Errorf("%w: missing period end", ErrInvalidOperationSpec)
	}
	if replay, found, err := service.replayRenewal(ctx, service.store, event); err != nil {
		return RenewalResult{}, err
	} else if found {
		return replay, nil
	}
	var result RenewalResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		if _, err := transactionStore.GetAccountForUpdate(ctx, event.AccountID.String()); err != nil {
			return err
		}
		if replay, found, err := service.replayRenewal(ctx, transactionStore, event); err != nil {
			return err
		} else if found {
			result = replay
			return nil
		}
		subscription, found, err := transactionStore.GetSubscription(ctx, event.OriginalTransactionID.String())
		if err != nil {
			return err
		}
		if found {
			if subscription.AccountID != event.AccountID.String() {
				return fmt.Errorf("%w: %s", ErrSubscriptionAccountMismatch, event.OriginalTransactionID.String())
			}
			if subscription.Status.Terminal() {
				return fmt.Errorf("%w: lineage %s is %s", ErrSubscriptionLapsed, subscription.OriginalTransactionID, subscription.Status)
			}
		}
		metadata, err := encodeMetadata(renewalMetadata{OriginalTransactionID: event.OriginalTransactionID.String()})
		if err != nil {
			return err
		}
		entry, err := transactionStore.AppendEntry(ctx, EntryInput{
			AccountID:             event.AccountID,
			Change:                event.CreditsPerPeriod,
			Reason:                ReasonSubscriptionRenewal,
			ExternalTransactionID: event.TransactionID.String(),
			Metadata:              metadata,
			CreatedUnixUTC:        nowUnixUTC,
		})
		if err != nil {
			return err
		}
		if !found {
			subscription = Subscription{
				OriginalTransactionID: event.OriginalTransactionID.String(),
				AccountID:             event.AccountID.String(),
				LatestTransactionID:   event.TransactionID.String(),
				Status:                SubscriptionStatusActive,
				WillAutoRenew:         true,
				ExpiresUnixUTC:        event.PeriodEndUnixUTC,
				CreditsPerPeriod:      event.CreditsPerPeriod,
				RenewalCount:          1,
				CreatedUnixUTC:        nowUnixUTC,
			}
			if err := transactionStore.CreateSubscription(ctx, subscription); err != nil {
				return err
			}
		} else {
			subscription.Status = SubscriptionStatusActive
			subscription.LatestTransactionID = event.TransactionID.String()
			subscription.ExpiresUnixUTC = event.PeriodEndUnixUTC
			subscription.CreditsPerPeriod = event.CreditsPerPeriod
			subscription.RenewalCount++
			subscription.WillAutoRenew = true
			if err := transactionStore.UpdateSubscription(ctx, subscription); err != nil {
				return err
			}
		}
		result = RenewalResult{
			AccountID:    event.AccountID.String(),
			Credited:     entry.Change,
			NewBalance:   entry.BalanceAfter,
			Status:       subscription.Status,
			RenewalCount: subscription.RenewalCount,
		}
		return nil
	})
	if operationError != nil {
		return RenewalResult{}, operationError
	}
	return result, nil
}

func (service *Service) replayRenewal(ctx context.Context, store Store, event RenewalEvent) (RenewalResult, bool, error) {
	entry, found, err := store.FindEntryByExternalTransaction(ctx, ReasonSubscriptionRenewal, event.TransactionID.String())
	if err != nil || !found {
		return RenewalResult{}, false, err
	}
	subscription, _, err := store.GetSubscription(ctx, event.OriginalTransactionID.String())
	if err != nil {
		return RenewalResult{}, false, err
	}
	return RenewalResult{
		AccountID:    entry.AccountID,
		Credited:     entry.Change,
		NewBalance:   entry.BalanceAfter,
		Status:       subscription.Status,
		RenewalCount: subscription.RenewalCount,
		Replayed:     true,
	}, true, nil
}

// ApplyRenewalFailure records a failed renewal attempt: the first failure
// moves an active lineage into grace, a repeat failure into billing retry.
// Ledger balances are not touched.
func (service *Service) ApplyRenewalFailure(ctx context.Context, originalTransactionID ExternalTransactionID) (RenewalFailureResult, error) {
	var result RenewalFailureResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		subscription, found, err := transactionStore.GetSubscription(ctx, originalTransactionID.String())
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, originalTransactionID.String())
		}
		next := subscription.Status
		switch subscription.Status {
		case SubscriptionStatusActive:
			next = SubscriptionStatusGracePeriod
		case SubscriptionStatusGracePeriod:
			next = SubscriptionStatusBillingRetry
		}
		result = RenewalFailureResult{
			OriginalTransactionID: subscription.OriginalTransactionID,
			Status:                next,
			Changed:               next != subscription.Status,
		}
		if !result.Changed {
			return nil
		}
		subscription.Status = next
		return transactionStore.UpdateSubscription(ctx, subscription)
	})
	service.logOperation(ctx, OperationLog{
		Operation:             operationRenewalFailure,
		ExternalTransactionID: originalTransactionID.String(),
		Error:                 operationError,
	})
	if operationError != nil {
		return RenewalFailureResult{}, operationError
	}
	return result, nil
}

// SetAutoRenew toggles the renewal intent. Disabling cancels the lineage while
// keeping its entitlements until the paid period ends; re-enabling before the
// period end restores it to active.
func (service *Service) SetAutoRenew(ctx context.Context, originalTransactionID ExternalTransactionID, enabled bool) (AutoRenewResult, error) {
	var result AutoRenewResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		subscription, found, err := transactionStore.GetSubscription(ctx, originalTransactionID.String())
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, originalTransactionID.String())
		}
		if subscription.Status.Terminal() {
			return fmt.Errorf("%w: lineage %s is %s", ErrSubscriptionLapsed, subscription.OriginalTransactionID, subscription.Status)
		}
		if enabled {
			if subscription.Status == SubscriptionStatusCancelled {
				if subscription.ExpiresUnixUTC <= service.nowFn() {
					return fmt.Errorf("%w: lineage %s past period end", ErrSubscriptionLapsed, subscription.OriginalTransactionID)
				}
				subscription.Status = SubscriptionStatusActive
			}
			subscription.WillAutoRenew = true
		} else {
			subscription.Status = SubscriptionStatusCancelled
			subscription.WillAutoRenew = false
		}
		result = AutoRenewResult{
			OriginalTransactionID: subscription.OriginalTransactionID,
			Status:                subscription.Status,
			WillAutoRenew:         subscription.WillAutoRenew,
		}
		return transactionStore.UpdateSubscription(ctx, subscription)
	})
	service.logOperation(ctx, OperationLog{
		Operation:             operationAutoRenew,
		ExternalTransactionID: originalTransactionID.String(),
		Error:                 operationError,
	})
	if operationError != nil {
		return AutoRenewResult{}, operationError
	}
	return result, nil
}

// ExpireLapsed expires cancelled lineages past their period end and grace or
// billing-retry lineages past the grace window, returning how many changed.
func (service *Service) ExpireLapsed(ctx context.Context) (int64, error) {
	var expired int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		graceDeadlineUnixUTC := nowUnixUTC - int64(service.graceWindow.Seconds())
		lapsed, err := transactionStore.ListLapsedSubscriptions(ctx, graceDeadlineUnixUTC, nowUnixUTC)
		if err != nil {
			return err
		}
		for _, subscription := range lapsed {
			subscription.Status = SubscriptionStatusExpired
			subscription.WillAutoRenew = false
			if err := transactionStore.UpdateSubscription(ctx, subscription); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationExpire,
		Amount:    Credits(expired),
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return expired, nil
}
