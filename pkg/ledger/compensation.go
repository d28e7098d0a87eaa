package ledger

import (
	"context"
	"encoding/json"
	"fmt"
)

type refundMetadata struct {
	Requested int64  `json:"requested"`
	Shortfall int64  `json:"shortfall"`
	Detail    string `json:"detail,omitempty"`
}

// ApplyPurchase credits an account for a verified one-time purchase. The
// provider transaction id makes the operation idempotent: replays return the
// originally recorded outcome.
func (service *Service) ApplyPurchase(ctx context.Context, accountID AccountID, externalTransactionID ExternalTransactionID, amount Credits) (PurchaseResult, error) {
	result, operationError := service.applyPurchase(ctx, accountID, externalTransactionID, amount)
	service.logOperation(ctx, OperationLog{
		Operation:             operationPurchase,
		AccountID:             accountID.String(),
		ExternalTransactionID: externalTransactionID.String(),
		Amount:                amount,
		Replayed:              result.Replayed,
		Error:                 operationError,
	})
	return result, operationError
}

func (service *Service) applyPurchase(ctx context.Context, accountID AccountID, externalTransactionID ExternalTransactionID, amount Credits) (PurchaseResult, error) {
	if amount <= 0 {
		return PurchaseResult{}, fmt.Errorf("%w: purchase amount must be greater than zero", ErrInvalidCredits)
	}
	if entry, found, err := service.store.FindEntryByExternalTransaction(ctx, ReasonPurchaseCredit, externalTransactionID.String()); err != nil {
		return PurchaseResult{}, err
	} else if found {
		return purchaseResultFromEntry(entry), nil
	}
	var result PurchaseResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetAccountForUpdate(ctx, accountID.String()); err != nil {
			return err
		}
		if entry, found, err := transactionStore.FindEntryByExternalTransaction(ctx, ReasonPurchaseCredit, externalTransactionID.String()); err != nil {
			return err
		} else if found {
			result = purchaseResultFromEntry(entry)
			return nil
		}
		entry, err := transactionStore.AppendEntry(ctx, EntryInput{
			AccountID:             accountID,
			Change:                amount,
			Reason:                ReasonPurchaseCredit,
			ExternalTransactionID: externalTransactionID.String(),
			CreatedUnixUTC:        service.nowFn(),
		})
		if err != nil {
			return err
		}
		result = PurchaseResult{
			AccountID:  entry.AccountID,
			Credited:   entry.Change,
			NewBalance: entry.BalanceAfter,
		}
		return nil
	})
	if operationError != nil {
		return PurchaseResult{}, operationError
	}
	return result, nil
}

func purchaseResultFromEntry(entry Entry) PurchaseResult {
	return PurchaseResult{
		AccountID:  entry.AccountID,
		Credited:   entry.Change,
		NewBalance: entry.BalanceAfter,
		Replayed:   true,
	}
}

// ApplyRefund compensates a previously credited transaction. The debit follows
// the configured overdraft policy, in-flight jobs funded at or after the
// refunded credit are cancelled, and a subscription lineage that granted the
// credit is marked refunded. Replays by the same provider transaction return
// the recorded outcome.
func (service *Service) ApplyRefund(ctx context.Context, externalTransactionID ExternalTransactionID, amount Credits, reasonDetail string) (RefundResult, error) {
	result, operationError := service.applyRefund(ctx, externalTransactionID, amount, reasonDetail)
	service.logOperation(ctx, OperationLog{
		Operation:             operationRefund,
		AccountID:             result.AccountID,
		ExternalTransactionID: externalTransactionID.String(),
		Amount:                amount,
		Replayed:              result.Replayed,
		Error:                 operationError,
	})
	if operationError == nil && !result.Replayed && service.observer != nil {
		service.observer.ObserveRefund(ctx, RefundObservation{
			AccountID:       result.AccountID,
			Amount:          result.Applied,
			Shortfall:       result.Shortfall,
			OccurredUnixUTC: service.nowFn(),
		})
	}
	return result, operationError
}

func (service *Service) applyRefund(ctx context.Context, externalTransactionID ExternalTransactionID, amount Credits, reasonDetail string) (RefundResult, error) {
	if amount <= 0 {
		return RefundResult{}, fmt.Errorf("%w: refund amount must be greater than zero", ErrInvalidCredits)
	}
	original, compensatingReason, err := service.findOriginalCredit(ctx, service.store, externalTransactionID)
	if err != nil {
		return RefundResult{}, err
	}
	if entry, found, err := service.store.FindEntryByExternalTransaction(ctx, compensatingReason, externalTransactionID.String()); err != nil {
		return RefundResult{}, err
	} else if found {
		return refundResultFromEntry(entry), nil
	}

	accountID, err := NewAccountID(original.AccountID)
	if err != nil {
		return RefundResult{}, err
	}
	var result RefundResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		account, err := transactionStore.GetAccountForUpdate(ctx, accountID.String())
		if err != nil {
			return err
		}
		if entry, found, err := transactionStore.FindEntryByExternalTransaction(ctx, compensatingReason, externalTransactionID.String()); err != nil {
			return err
		} else if found {
			result = refundResultFromEntry(entry)
			return nil
		}
		applied, shortfall := service.policy.debitFor(account.CreditsRemaining, amount)
		metadata, err := encodeMetadata(refundMetadata{
			Requested: amount.Int64(),
			Shortfall: shortfall.Int64(),
			Detail:    reasonDetail,
		})
		if err != nil {
			return err
		}
		entry, err := transactionStore.AppendEntry(ctx, EntryInput{
			AccountID:             accountID,
			Change:                -applied,
			Reason:                compensatingReason,
			ExternalTransactionID: externalTransactionID.String(),
			Metadata:              metadata,
			CreatedUnixUTC:        nowUnixUTC,
		})
		if err != nil {
			return err
		}
		cancelled, err := service.cancelFundedJobs(ctx, transactionStore, account.AccountID, original.CreatedUnixUTC, nowUnixUTC)
		if err != nil {
			return err
		}
		if compensatingReason == ReasonSubscriptionRefund {
			if err := service.markLineageRefunded(ctx, transactionStore, original); err != nil {
				return err
			}
		}
		result = RefundResult{
			AccountID:       account.AccountID,
			Requested:       amount,
			Applied:         applied,
			Shortfall:       shortfall,
			NewBalance:      entry.BalanceAfter,
			CancelledJobIDs: cancelled,
		}
		return nil
	})
	if operationError != nil {
		return RefundResult{}, operationError
	}
	return result, nil
}

// findOriginalCredit resolves the refunded transaction to its credit entry and
// the reason the compensating debit will carry.
func (service *Service) findOriginalCredit(ctx context.Context, store Store, externalTransactionID ExternalTransactionID) (Entry, EntryReason, error) {
	if entry, found, err := store.FindEntryByExternalTransaction(ctx, ReasonPurchaseCredit, externalTransactionID.String()); err != nil {
		return Entry{}, "", err
	} else if found {
		return entry, ReasonRefund, nil
	}
	if entry, found, err := store.FindEntryByExternalTransaction(ctx, ReasonSubscriptionRenewal, externalTransactionID.String()); err != nil {
		return Entry{}, "", err
	} else if found {
		return entry, ReasonSubscriptionRefund, nil
	}
	return Entry{}, "", fmt.Errorf("%w: %s", ErrOriginalTransactionNotFound, externalTransactionID.String())
}

// cancelFundedJobs cancels pending and processing jobs created at or after the
// refunded credit landed. Spent credits are not re-credited.
func (service *Service) cancelFundedJobs(ctx context.Context, store Store, accountID string, sinceUnixUTC int64, nowUnixUTC int64) ([]string, error) {
	jobs, err := store.ListActiveJobs(ctx, accountID, sinceUnixUTC)
	if err != nil {
		return nil, err
	}
	var cancelled []string
	for _, job := range jobs {
		changed, err := store.UpdateJobStatus(ctx, job.JobID, []JobStatus{JobStatusPending, JobStatusProcessing}, JobStatusCancelled, nowUnixUTC, "")
		if err != nil {
			return nil, err
		}
		if changed {
			cancelled = append(cancelled, job.JobID)
		}
	}
	return cancelled, nil
}

func (service *Service) markLineageRefunded(ctx context.Context, store Store, renewalEntry Entry) error {
	var metadata renewalMetadata
	if err := json.Unmarshal([]byte(renewalEntry.MetadataJSON), &metadata); err != nil {
		return WrapError(operationRefund, "renewal_entry", "decode_metadata", err)
	}
	subscription, found, err := store.GetSubscription(ctx, metadata.OriginalTransactionID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, metadata.OriginalTransactionID)
	}
	subscription.Status = SubscriptionStatusRefunded
	subscription.WillAutoRenew = false
	return store.UpdateSubscription(ctx, subscription)
}

func refundResultFromEntry(entry Entry) RefundResult {
	var metadata refundMetadata
	_ = json.Unmarshal([]byte(entry.MetadataJSON), &metadata)
	return RefundResult{
		AccountID:  entry.AccountID,
		Requested:  Credits(metadata.Requested),
		Applied:    -entry.Change,
		Shortfall:  Credits(metadata.Shortfall),
		NewBalance: entry.BalanceAfter,
		Replayed:   true,
	}
}
