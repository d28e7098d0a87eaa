package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Admit atomically decides whether an account may start the described
// operation. On success the debit entry, the pending job, and the idempotency
// record are committed together; on failure nothing is persisted. Retries with
// the same key replay the stored outcome without debiting again.
func (service *Service) Admit(ctx context.Context, accountID AccountID, idempotencyKey IdempotencyKey, spec OperationSpec) (AdmissionResult, error) {
	result, cost, operationError := service.admit(ctx, accountID, idempotencyKey, spec)
	service.logOperation(ctx, OperationLog{
		Operation:      operationAdmit,
		AccountID:      accountID.String(),
		IdempotencyKey: idempotencyKey.String(),
		JobID:          result.JobID,
		Amount:         cost,
		Replayed:       result.Replayed,
		Error:          operationError,
	})
	return result, operationError
}

func (service *Service) admit(ctx context.Context, accountID AccountID, idempotencyKey IdempotencyKey, spec OperationSpec) (AdmissionResult, Credits, error) {
	normalizedSpec, err := NewOperationSpec(spec.Type, spec.Quantity, spec.Params)
	if err != nil {
		return AdmissionResult{}, 0, err
	}
	fingerprint := RequestFingerprint(accountID, normalizedSpec)

	if replay, found, err := service.replayFromCache(ctx, idempotencyKey, fingerprint); err != nil {
		return AdmissionResult{}, 0, err
	} else if found {
		return replay, 0, nil
	}

	nowUnixUTC := service.nowFn()
	record, found, err := service.store.GetIdempotencyRecord(ctx, idempotencyKey.String())
	if err != nil {
		return AdmissionResult{}, 0, err
	}
	if found && !record.Expired(nowUnixUTC) {
		replay, err := service.replayFromRecord(ctx, idempotencyKey, record, fingerprint, nowUnixUTC)
		if err != nil {
			return AdmissionResult{}, 0, err
		}
		return replay, 0, nil
	}

	cost, err := service.pricing.ResolveCost(ctx, normalizedSpec)
	if err != nil {
		return AdmissionResult{}, 0, fmt.Errorf("%w: resolve cost for %q: %v", ErrConfiguration, normalizedSpec.Type, err)
	}
	if cost <= 0 {
		return AdmissionResult{}, 0, fmt.Errorf("%w: operation %q priced at %d", ErrConfiguration, normalizedSpec.Type, cost)
	}

	var admitted AdmissionResult
	var storedPayload []byte
	replayed := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		transactionNowUnixUTC := service.nowFn()
		account, err := transactionStore.GetAccountForUpdate(ctx, accountID.String())
		if err != nil {
			return err
		}
		if account.Status != AccountStatusActive {
			return fmt.Errorf("%w: account %s is %s", ErrAccountInactive, account.AccountID, account.Status)
		}
		lockedRecord, lockedFound, err := transactionStore.GetIdempotencyRecord(ctx, idempotencyKey.String())
		if err != nil {
			return err
		}
		if lockedFound && !lockedRecord.Expired(transactionNowUnixUTC) {
			replay, err := service.replayFromRecord(ctx, idempotencyKey, lockedRecord, fingerprint, transactionNowUnixUTC)
			if err != nil {
				return err
			}
			admitted = replay
			replayed = true
			return nil
		}
		if account.CreditsRemaining < cost {
			return InsufficientFundsError{Balance: account.CreditsRemaining, Required: cost}
		}
		jobID := uuid.NewString()
		metadata, err := encodeMetadata(map[string]string{"operation_type": normalizedSpec.Type})
		if err != nil {
			return err
		}
		entry, err := transactionStore.AppendEntry(ctx, EntryInput{
			AccountID:      accountID,
			Change:         -cost,
			Reason:         ReasonJobDebit,
			RelatedJobID:   jobID,
			Metadata:       metadata,
			CreatedUnixUTC: transactionNowUnixUTC,
		})
		if err != nil {
			return err
		}
		job := Job{
			JobID:           jobID,
			AccountID:       accountID.String(),
			Cost:            cost,
			Status:          JobStatusPending,
			OperationType:   normalizedSpec.Type,
			OperationParams: normalizedSpec.Params,
			DebitEntryID:    entry.EntryID,
			CreatedUnixUTC:  transactionNowUnixUTC,
		}
		if err := transactionStore.CreateJob(ctx, job); err != nil {
			return err
		}
		admitted = AdmissionResult{JobID: jobID, NewBalance: entry.BalanceAfter}
		storedPayload, err = json.Marshal(admitted)
		if err != nil {
			return fmt.Errorf("encode admission result: %w", err)
		}
		return transactionStore.PutIdempotencyRecord(ctx, IdempotencyRecord{
			Key:                idempotencyKey.String(),
			AccountID:          accountID.String(),
			OperationType:      normalizedSpec.Type,
			RequestFingerprint: fingerprint,
			Result:             storedPayload,
			CreatedUnixUTC:     transactionNowUnixUTC,
			ExpiresUnixUTC:     transactionNowUnixUTC + int64(service.idempotencyTTL/time.Second),
		})
	})
	if operationError != nil {
		return AdmissionResult{}, cost, operationError
	}
	if !replayed {
		service.fillCache(ctx, idempotencyKey, CachedDecision{
			AccountID:   accountID.String(),
			Fingerprint: fingerprint,
			Result:      storedPayload,
		}, service.idempotencyTTL)
	}
	return admitted, cost, nil
}

// replayFromCache consults the best-effort cache. Cache failures degrade to a
// miss; a hit with a different fingerprint is a key-reuse error.
func (service *Service) replayFromCache(ctx context.Context, idempotencyKey IdempotencyKey, fingerprint string) (AdmissionResult, bool, error) {
	if service.cache == nil {
		return AdmissionResult{}, false, nil
	}
	decision, found, err := service.cache.GetDecision(ctx, idempotencyKey.String())
	if err != nil || !found {
		return AdmissionResult{}, false, nil
	}
	if decision.Fingerprint != fingerprint {
		return AdmissionResult{}, false, fmt.Errorf("%w: key %s", ErrIdempotencyKeyReused, idempotencyKey.String())
	}
	replay, err := decodeAdmissionResult(decision.Result)
	if err != nil {
		return AdmissionResult{}, false, nil
	}
	return replay, true, nil
}

func (service *Service) replayFromRecord(ctx context.Context, idempotencyKey IdempotencyKey, record IdempotencyRecord, fingerprint string, nowUnixUTC int64) (AdmissionResult, error) {
	if record.RequestFingerprint != fingerprint {
		return AdmissionResult{}, fmt.Errorf("%w: key %s", ErrIdempotencyKeyReused, idempotencyKey.String())
	}
	replay, err := decodeAdmissionResult(record.Result)
	if err != nil {
		return AdmissionResult{}, WrapError(operationAdmit, "idempotency_record", "decode", err)
	}
	remaining := time.Duration(record.ExpiresUnixUTC-nowUnixUTC) * time.Second
	service.fillCache(ctx, idempotencyKey, CachedDecision{
		AccountID:   record.AccountID,
		Fingerprint: record.RequestFingerprint,
		Result:      record.Result,
	}, remaining)
	return replay, nil
}

func (service *Service) fillCache(ctx context.Context, idempotencyKey IdempotencyKey, decision CachedDecision, ttl time.Duration) {
	if service.cache == nil || ttl <= 0 {
		return
	}
	// Best effort: the database record stays authoritative.
	_ = service.cache.PutDecision(ctx, idempotencyKey.String(), decision, ttl)
}

func decodeAdmissionResult(payload []byte) (AdmissionResult, error) {
	var result AdmissionResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return AdmissionResult{}, err
	}
	result.Replayed = true
	return result, nil
}
