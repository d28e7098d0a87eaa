package ledger

import (
	"context"
	"fmt"
	"strings"
)

// jobTransitions lists the statuses a provider callback may move a job from.
// Cancellation is reserved for the refund path.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusProcessing: {JobStatusPending},
	JobStatusCompleted:  {JobStatusProcessing},
	JobStatusFailed:     {JobStatusProcessing},
}

// UpdateJobStatus applies a provider-reported lifecycle transition. Terminal
// transitions record the completion time and optional result reference.
func (service *Service) UpdateJobStatus(ctx context.Context, jobID string, target JobStatus, resultRef string) (Job, error) {
	job, operationError := service.updateJobStatus(ctx, jobID, target, resultRef)
	service.logOperation(ctx, OperationLog{
		Operation: operationJobStatus,
		AccountID: job.AccountID,
		JobID:     jobID,
		Error:     operationError,
	})
	return job, operationError
}

func (service *Service) updateJobStatus(ctx context.Context, jobID string, target JobStatus, resultRef string) (Job, error) {
	trimmedJobID := strings.TrimSpace(jobID)
	if trimmedJobID == "" {
		return Job{}, fmt.Errorf("%w: empty job id", ErrJobNotFound)
	}
	allowedFrom, ok := jobTransitions[target]
	if !ok {
		return Job{}, fmt.Errorf("%w: target status %q", ErrInvalidJobTransition, target)
	}
	var updated Job
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		job, err := transactionStore.GetJob(ctx, trimmedJobID)
		if err != nil {
			return err
		}
		completedUnixUTC := int64(0)
		if target.Terminal() {
			completedUnixUTC = service.nowFn()
		}
		changed, err := transactionStore.UpdateJobStatus(ctx, trimmedJobID, allowedFrom, target, completedUnixUTC, resultRef)
		if err != nil {
			return err
		}
		if !changed {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidJobTransition, job.Status, target)
		}
		updated, err = transactionStore.GetJob(ctx, trimmedJobID)
		return err
	})
	if operationError != nil {
		return Job{}, operationError
	}
	return updated, nil
}

// LookupJob returns a job by id.
func (service *Service) LookupJob(ctx context.Context, jobID string) (Job, error) {
	trimmedJobID := strings.TrimSpace(jobID)
	if trimmedJobID == "" {
		return Job{}, fmt.Errorf("%w: empty job id", ErrJobNotFound)
	}
	return service.store.GetJob(ctx, trimmedJobID)
}
