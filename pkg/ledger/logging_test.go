package ledger

import (
	"context"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsAdmitOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "acct-log", 20)
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))

	result, err := service.Admit(context.Background(), mustAccountID(test, "acct-log"), mustIdempotencyKey(test, "key-log"), mustOperationSpec(test, "render", 1))
	if err != nil {
		test.Fatalf("admit: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationAdmit || entry.AccountID != "acct-log" || entry.IdempotencyKey != "key-log" {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.JobID != result.JobID || entry.Amount != 4 {
		test.Fatalf("expected job id and debited cost in the log entry, got %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))

	_, err := service.Admit(context.Background(), mustAccountID(test, "acct-miss"), mustIdempotencyKey(test, "key-log"), mustOperationSpec(test, "render", 1))
	if err == nil {
		test.Fatalf("expected error")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != operationStatusError || logger.entries[0].Error == nil {
		test.Fatalf("expected error log entry, got %+v", logger.entries[0])
	}
}

func TestServiceLogsReplayedStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "acct-log", 20)
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))
	accountID := mustAccountID(test, "acct-log")
	key := mustIdempotencyKey(test, "key-log")
	spec := mustOperationSpec(test, "render", 1)

	if _, err := service.Admit(context.Background(), accountID, key, spec); err != nil {
		test.Fatalf("admit: %v", err)
	}
	if _, err := service.Admit(context.Background(), accountID, key, spec); err != nil {
		test.Fatalf("replay: %v", err)
	}
	if len(logger.entries) != 2 {
		test.Fatalf("expected two log entries, got %d", len(logger.entries))
	}
	if logger.entries[1].Status != operationStatusReplayed {
		test.Fatalf("expected replayed status, got %+v", logger.entries[1])
	}
}
