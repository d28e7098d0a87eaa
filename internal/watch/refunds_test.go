package watch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/creditd/pkg/ledger"
)

func observation(accountID string, occurredUnixUTC int64) ledger.RefundObservation {
	return ledger.RefundObservation{
		AccountID:       accountID,
		Amount:          10,
		OccurredUnixUTC: occurredUnixUTC,
	}
}

func TestNewRefundWatch_AppliesDefaults(t *testing.T) {
	watch := NewRefundWatch(Config{})

	assert.Equal(t, 30*24*time.Hour, watch.window)
	assert.Equal(t, 3, watch.threshold)
	assert.Equal(t, 64, cap(watch.events))
}

func TestRefundWatch_FlagsAtThreshold(t *testing.T) {
	var flags []Flag
	watch := NewRefundWatch(Config{
		Window:    time.Hour,
		Threshold: 3,
		OnFlag:    func(flag Flag) { flags = append(flags, flag) },
	})

	watch.record(observation("acct-1", 100))
	watch.record(observation("acct-1", 200))
	require.Empty(t, flags)

	watch.record(observation("acct-1", 300))
	require.Len(t, flags, 1)
	assert.Equal(t, "acct-1", flags[0].AccountID)
	assert.Equal(t, 3, flags[0].Refunds)
	assert.Equal(t, time.Hour, flags[0].Window)
}

func TestRefundWatch_DoesNotReflagAboveThreshold(t *testing.T) {
	var flags []Flag
	watch := NewRefundWatch(Config{
		Window:    time.Hour,
		Threshold: 3,
		OnFlag:    func(flag Flag) { flags = append(flags, flag) },
	})

	for _, stamp := range []int64{100, 200, 300, 400, 500} {
		watch.record(observation("acct-1", stamp))
	}

	assert.Len(t, flags, 1)
}

func TestRefundWatch_WindowPrunesOldRefunds(t *testing.T) {
	var flags []Flag
	watch := NewRefundWatch(Config{
		Window:    time.Hour,
		Threshold: 3,
		OnFlag:    func(flag Flag) { flags = append(flags, flag) },
	})

	watch.record(observation("acct-1", 100))
	watch.record(observation("acct-1", 4000))
	watch.record(observation("acct-1", 4100))
	require.Empty(t, flags, "first refund aged out before the third arrived")

	watch.record(observation("acct-1", 4200))
	assert.Len(t, flags, 1)
}

func TestRefundWatch_SeparatesAccounts(t *testing.T) {
	var flags []Flag
	watch := NewRefundWatch(Config{
		Window:    time.Hour,
		Threshold: 3,
		OnFlag:    func(flag Flag) { flags = append(flags, flag) },
	})

	watch.record(observation("acct-1", 100))
	watch.record(observation("acct-1", 200))
	watch.record(observation("acct-2", 100))
	watch.record(observation("acct-2", 200))

	assert.Empty(t, flags)
	assert.Equal(t, 2, watch.Accounts())
}

func TestRefundWatch_ObserveRefundDropsWhenFull(t *testing.T) {
	watch := NewRefundWatch(Config{Buffer: 1})
	ctx := context.Background()

	watch.ObserveRefund(ctx, observation("acct-1", 100))
	watch.ObserveRefund(ctx, observation("acct-1", 200))

	assert.Equal(t, int64(1), watch.Dropped())
}

func TestRefundWatch_StartConsumesQueuedObservations(t *testing.T) {
	flagged := make(chan Flag, 1)
	watch := NewRefundWatch(Config{
		Window:    time.Hour,
		Threshold: 2,
		OnFlag:    func(flag Flag) { flagged <- flag },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watch.Start(ctx) }()

	watch.ObserveRefund(ctx, observation("acct-1", 100))
	watch.ObserveRefund(ctx, observation("acct-1", 200))

	select {
	case flag := <-flagged:
		assert.Equal(t, "acct-1", flag.AccountID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flag")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
}

func TestRefundWatch_CleanupDropsIdleAccounts(t *testing.T) {
	watch := NewRefundWatch(Config{Window: time.Hour, Threshold: 3})

	watch.record(observation("acct-1", 100))
	watch.record(observation("acct-2", 8000))
	require.Equal(t, 2, watch.Accounts())

	watch.cleanup(8000)

	assert.Equal(t, 1, watch.Accounts())
}
