// Package watch flags accounts whose refund volume crosses a rolling-window
// threshold. Observations arrive on a buffered channel after the refund
// commits, so a slow consumer can only drop notifications, never delay or
// fail the transaction path.
package watch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/reelforge/creditd/pkg/ledger"
)

const (
	defaultWindow    = 30 * 24 * time.Hour
	defaultThreshold = 3
	defaultBuffer    = 64

	cleanupInterval = time.Hour
)

// Flag describes an account that crossed the refund threshold.
type Flag struct {
	AccountID string
	Refunds   int
	Window    time.Duration
}

// Config holds tuning for the refund watch.
type Config struct {
	// Window is the rolling period refunds are counted over (default 30 days).
	Window time.Duration

	// Threshold is the refund count inside the window that raises a flag
	// (default 3).
	Threshold int

	// Buffer is the notification channel capacity (default 64).
	Buffer int

	// OnFlag is called from the consumer goroutine when an account crosses
	// the threshold (optional escalation hook).
	OnFlag func(flag Flag)

	Logger *zap.Logger
}

// RefundWatch counts refunds per account and flags repeat offenders. It
// implements ledger.RefundObserver.
type RefundWatch struct {
	events    chan ledger.RefundObservation
	window    time.Duration
	threshold int
	onFlag    func(flag Flag)
	logger    *zap.Logger

	dropped atomic.Int64

	mu      sync.Mutex
	history map[string][]int64
}

// NewRefundWatch builds a watch with defaults applied for zero config values.
func NewRefundWatch(cfg Config) *RefundWatch {
	window := cfg.Window
	if window <= 0 {
		window = defaultWindow
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefundWatch{
		events:    make(chan ledger.RefundObservation, buffer),
		window:    window,
		threshold: threshold,
		onFlag:    cfg.OnFlag,
		logger:    logger,
		history:   make(map[string][]int64),
	}
}

// ObserveRefund queues a refund notification without blocking. When the
// buffer is full the observation is counted as dropped and discarded.
func (watch *RefundWatch) ObserveRefund(_ context.Context, observation ledger.RefundObservation) {
	select {
	case watch.events <- observation:
	default:
		watch.dropped.Add(1)
	}
}

// Start consumes queued observations until the context is cancelled.
func (watch *RefundWatch) Start(ctx context.Context) error {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case observation := <-watch.events:
			watch.record(observation)
		case <-ticker.C:
			watch.cleanup(time.Now().Unix())
		}
	}
}

// Dropped reports how many observations were discarded under backpressure.
func (watch *RefundWatch) Dropped() int64 {
	return watch.dropped.Load()
}

// Accounts reports how many accounts currently have refunds on record.
func (watch *RefundWatch) Accounts() int {
	watch.mu.Lock()
	defer watch.mu.Unlock()
	return len(watch.history)
}

func (watch *RefundWatch) record(observation ledger.RefundObservation) {
	cutoff := observation.OccurredUnixUTC - int64(watch.window/time.Second)

	watch.mu.Lock()
	timestamps := watch.history[observation.AccountID]
	pruned := timestamps[:0]
	for _, stamp := range timestamps {
		if stamp > cutoff {
			pruned = append(pruned, stamp)
		}
	}
	pruned = append(pruned, observation.OccurredUnixUTC)
	watch.history[observation.AccountID] = pruned
	count := len(pruned)
	watch.mu.Unlock()

	// Flag only on the crossing itself; further refunds inside the same
	// window stay quiet until pruning drops the account back under.
	if count != watch.threshold {
		return
	}
	watch.logger.Warn("refund threshold crossed",
		zap.String("account_id", observation.AccountID),
		zap.Int("refunds", count),
		zap.Duration("window", watch.window))
	if watch.onFlag != nil {
		watch.onFlag(Flag{AccountID: observation.AccountID, Refunds: count, Window: watch.window})
	}
}

// cleanup drops accounts whose newest refund has aged out of the window.
func (watch *RefundWatch) cleanup(nowUnixUTC int64) {
	cutoff := nowUnixUTC - int64(watch.window/time.Second)

	watch.mu.Lock()
	defer watch.mu.Unlock()
	for accountID, timestamps := range watch.history {
		if len(timestamps) == 0 || timestamps[len(timestamps)-1] <= cutoff {
			delete(watch.history, accountID)
		}
	}
}
