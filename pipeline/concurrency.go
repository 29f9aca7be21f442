package pipeline

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
)

// detectSemaphore limits concurrent detections globally across the worker
// loop, admin endpoints and the CLI. It is initialized once based on the
// MAX_CONCURRENT_DETECTIONS env var (default: 1 for serial processing).
var (
	detectSemaphore     chan struct{}
	detectSemaphoreOnce sync.Once
)

func initDetectSemaphore() {
	detectSemaphoreOnce.Do(func() {
		maxConcurrent := 1 // default: serial processing
		if s := os.Getenv("MAX_CONCURRENT_DETECTIONS"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				maxConcurrent = n
			}
		}
		detectSemaphore = make(chan struct{}, maxConcurrent)
		slog.Info("detection concurrency limit initialized", slog.Int("max_concurrent", maxConcurrent))
	})
}

// acquireDetectSlot blocks until a detection slot is available or the context
// is canceled. Returns true if a slot was acquired.
func acquireDetectSlot(ctx context.Context) bool {
	initDetectSemaphore()
	select {
	case detectSemaphore <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// releaseDetectSlot releases a detection slot, allowing another detection to
// proceed.
func releaseDetectSlot() {
	initDetectSemaphore()
	select {
	case <-detectSemaphore:
	default:
		// Should not happen unless mismatched acquire/release
		slog.Warn("detect slot release called without corresponding acquire")
	}
}

// GetActiveDetections returns the current number of detections holding a slot.
func GetActiveDetections() int {
	initDetectSemaphore()
	return len(detectSemaphore)
}

// GetMaxConcurrentDetections returns the configured maximum concurrent
// detections.
func GetMaxConcurrentDetections() int {
	initDetectSemaphore()
	return cap(detectSemaphore)
}
