package readeringest

import "sync"

// EpochTracker holds the forwarder's in-memory current stream_epoch per
// reader_ip. epoch_reset_command bumps it; appends always journal at the
// tracker's current value for that reader (spec §4.3's epoch-reset
// handling: epoch only advances monotonically per reader, seq never
// restarts within the same epoch).
type EpochTracker struct {
	mu     sync.RWMutex
	epochs map[string]int64
}

// NewEpochTracker constructs a tracker seeded with the given starting
// epochs (from journal.ResumeCursors on forwarder restart).
func NewEpochTracker(seed map[string]int64) *EpochTracker {
	t := &EpochTracker{epochs: make(map[string]int64, len(seed))}
	for readerIP, epoch := range seed {
		if epoch < 1 {
			epoch = 1
		}
		t.epochs[readerIP] = epoch
	}
	return t
}

// Current returns the reader's current epoch, defaulting to 1 for a reader
// never seen before.
func (t *EpochTracker) Current(readerIP string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if epoch, ok := t.epochs[readerIP]; ok {
		return epoch
	}
	return 1
}

// Bump advances the reader's epoch to newEpoch, refusing to regress.
func (t *EpochTracker) Bump(readerIP string, newEpoch int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.epochs[readerIP]; ok && current >= newEpoch {
		return
	}
	t.epochs[readerIP] = newEpoch
}
