package channels

import "sync"

// ActiveTracker records which messages are currently being processed,
// per channel. Message callbacks and publish calls run concurrently, so
// all access is mutex-guarded. A message id is added when its handler is
// about to run and removed exactly once, on the terminal outcome
// (ack, drop, dead-letter, or requeue-nack). A channel count of zero is
// the signal that unsubscribe may finalize; a total of zero is the
// signal that disconnect may close the connection.
type ActiveTracker struct {
	mu       sync.Mutex
	channels map[string]map[string]struct{}
}

// NewActiveTracker creates an empty tracker.
func NewActiveTracker() *ActiveTracker {
	return &ActiveTracker{
		channels: make(map[string]map[string]struct{}),
	}
}

// Add registers msgID as in flight on the given channel.
func (t *ActiveTracker) Add(channelID, msgID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.channels[channelID]
	if !ok {
		set = make(map[string]struct{})
		t.channels[channelID] = set
	}
	set[msgID] = struct{}{}
}

// Remove deregisters msgID from the given channel. Removing an unknown
// id is a no-op.
func (t *ActiveTracker) Remove(channelID, msgID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if set, ok := t.channels[channelID]; ok {
		delete(set, msgID)
	}
}

// Count returns the number of in-flight messages for a channel.
func (t *ActiveTracker) Count(channelID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels[channelID])
}

// Total returns the number of in-flight messages across all channels.
func (t *ActiveTracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := 0
	for _, set := range t.channels {
		total += len(set)
	}
	return total
}

// Forget drops all state for a channel. Called when an unsubscribe
// finalizes so a later resubscribe starts clean.
func (t *ActiveTracker) Forget(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, channelID)
}
