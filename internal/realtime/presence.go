package realtime

import (
	"sync"
	"time"

	"github.com/sobranie-app/realtime/internal/observability"
)

// presenceEntry is the tracked state for one online subject. Subjects with
// no entry are offline.
type presenceEntry struct {
	status   PresenceStatus
	lastSeen time.Time
}

// PresenceTracker maintains online status per subject and announces visible
// changes on the presence channel. Multiple connections from the same subject
// collapse to one presence entry; only the first open and the last close are
// announced.
type PresenceTracker struct {
	registry    *Registry
	broadcaster *Broadcaster
	metrics     *observability.Metrics

	mu      sync.RWMutex
	entries map[string]*presenceEntry
}

// NewPresenceTracker creates a tracker over the given registry and broadcaster
func NewPresenceTracker(registry *Registry, broadcaster *Broadcaster) *PresenceTracker {
	return &PresenceTracker{
		registry:    registry,
		broadcaster: broadcaster,
		entries:     make(map[string]*presenceEntry),
	}
}

// SetMetrics attaches metrics collection
func (t *PresenceTracker) SetMetrics(m *observability.Metrics) {
	t.metrics = m
}

// OnConnectionOpened records a subject coming online. The online transition
// is announced only for the subject's first connection.
func (t *PresenceTracker) OnConnectionOpened(subjectID string) {
	now := time.Now()

	t.mu.Lock()
	_, known := t.entries[subjectID]
	if !known {
		t.entries[subjectID] = &presenceEntry{status: StatusOnline, lastSeen: now}
	} else {
		t.entries[subjectID].lastSeen = now
	}
	t.mu.Unlock()

	if !known {
		t.announce(subjectID, StatusOnline, now)
	}
}

// OnConnectionClosed records a connection going away. The offline transition
// is announced only once the subject has no remaining connections.
func (t *PresenceTracker) OnConnectionClosed(subjectID string) {
	if len(t.registry.ConnectionsOf(subjectID)) > 0 {
		return
	}

	now := time.Now()

	t.mu.Lock()
	_, known := t.entries[subjectID]
	delete(t.entries, subjectID)
	t.mu.Unlock()

	if known {
		t.announce(subjectID, StatusOffline, now)
	}
}

// SetStatus applies a client-requested status change. Setting the current
// status again refreshes lastSeen without an announcement.
func (t *PresenceTracker) SetStatus(subjectID string, status PresenceStatus) {
	now := time.Now()

	if status == StatusOffline {
		// Going offline by request removes the entry like a disconnect would
		t.mu.Lock()
		_, known := t.entries[subjectID]
		delete(t.entries, subjectID)
		t.mu.Unlock()
		if known {
			t.announce(subjectID, StatusOffline, now)
		}
		return
	}

	t.mu.Lock()
	entry, known := t.entries[subjectID]
	changed := !known || entry.status != status
	if !known {
		t.entries[subjectID] = &presenceEntry{status: status, lastSeen: now}
	} else {
		entry.status = status
		entry.lastSeen = now
	}
	t.mu.Unlock()

	if changed {
		t.announce(subjectID, status, now)
	}
}

// StatusOf returns the current status of a subject. Unknown subjects are
// offline.
func (t *PresenceTracker) StatusOf(subjectID string) PresenceStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if entry, ok := t.entries[subjectID]; ok {
		return entry.status
	}
	return StatusOffline
}

// OnlineCount returns the number of subjects with a non-offline status
func (t *PresenceTracker) OnlineCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *PresenceTracker) announce(subjectID string, status PresenceStatus, at time.Time) {
	t.broadcaster.Publish(PresenceChannel, NewPresenceEvent(PresencePayload{
		UserID:   subjectID,
		Status:   status,
		LastSeen: at.UTC().Format(time.RFC3339),
	}), "")
	t.metrics.RecordPresenceChange(string(status))
}
