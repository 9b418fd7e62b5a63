package jetstream

import (
	"sync"
	"time"
)

// MainStreamStatus is the main stream's contribution to a status snapshot.
type MainStreamStatus struct {
	Running        bool
	MonitoredDIDs  int
	HasValidCursor bool
}

// TempPoolStatus is the temp pool's contribution to a status snapshot.
type TempPoolStatus struct {
	Active         int
	Max            int
	QueueLength    int
	AvailableSlots int
}

// UserStatus describes one monitoring user's backfill lifecycle.
type UserStatus struct {
	DID                  string
	Handle               string
	MonitoredCount       int
	LastStartedAt        *time.Time
	LastCompletedAt      *time.Time
	HasCompletedBackfill bool
}

// Snapshot is the full aggregated status the broadcaster distributes.
type Snapshot struct {
	MainStream MainStreamStatus
	TempPool   TempPoolStatus
	Users      []UserStatus
	ActiveTemp []string // DIDs currently holding a temp stream
}

// CursorUpdate is the lighter, more frequent notification distinct
// from a full Snapshot.
type CursorUpdate struct {
	Timestamp    *time.Time
	IsInBackfill bool
}

// Subscriber receives broadcast snapshots and cursor updates. Both
// methods must return quickly; the broadcaster calls them under lock.
type Subscriber interface {
	OnSnapshot(Snapshot)
	OnCursorUpdate(CursorUpdate)
}

// Broadcaster fans status out to a dynamic set of subscribers, in
// place of the single-callback-slot pattern: any number of external
// collaborators can register and unregister independently.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[int]Subscriber
	next int
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]Subscriber)}
}

// Register adds a subscriber and returns a token for Unregister.
func (b *Broadcaster) Register(s Subscriber) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	token := b.next
	b.next++
	b.subs[token] = s
	return token
}

// Unregister removes a subscriber previously added with Register.
func (b *Broadcaster) Unregister(token int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, token)
}

// BroadcastSnapshot sends snap to every registered subscriber.
func (b *Broadcaster) BroadcastSnapshot(snap Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		s.OnSnapshot(snap)
	}
}

// BroadcastCursor sends a cursor update to every registered subscriber.
func (b *Broadcaster) BroadcastCursor(update CursorUpdate) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		s.OnCursorUpdate(update)
	}
}
