package jetstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"jetwatch/internal/atproto/identity"
	"jetwatch/internal/core/changes"
	"jetwatch/internal/core/monitoring"
)

// DefaultTempStreamMax is the default concurrent temp-stream cap.
const DefaultTempStreamMax = 50

// StartResult is the startForUser response shape.
type StartResult struct {
	Queued   bool
	Position int
}

// CanStartResult is the canStart response shape.
type CanStartResult struct {
	Allowed       bool
	Reason        string
	QueuePosition int
}

type queuedRequest struct {
	userDID    string
	followDIDs []string
}

type activeTempStream struct {
	userDID string
	cancel  context.CancelFunc
}

// TempPool manages a bounded set of short-lived backfill streams, one
// per newly monitored user, with a FIFO wait queue for overflow.
type TempPool struct {
	hosts          []string
	max            int
	changesRepo    changes.Repository
	monitoringRepo monitoring.Repository
	resolver       identity.Resolver
	broadcaster    *Broadcaster

	mu     sync.Mutex
	active map[string]*activeTempStream
	queue  []queuedRequest
}

// NewTempPool builds a TempPool bounded at max concurrent streams.
func NewTempPool(
	hosts []string,
	max int,
	changesRepo changes.Repository,
	monitoringRepo monitoring.Repository,
	resolver identity.Resolver,
	broadcaster *Broadcaster,
) *TempPool {
	if max <= 0 {
		max = DefaultTempStreamMax
	}
	return &TempPool{
		hosts:          hosts,
		max:            max,
		changesRepo:    changesRepo,
		monitoringRepo: monitoringRepo,
		resolver:       resolver,
		broadcaster:    broadcaster,
		active:         make(map[string]*activeTempStream),
	}
}

// CanStart reports whether userDID could start a temp stream now.
func (p *TempPool) CanStart(userDID string) CanStartResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.active[userDID]; ok {
		return CanStartResult{Allowed: false, Reason: "already active"}
	}
	for _, q := range p.queue {
		if q.userDID == userDID {
			return CanStartResult{Allowed: false, Reason: "already queued"}
		}
	}
	if len(p.active) < p.max {
		return CanStartResult{Allowed: true}
	}
	return CanStartResult{Allowed: true, QueuePosition: len(p.queue) + 1}
}

// StartForUser starts (or enqueues) a temp stream for userDID over
// followDIDs, following the capacity/queue contract.
func (p *TempPool) StartForUser(ctx context.Context, userDID string, followDIDs []string) (StartResult, error) {
	p.mu.Lock()
	if _, ok := p.active[userDID]; ok {
		p.mu.Unlock()
		return StartResult{}, fmt.Errorf("user %s already has an active temp stream", userDID)
	}
	for _, q := range p.queue {
		if q.userDID == userDID {
			p.mu.Unlock()
			return StartResult{}, fmt.Errorf("user %s is already queued", userDID)
		}
	}

	if len(p.active) >= p.max {
		p.queue = append(p.queue, queuedRequest{userDID: userDID, followDIDs: followDIDs})
		position := len(p.queue)
		p.mu.Unlock()
		return StartResult{Queued: true, Position: position}, nil
	}
	p.mu.Unlock()

	p.launch(ctx, userDID, followDIDs)
	return StartResult{Queued: false}, nil
}

// StopForUser best-effort stops userDID's active temp stream.
func (p *TempPool) StopForUser(userDID string) {
	p.mu.Lock()
	s, ok := p.active[userDID]
	p.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// Status returns the temp pool's current occupancy.
func (p *TempPool) Status() TempPoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return TempPoolStatus{
		Active:         len(p.active),
		Max:            p.max,
		QueueLength:    len(p.queue),
		AvailableSlots: p.max - len(p.active),
	}
}

// ActiveUsers returns the DIDs currently holding a temp stream.
func (p *TempPool) ActiveUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.active))
	for did := range p.active {
		out = append(out, did)
	}
	return out
}

func (p *TempPool) launch(parentCtx context.Context, userDID string, followDIDs []string) {
	ctx, cancel := context.WithCancel(parentCtx)

	p.mu.Lock()
	p.active[userDID] = &activeTempStream{userDID: userDID, cancel: cancel}
	p.mu.Unlock()

	go func() {
		p.runOne(ctx, userDID, followDIDs)

		p.mu.Lock()
		delete(p.active, userDID)
		var next *queuedRequest
		if len(p.queue) > 0 {
			nr := p.queue[0]
			p.queue = p.queue[1:]
			next = &nr
		}
		p.mu.Unlock()

		if next != nil {
			p.launch(parentCtx, next.userDID, next.followDIDs)
		}
	}()
}

// runOne runs the full lifecycle of one temporary backfill stream.
func (p *TempPool) runOne(ctx context.Context, userDID string, followDIDs []string) {
	handle, err := p.resolver.Resolve(ctx, userDID)
	if err != nil || handle == "" {
		handle = userDID
	}
	logPrefix := fmt.Sprintf("tempstream[%s]: ", handle)

	filtered := make([]string, 0, len(followDIDs))
	for _, did := range followDIDs {
		ignored, err := p.changesRepo.IsIgnored(ctx, did)
		if err != nil {
			continue
		}
		if !ignored {
			filtered = append(filtered, did)
		}
	}

	if len(filtered) == 0 {
		if err := p.monitoringRepo.MarkBackfillStarted(ctx, userDID); err != nil {
			log.Printf("%sfailed to mark backfill started: %v", logPrefix, err)
		}
		if err := p.monitoringRepo.MarkBackfillCompleted(ctx, userDID); err != nil {
			log.Printf("%sfailed to mark backfill completed: %v", logPrefix, err)
		}
		p.broadcastStatus(ctx)
		return
	}

	if err := p.monitoringRepo.MarkBackfillStarted(ctx, userDID); err != nil {
		log.Printf("%sfailed to mark backfill started: %v", logPrefix, err)
	}

	startTime := time.Now()
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			p.finish(ctx, userDID, logPrefix)
			return
		default:
		}

		caughtUp, err := p.connectAndReplay(ctx, userDID, filtered, startTime, logPrefix)
		if caughtUp || ctx.Err() != nil {
			p.finish(ctx, userDID, logPrefix)
			return
		}
		if err != nil {
			log.Printf("%sconnection error: %v", logPrefix, err)
		}

		wait := backoffFor(attempt)
		attempt++
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			p.finish(ctx, userDID, logPrefix)
			return
		}
	}
}

func (p *TempPool) finish(ctx context.Context, userDID, logPrefix string) {
	bg := context.Background()
	if err := p.monitoringRepo.MarkBackfillCompleted(bg, userDID); err != nil {
		log.Printf("%sfailed to mark backfill completed: %v", logPrefix, err)
	}
	p.broadcastStatus(bg)
}

// connectAndReplay opens one connection and replays events for
// followDIDs until the catch-up threshold is reached (return true) or
// the socket drops (return false, err).
func (p *TempPool) connectAndReplay(ctx context.Context, userDID string, followDIDs []string, startTime time.Time, logPrefix string) (bool, error) {
	cursor := cursor24hAgoMicros()
	url, host, err := buildSubscribeURL(p.hosts, &cursor)
	if err != nil {
		return false, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", host, err)
	}
	defer conn.Close()

	opts, _ := buildOptionsMessage(followDIDs)
	if err := conn.WriteJSON(opts); err != nil {
		return false, fmt.Errorf("send options: %w", err)
	}

	dispatcher := NewDispatcher(p.changesRepo, p.monitoringRepo, p.resolver, true, logPrefix, nil, nil)
	startWallUS := startTime.UnixMicro()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return false, fmt.Errorf("read: %w", err)
		}

		var ev Event
		if err := json.Unmarshal(message, &ev); err != nil {
			log.Printf("%sskipping malformed frame: %v", logPrefix, err)
			continue
		}

		if err := dispatcher.Dispatch(ctx, &ev); err != nil {
			log.Printf("%shandler error: %v", logPrefix, err)
			continue
		}

		if ev.TimeUS >= startWallUS {
			return true, nil
		}
	}
}

func (p *TempPool) broadcastStatus(ctx context.Context) {
	if p.broadcaster == nil {
		return
	}
	p.broadcaster.BroadcastSnapshot(Snapshot{
		TempPool:   p.Status(),
		ActiveTemp: p.ActiveUsers(),
	})
}

// ScanAndRestartPending re-enqueues a temp stream for every monitoring
// user whose last backfill never completed, for auto-restart on boot.
func (p *TempPool) ScanAndRestartPending(ctx context.Context) {
	pending, err := p.monitoringRepo.ListPendingBackfills(ctx)
	if err != nil {
		log.Printf("tempstream: failed to list pending backfills: %v", err)
		return
	}

	for _, state := range pending {
		follows, err := p.monitoringRepo.ListFollowsForUser(ctx, state.UserDID)
		if err != nil {
			log.Printf("tempstream: failed to list follows for %s: %v", state.UserDID, err)
			continue
		}
		dids := make([]string, 0, len(follows))
		for _, f := range follows {
			dids = append(dids, f.FollowDID)
		}
		if _, err := p.StartForUser(ctx, state.UserDID, dids); err != nil {
			log.Printf("tempstream: auto-restart skipped for %s: %v", state.UserDID, err)
		}
	}
}
