package jetstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"jetwatch/internal/atproto/followgraph"
	"jetwatch/internal/atproto/identity"
	"jetwatch/internal/core/changes"
	"jetwatch/internal/core/monitoring"
)

// State is one of the main stream's lifecycle states.
type State string

const (
	StateInit         State = "init"
	StateIdle         State = "idle"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

const backfillThreshold = 60 * time.Second
const stopCursorKey = "stop_cursor"
const stopTimeKey = "stop_time"
const resumeWindow = 24 * time.Hour

// MainStream is the single long-lived firehose consumer: it owns the
// canonical cursor, the monitored-DID set pushed upstream, and the
// reconnect/backoff state machine described for the system's primary
// stream.
type MainStream struct {
	hosts           []string
	changesRepo     changes.Repository
	monitoringRepo  monitoring.Repository
	resolver        identity.Resolver
	followClient    *followgraph.Client
	broadcaster     *Broadcaster
	tempPool        *TempPool

	mu               sync.Mutex
	state            State
	cursor           *int64
	startedAt        time.Time
	inBackfill       bool
	reconnectAttempt int
	dispatcher       *Dispatcher

	cancel context.CancelFunc

	reconcileCh chan struct{}
	fastReconnect bool
}

// NewMainStream builds a MainStream in the INIT state.
func NewMainStream(
	hosts []string,
	changesRepo changes.Repository,
	monitoringRepo monitoring.Repository,
	resolver identity.Resolver,
	followClient *followgraph.Client,
	broadcaster *Broadcaster,
) *MainStream {
	return &MainStream{
		hosts:          hosts,
		changesRepo:    changesRepo,
		monitoringRepo: monitoringRepo,
		resolver:       resolver,
		followClient:   followClient,
		broadcaster:    broadcaster,
		state:          StateInit,
		reconcileCh:    make(chan struct{}, 1),
	}
}

// SetTempPool wires the temp pool for auto-restart scans once the main
// stream becomes ready. Must be called before Start.
func (m *MainStream) SetTempPool(pool *TempPool) {
	m.tempPool = pool
}

func (m *MainStream) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *MainStream) getState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start runs the follow-sync bootstrap, then connects and serves until
// Stop or ctx is cancelled. It returns once the background loop has
// been launched; it does not block for the lifetime of the stream.
func (m *MainStream) Start(ctx context.Context, seedCursor *int64) error {
	m.mu.Lock()
	if m.state != StateInit && m.state != StateIdle && m.state != StateStopped {
		m.mu.Unlock()
		return fmt.Errorf("main stream already running (state=%s)", m.state)
	}
	m.mu.Unlock()

	m.bootstrapFollows(ctx)

	cursor := seedCursor
	if cursor == nil {
		cursor = m.GetRecommendedStartCursor(ctx)
	}

	m.dispatcher = NewDispatcher(
		m.changesRepo, m.monitoringRepo, m.resolver,
		false, "", m.isInBackfill, m.RequestReconcile,
	)
	if m.tempPool != nil {
		m.dispatcher.SetTempPool(m.tempPool)
	}

	m.mu.Lock()
	m.cursor = cursor
	m.startedAt = time.Now()
	m.reconnectAttempt = 0
	if cursor != nil && cursorNowMicros()-*cursor > backfillThreshold.Microseconds() {
		m.inBackfill = true
	} else {
		m.inBackfill = false
	}
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go m.run(runCtx)
	go m.scheduleAutoRestart(runCtx)

	return nil
}

// bootstrapFollows fetches each monitoring user's current follow list
// and reconciles it against monitored_follows. Non-fatal on failure.
func (m *MainStream) bootstrapFollows(ctx context.Context) {
	if m.followClient == nil {
		return
	}
	userDIDs, err := m.monitoringRepo.ListMonitoringUserDIDs(ctx)
	if err != nil {
		log.Printf("mainstream: bootstrap: failed to list monitoring users: %v", err)
		return
	}

	for _, userDID := range userDIDs {
		remote, err := m.followClient.GetFollows(ctx, userDID)
		if err != nil {
			log.Printf("mainstream: bootstrap: failed to fetch follows for %s: %v", userDID, err)
			continue
		}

		follows := make([]monitoring.Follow, 0, len(remote))
		for _, f := range remote {
			follows = append(follows, monitoring.Follow{
				UserDID:      userDID,
				FollowDID:    f.DID,
				FollowHandle: f.Handle,
			})
		}
		if err := m.monitoringRepo.UpsertFollows(ctx, userDID, follows); err != nil {
			log.Printf("mainstream: bootstrap: failed to upsert follows for %s: %v", userDID, err)
		}
	}
}

// run is the reconnect loop: connect, serve until the socket drops,
// then back off (or reconnect immediately for a reconcile-triggered
// close) and try again. A reconcile request that arrives during the
// backoff cuts it short and resets the attempt counter.
func (m *MainStream) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.shutdown(ctx)
			return
		default:
		}

		dids, err := m.wantedDIDs(ctx)
		if err != nil {
			log.Printf("mainstream: failed to gather wanted DIDs: %v", err)
		}
		if len(dids) == 0 {
			m.setState(StateIdle)
			select {
			case <-m.reconcileCh:
				continue
			case <-ctx.Done():
				m.shutdown(ctx)
				return
			}
		}

		m.setState(StateConnected)
		err = m.connectAndServe(ctx)
		if ctx.Err() != nil {
			m.shutdown(ctx)
			return
		}
		if err != nil {
			log.Printf("mainstream: connection error: %v", err)
		}

		m.mu.Lock()
		fast := m.fastReconnect
		m.fastReconnect = false
		if fast {
			m.reconnectAttempt = 0
		}
		attempt := m.reconnectAttempt
		m.reconnectAttempt++
		m.mu.Unlock()

		m.setState(StateReconnecting)

		if fast {
			continue
		}

		wait := backoffFor(attempt)
		select {
		case <-time.After(wait):
		case <-m.reconcileCh:
			m.mu.Lock()
			m.reconnectAttempt = 0
			m.mu.Unlock()
		case <-ctx.Done():
			m.shutdown(ctx)
			return
		}
	}
}

func backoffFor(attempt int) time.Duration {
	d := time.Duration(1) * time.Second
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// connectAndServe opens one WebSocket connection, sends the options
// message, and reads until the socket closes or ctx is cancelled.
func (m *MainStream) connectAndServe(ctx context.Context) error {
	m.mu.Lock()
	cursor := m.cursor
	m.mu.Unlock()

	url, host, err := buildSubscribeURL(m.hosts, cursor)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", host, err)
	}
	defer conn.Close()

	log.Printf("mainstream: connected to %s", host)

	dids, err := m.wantedDIDs(ctx)
	if err != nil {
		log.Printf("mainstream: failed to gather wanted DIDs: %v", err)
	}
	opts, dropped := buildOptionsMessage(dids)
	if dropped > 0 {
		log.Printf("mainstream: dropped %d DIDs beyond the %d cap", dropped, MaxWantedDIDs)
	}
	if err := conn.WriteJSON(opts); err != nil {
		return fmt.Errorf("send options message: %w", err)
	}

	done := make(chan struct{})
	var closeOnce sync.Once

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					closeOnce.Do(func() { close(done) })
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		select {
		case <-m.reconcileCh:
			m.mu.Lock()
			m.fastReconnect = true
			m.mu.Unlock()
			closeOnce.Do(func() { close(done) })
		case <-done:
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return fmt.Errorf("connection reset (reconcile or ping failure)")
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				closeOnce.Do(func() { close(done) })
				return fmt.Errorf("read: %w", err)
			}
			m.handleMessage(ctx, message)
		}
	}
}

func (m *MainStream) handleMessage(ctx context.Context, raw []byte) {
	ev, err := decodeEvent(raw)
	if err != nil {
		log.Printf("mainstream: skipping malformed frame: %v", err)
		return
	}

	if err := m.dispatcher.Dispatch(ctx, ev); err != nil {
		log.Printf("mainstream: handler error for did=%s kind=%s: %v", ev.Did, ev.Kind, err)
		return
	}

	m.mu.Lock()
	m.cursor = &ev.TimeUS
	if m.inBackfill && ev.TimeUS >= m.startedAt.UnixMicro() {
		m.inBackfill = false
	}
	m.mu.Unlock()

	m.broadcaster.BroadcastCursor(CursorUpdate{
		Timestamp:    microsToTime(ev.TimeUS),
		IsInBackfill: m.isInBackfill(),
	})
}

func (m *MainStream) isInBackfill() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inBackfill
}

// wantedDIDs gathers monitoring-user DIDs (placed first so the 10,000
// cap never truncates them) followed by their follow targets, minus
// the ignored set.
func (m *MainStream) wantedDIDs(ctx context.Context) ([]string, error) {
	userDIDs, err := m.monitoringRepo.ListMonitoringUserDIDs(ctx)
	if err != nil {
		return nil, err
	}
	followDIDs, err := m.monitoringRepo.ListFollowDIDs(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(userDIDs)+len(followDIDs))
	var out []string
	for _, did := range userDIDs {
		if _, dup := seen[did]; dup {
			continue
		}
		ignored, err := m.changesRepo.IsIgnored(ctx, did)
		if err != nil || ignored {
			continue
		}
		seen[did] = struct{}{}
		out = append(out, did)
	}
	for _, did := range followDIDs {
		if _, dup := seen[did]; dup {
			continue
		}
		ignored, err := m.changesRepo.IsIgnored(ctx, did)
		if err != nil || ignored {
			continue
		}
		seen[did] = struct{}{}
		out = append(out, did)
	}
	return out, nil
}

// RequestReconcile signals that the DID set changed. At most one
// pending reconcile is kept; a fast reconnect follows.
func (m *MainStream) RequestReconcile() {
	select {
	case m.reconcileCh <- struct{}{}:
	default:
	}
}

// Stop persists the resume cursor and halts the background loop.
func (m *MainStream) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *MainStream) shutdown(ctx context.Context) {
	m.mu.Lock()
	cursor := m.cursor
	m.mu.Unlock()

	if cursor != nil {
		bg := context.Background()
		if err := m.monitoringRepo.SetProcessState(bg, stopCursorKey, fmt.Sprintf("%d", *cursor)); err != nil {
			log.Printf("mainstream: failed to persist stop cursor: %v", err)
		}
		if err := m.monitoringRepo.SetProcessState(bg, stopTimeKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
			log.Printf("mainstream: failed to persist stop time: %v", err)
		}
	}

	m.mu.Lock()
	m.cursor = nil
	m.startedAt = time.Time{}
	m.state = StateStopped
	m.mu.Unlock()
}

// GetRecommendedStartCursor returns the persisted stop cursor if it is
// less than 24h old, otherwise nil (subscribe live).
func (m *MainStream) GetRecommendedStartCursor(ctx context.Context) *int64 {
	stopTimeStr, ok, err := m.monitoringRepo.GetProcessState(ctx, stopTimeKey)
	if err != nil || !ok {
		return nil
	}
	stopTime, err := time.Parse(time.RFC3339, stopTimeStr)
	if err != nil || time.Since(stopTime) > resumeWindow {
		return nil
	}

	cursorStr, ok, err := m.monitoringRepo.GetProcessState(ctx, stopCursorKey)
	if err != nil || !ok {
		return nil
	}
	var cursor int64
	if _, err := fmt.Sscanf(cursorStr, "%d", &cursor); err != nil {
		return nil
	}
	return &cursor
}

// CursorInfo is the GetCursorInfo() response shape.
type CursorInfo struct {
	Cursor       *int64
	IsInBackfill bool
}

func (m *MainStream) GetCursorInfo() CursorInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CursorInfo{Cursor: m.cursor, IsInBackfill: m.inBackfill}
}

// UptimeInfo is the GetUptimeInfo() response shape.
type UptimeInfo struct {
	StartedAt time.Time
	Uptime    time.Duration
}

func (m *MainStream) GetUptimeInfo() UptimeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startedAt.IsZero() {
		return UptimeInfo{}
	}
	return UptimeInfo{StartedAt: m.startedAt, Uptime: time.Since(m.startedAt)}
}

// IsRunningWithCursor reports whether the stream holds a non-nil
// cursor and has been up for at least 30s — the precondition the temp
// pool's auto-restart scan waits for.
func (m *MainStream) IsRunningWithCursor() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor != nil && !m.startedAt.IsZero() && time.Since(m.startedAt) >= 30*time.Second
}

// GetMainStreamStatus returns the status broadcaster's main-stream
// contribution to a snapshot.
func (m *MainStream) GetMainStreamStatus(ctx context.Context) MainStreamStatus {
	m.mu.Lock()
	running := m.state == StateConnected || m.state == StateReconnecting
	m.mu.Unlock()

	count := 0
	if dids, err := m.monitoringRepo.ListFollowDIDs(ctx); err == nil {
		count = len(dids)
	}

	return MainStreamStatus{Running: running, MonitoredDIDs: count, HasValidCursor: m.IsRunningWithCursor()}
}

// scheduleAutoRestart waits for the main stream to be running with a
// valid cursor, then asks the temp pool to scan for pending backfills.
// Retries once after 30s if the main stream wasn't ready yet.
func (m *MainStream) scheduleAutoRestart(ctx context.Context) {
	if m.tempPool == nil {
		return
	}
	if m.IsRunningWithCursor() {
		m.tempPool.ScanAndRestartPending(ctx)
		return
	}
	select {
	case <-time.After(30 * time.Second):
	case <-ctx.Done():
		return
	}
	if m.IsRunningWithCursor() {
		m.tempPool.ScanAndRestartPending(ctx)
	}
}

func microsToTime(us int64) *time.Time {
	t := time.UnixMicro(us)
	return &t
}

func decodeEvent(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
