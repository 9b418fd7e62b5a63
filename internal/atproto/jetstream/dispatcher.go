package jetstream

import (
	"context"
	"log"

	"jetwatch/internal/atproto/identity"
	"jetwatch/internal/core"
	"jetwatch/internal/core/changes"
	"jetwatch/internal/core/monitoring"
)

// profileSnapshot is the in-memory picture of a DID's last-seen
// handle/displayName/avatar, owned exclusively by one stream's reader
// goroutine. It is never shared across streams.
type profileSnapshot struct {
	Handle      string
	DisplayName string
	AvatarRef   string
	seen        bool
}

// Dispatcher routes decoded Jetstream events to the persistence layer,
// following the per-kind handlers described for identity, profile and
// follow commits.
type Dispatcher struct {
	changes    changes.Repository
	monitoring monitoring.Repository
	resolver   identity.Resolver

	snapshots map[string]*profileSnapshot

	// isTempStream marks a dispatcher instance owned by a temporary
	// backfill stream: follow events are always processed regardless
	// of the main stream's backfill state, and log lines are prefixed.
	isTempStream bool
	logPrefix    string

	// inBackfill reports whether the owning stream currently considers
	// itself behind live (main stream only; temp streams pass a
	// function that always returns false).
	inBackfill func() bool

	// requestReconcile notifies the main stream manager that the DID
	// set changed and a reconciliation should run. Temp streams pass a
	// no-op.
	requestReconcile func()

	// tempPool is asked to backfill a newly-followed DID's last 24h
	// when a live (non-temp) follow-create is processed. nil for temp
	// streams and for dispatchers built before the pool exists.
	tempPool *TempPool
}

// SetTempPool wires the temp backfill pool so live follow-create
// events can request a backfill for the newly-followed DID (spec §2,
// §4.D.3, scenario S4). Temp-stream dispatchers never call this.
func (d *Dispatcher) SetTempPool(pool *TempPool) {
	d.tempPool = pool
}

// NewDispatcher builds a Dispatcher for one stream instance.
func NewDispatcher(
	changesRepo changes.Repository,
	monitoringRepo monitoring.Repository,
	resolver identity.Resolver,
	isTempStream bool,
	logPrefix string,
	inBackfill func() bool,
	requestReconcile func(),
) *Dispatcher {
	if inBackfill == nil {
		inBackfill = func() bool { return false }
	}
	if requestReconcile == nil {
		requestReconcile = func() {}
	}
	return &Dispatcher{
		changes:          changesRepo,
		monitoring:       monitoringRepo,
		resolver:         resolver,
		snapshots:        make(map[string]*profileSnapshot),
		isTempStream:     isTempStream,
		logPrefix:        logPrefix,
		inBackfill:       inBackfill,
		requestReconcile: requestReconcile,
	}
}

// Dispatch routes a decoded event to its handler. A non-nil error
// means the caller must NOT advance its cursor for this event.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) error {
	switch ev.Kind {
	case "identity":
		return d.handleIdentity(ctx, ev)
	case "commit":
		if ev.Commit == nil {
			return nil
		}
		switch ev.Commit.Collection {
		case CollectionProfile:
			return d.handleProfileCommit(ctx, ev)
		case CollectionFollow:
			return d.handleFollowCommit(ctx, ev)
		}
		return nil
	default:
		return nil
	}
}

func (d *Dispatcher) snapshotFor(did string) *profileSnapshot {
	s, ok := d.snapshots[did]
	if !ok {
		s = &profileSnapshot{}
		d.snapshots[did] = s
	}
	return s
}

// handleIdentity implements §4.D.1.
func (d *Dispatcher) handleIdentity(ctx context.Context, ev *Event) error {
	if ev.Identity == nil {
		return nil
	}
	did := ev.Identity.Did
	newHandle := ev.Identity.Handle

	snap := d.snapshotFor(did)

	oldHandle := snap.Handle
	if oldHandle == "" {
		if last, err := d.changes.LastKnownHandle(ctx, did); err == nil {
			oldHandle = last
		}
	}
	if oldHandle == "" {
		if prev, err := d.resolver.ResolvePrevious(ctx, did); err == nil {
			oldHandle = prev
		}
	}
	if oldHandle == "" {
		if cur, err := d.resolver.Resolve(ctx, did); err == nil {
			oldHandle = cur
		}
	}

	snap.Handle = newHandle
	snap.seen = true

	if oldHandle == "" || newHandle == "" || oldHandle == newHandle {
		return nil
	}

	candidate := changes.Candidate{
		DID:       did,
		Handle:    newHandle,
		OldHandle: oldHandle,
		NewHandle: newHandle,
	}
	return core.WithRetry(ctx, func(ctx context.Context) error {
		_, err := d.changes.Insert(ctx, candidate)
		return err
	})
}

// handleProfileCommit implements §4.D.2.
func (d *Dispatcher) handleProfileCommit(ctx context.Context, ev *Event) error {
	if ev.Commit.Operation == "delete" {
		return nil
	}

	record, err := parseRecord[ProfileRecord](ev.Commit.Record)
	if err != nil {
		log.Printf("%sskipping malformed profile record for %s: %v", d.logPrefix, ev.Did, err)
		return nil
	}

	newDisplayName := record.DisplayName
	newAvatar := record.AvatarRef()

	snap := d.snapshotFor(ev.Did)
	firstCapture := !snap.seen

	if !firstCapture {
		if snap.DisplayName == newDisplayName && snap.AvatarRef == newAvatar {
			return nil
		}
	}

	oldDisplayName := snap.DisplayName
	oldAvatar := snap.AvatarRef

	snap.DisplayName = newDisplayName
	snap.AvatarRef = newAvatar
	snap.seen = true

	if firstCapture {
		return nil
	}

	handle := snap.Handle
	if handle == "" {
		if h, err := d.resolver.Resolve(ctx, ev.Did); err == nil {
			handle = h
		}
	}

	candidate := changes.Candidate{
		DID:            ev.Did,
		Handle:         handle,
		OldDisplayName: oldDisplayName,
		NewDisplayName: newDisplayName,
		OldAvatar:      oldAvatar,
		NewAvatar:      newAvatar,
	}
	return core.WithRetry(ctx, func(ctx context.Context) error {
		_, err := d.changes.Insert(ctx, candidate)
		return err
	})
}

// handleFollowCommit implements §4.D.3.
func (d *Dispatcher) handleFollowCommit(ctx context.Context, ev *Event) error {
	if ev.Commit.Operation != "create" && ev.Commit.Operation != "delete" {
		return nil
	}

	follower := ev.Did
	isMonitoring, err := d.monitoring.IsMonitoringUser(ctx, follower)
	if err != nil {
		return err
	}
	if !isMonitoring {
		return nil
	}

	if !d.isTempStream && d.inBackfill() {
		return nil
	}

	switch ev.Commit.Operation {
	case "create":
		return d.handleFollowCreate(ctx, follower, ev)
	case "delete":
		return d.handleFollowDelete(ctx, follower, ev)
	}
	return nil
}

func (d *Dispatcher) handleFollowCreate(ctx context.Context, follower string, ev *Event) error {
	record, err := parseRecord[FollowRecord](ev.Commit.Record)
	if err != nil || record.Subject == "" {
		log.Printf("%sskipping malformed follow record for %s: %v", d.logPrefix, follower, err)
		return nil
	}

	subject := record.Subject
	rkey := ev.Commit.RKey

	handle, err := d.resolver.Resolve(ctx, subject)
	if err != nil {
		handle = ""
	}

	var inserted bool
	err = core.WithRetry(ctx, func(ctx context.Context) error {
		var retryErr error
		inserted, retryErr = d.monitoring.AddFollow(ctx, monitoring.Follow{
			UserDID:      follower,
			FollowDID:    subject,
			FollowHandle: handle,
			RecordKey:    rkey,
		})
		return retryErr
	})
	if err != nil {
		return err
	}

	if !inserted {
		if d.isTempStream {
			log.Printf("%sfollow %s -> %s already recorded", d.logPrefix, follower, subject)
		}
		return nil
	}

	d.requestReconcile()
	d.requestBackfill(ctx, follower, subject)
	return nil
}

// requestBackfill asks the temp pool to catch up the last 24h for a
// newly-followed DID, for the live main-stream path only (spec §2,
// §4.D.3, scenario S4). A temp stream never requests another temp
// stream. A full pool queues the request; a user who already has an
// active or queued temp stream is logged and skipped, not an error
// worth failing the event over.
func (d *Dispatcher) requestBackfill(ctx context.Context, follower, subject string) {
	if d.isTempStream || d.tempPool == nil {
		return
	}
	if _, err := d.tempPool.StartForUser(ctx, follower, []string{subject}); err != nil {
		log.Printf("%sbackfill not started for %s -> %s: %v", d.logPrefix, follower, subject, err)
	}
}

func (d *Dispatcher) handleFollowDelete(ctx context.Context, follower string, ev *Event) error {
	rkey := ev.Commit.RKey
	if rkey == "" {
		return nil
	}

	var removed *monitoring.Follow
	err := core.WithRetry(ctx, func(ctx context.Context) error {
		var retryErr error
		removed, retryErr = d.monitoring.RemoveFollowByRecordKey(ctx, follower, rkey)
		return retryErr
	})
	if err != nil {
		return err
	}
	if removed == nil {
		return nil
	}

	stillFollowed, err := d.monitoring.IsFollowed(ctx, removed.FollowDID)
	if err != nil {
		return err
	}
	if !stillFollowed {
		d.requestReconcile()
	}
	return nil
}
