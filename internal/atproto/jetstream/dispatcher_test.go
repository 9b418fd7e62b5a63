package jetstream

import (
	"context"
	"testing"

	"jetwatch/internal/atproto/identity"
	"jetwatch/internal/core/changes"
	"jetwatch/internal/core/monitoring"
)

// fakeChangesRepo is a hand-rolled test double for changes.Repository.
type fakeChangesRepo struct {
	ignored    map[string]bool
	lastHandle map[string]string
	inserted   []changes.Candidate
	insertErr  error
}

func newFakeChangesRepo() *fakeChangesRepo {
	return &fakeChangesRepo{
		ignored:    make(map[string]bool),
		lastHandle: make(map[string]string),
	}
}

func (f *fakeChangesRepo) IsIgnored(ctx context.Context, did string) (bool, error) {
	return f.ignored[did], nil
}

func (f *fakeChangesRepo) FindDuplicate(ctx context.Context, candidate changes.Candidate) (*changes.Change, error) {
	return nil, nil
}

func (f *fakeChangesRepo) Insert(ctx context.Context, candidate changes.Candidate) (changes.InsertOutcome, error) {
	if f.insertErr != nil {
		return changes.InsertOutcome{}, f.insertErr
	}
	f.inserted = append(f.inserted, candidate)
	f.lastHandle[candidate.DID] = candidate.NewHandle
	return changes.InsertOutcome{Kind: changes.InsertKindInserted}, nil
}

func (f *fakeChangesRepo) LastKnownHandle(ctx context.Context, did string) (string, error) {
	return f.lastHandle[did], nil
}

func (f *fakeChangesRepo) AddIgnored(ctx context.Context, did string) error {
	f.ignored[did] = true
	return nil
}

func (f *fakeChangesRepo) RemoveIgnored(ctx context.Context, did string) error {
	delete(f.ignored, did)
	return nil
}

// fakeMonitoringRepo is a hand-rolled test double for monitoring.Repository.
type fakeMonitoringRepo struct {
	monitoringUsers map[string]bool
	follows         map[string]monitoring.Follow // keyed by userDID+"|"+recordKey
	followedTargets map[string]int
	followDIDs      []string
	processState    map[string]string
	backfillStarted map[string]int
	backfillDone    map[string]int
}

func newFakeMonitoringRepo() *fakeMonitoringRepo {
	return &fakeMonitoringRepo{
		monitoringUsers: make(map[string]bool),
		follows:         make(map[string]monitoring.Follow),
		followedTargets: make(map[string]int),
		processState:    make(map[string]string),
		backfillStarted: make(map[string]int),
		backfillDone:    make(map[string]int),
	}
}

func followKey(userDID, recordKey string) string { return userDID + "|" + recordKey }

func (f *fakeMonitoringRepo) UpsertFollows(ctx context.Context, userDID string, follows []monitoring.Follow) error {
	return nil
}

func (f *fakeMonitoringRepo) AddFollow(ctx context.Context, fl monitoring.Follow) (bool, error) {
	key := followKey(fl.UserDID, fl.RecordKey)
	if _, exists := f.follows[key]; exists {
		return false, nil
	}
	f.follows[key] = fl
	f.followedTargets[fl.FollowDID]++
	return true, nil
}

func (f *fakeMonitoringRepo) RemoveFollowByRecordKey(ctx context.Context, userDID, recordKey string) (*monitoring.Follow, error) {
	key := followKey(userDID, recordKey)
	fl, ok := f.follows[key]
	if !ok {
		return nil, nil
	}
	delete(f.follows, key)
	f.followedTargets[fl.FollowDID]--
	return &fl, nil
}

func (f *fakeMonitoringRepo) IsFollowed(ctx context.Context, did string) (bool, error) {
	return f.followedTargets[did] > 0, nil
}

func (f *fakeMonitoringRepo) AddMonitoringUser(ctx context.Context, did string) error {
	f.monitoringUsers[did] = true
	return nil
}

func (f *fakeMonitoringRepo) RemoveMonitoringUser(ctx context.Context, did string) error {
	delete(f.monitoringUsers, did)
	return nil
}

func (f *fakeMonitoringRepo) ListMonitoringUserDIDs(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(f.monitoringUsers))
	for did := range f.monitoringUsers {
		out = append(out, did)
	}
	return out, nil
}

func (f *fakeMonitoringRepo) IsMonitoringUser(ctx context.Context, did string) (bool, error) {
	return f.monitoringUsers[did], nil
}

func (f *fakeMonitoringRepo) ListFollowDIDs(ctx context.Context) ([]string, error) {
	return f.followDIDs, nil
}

func (f *fakeMonitoringRepo) ListFollowsForUser(ctx context.Context, userDID string) ([]monitoring.Follow, error) {
	return nil, nil
}

func (f *fakeMonitoringRepo) GetBackfillState(ctx context.Context, userDID string) (*monitoring.BackfillState, error) {
	return nil, nil
}

func (f *fakeMonitoringRepo) MarkBackfillStarted(ctx context.Context, userDID string) error {
	f.backfillStarted[userDID]++
	return nil
}

func (f *fakeMonitoringRepo) MarkBackfillCompleted(ctx context.Context, userDID string) error {
	f.backfillDone[userDID]++
	return nil
}

func (f *fakeMonitoringRepo) ListPendingBackfills(ctx context.Context) ([]monitoring.BackfillState, error) {
	return nil, nil
}

func (f *fakeMonitoringRepo) SetProcessState(ctx context.Context, key, value string) error {
	f.processState[key] = value
	return nil
}

func (f *fakeMonitoringRepo) GetProcessState(ctx context.Context, key string) (string, bool, error) {
	v, ok := f.processState[key]
	return v, ok, nil
}

// fakeResolver is a hand-rolled test double for identity.Resolver.
type fakeResolver struct {
	handles  map[string]string
	previous map[string]string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{handles: make(map[string]string), previous: make(map[string]string)}
}

func (f *fakeResolver) Resolve(ctx context.Context, did string) (string, error) {
	return f.handles[did], nil
}

func (f *fakeResolver) ResolvePrevious(ctx context.Context, did string) (string, error) {
	return f.previous[did], nil
}

func (f *fakeResolver) ResolveMany(ctx context.Context, dids []string) ([]identity.ResolvedHandle, error) {
	out := make([]identity.ResolvedHandle, len(dids))
	for i, did := range dids {
		out[i] = identity.ResolvedHandle{DID: did, Handle: f.handles[did]}
	}
	return out, nil
}

func (f *fakeResolver) Purge(did string) {}

func TestHandleIdentity_EmitsChangeOnHandleTransition(t *testing.T) {
	changesRepo := newFakeChangesRepo()
	monitoringRepo := newFakeMonitoringRepo()
	resolver := newFakeResolver()
	changesRepo.lastHandle["did:plc:alice"] = "alice-old.bsky.social"

	d := NewDispatcher(changesRepo, monitoringRepo, resolver, false, "", nil, nil)

	ev := &Event{
		Kind: "identity",
		Did:  "did:plc:alice",
		Identity: &IdentityEvent{
			Did:    "did:plc:alice",
			Handle: "alice-new.bsky.social",
		},
	}

	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(changesRepo.inserted) != 1 {
		t.Fatalf("inserted = %d, want 1", len(changesRepo.inserted))
	}
	got := changesRepo.inserted[0]
	if got.OldHandle != "alice-old.bsky.social" || got.NewHandle != "alice-new.bsky.social" {
		t.Fatalf("unexpected candidate %+v", got)
	}
}

func TestHandleIdentity_NoChangeWhenHandleUnchanged(t *testing.T) {
	changesRepo := newFakeChangesRepo()
	monitoringRepo := newFakeMonitoringRepo()
	resolver := newFakeResolver()
	changesRepo.lastHandle["did:plc:alice"] = "alice.bsky.social"

	d := NewDispatcher(changesRepo, monitoringRepo, resolver, false, "", nil, nil)

	ev := &Event{
		Kind: "identity",
		Did:  "did:plc:alice",
		Identity: &IdentityEvent{
			Did:    "did:plc:alice",
			Handle: "alice.bsky.social",
		},
	}

	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(changesRepo.inserted) != 0 {
		t.Fatalf("inserted = %d, want 0 for unchanged handle", len(changesRepo.inserted))
	}
}

func profileCommitEvent(t *testing.T, did, displayName string) *Event {
	t.Helper()
	return &Event{
		Kind: "commit",
		Did:  did,
		Commit: &CommitEvent{
			Operation:  "create",
			Collection: CollectionProfile,
			Record:     map[string]interface{}{"displayName": displayName},
		},
	}
}

func TestHandleProfileCommit_FirstCaptureIsSilent(t *testing.T) {
	changesRepo := newFakeChangesRepo()
	monitoringRepo := newFakeMonitoringRepo()
	resolver := newFakeResolver()
	d := NewDispatcher(changesRepo, monitoringRepo, resolver, false, "", nil, nil)

	ev := profileCommitEvent(t, "did:plc:alice", "Alice")
	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(changesRepo.inserted) != 0 {
		t.Fatalf("inserted = %d, want 0 on first capture", len(changesRepo.inserted))
	}
}

func TestHandleProfileCommit_SecondCaptureEmitsChange(t *testing.T) {
	changesRepo := newFakeChangesRepo()
	monitoringRepo := newFakeMonitoringRepo()
	resolver := newFakeResolver()
	d := NewDispatcher(changesRepo, monitoringRepo, resolver, false, "", nil, nil)
	ctx := context.Background()

	if err := d.Dispatch(ctx, profileCommitEvent(t, "did:plc:alice", "Alice")); err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	if err := d.Dispatch(ctx, profileCommitEvent(t, "did:plc:alice", "Alice B.")); err != nil {
		t.Fatalf("second Dispatch: %v", err)
	}

	if len(changesRepo.inserted) != 1 {
		t.Fatalf("inserted = %d, want 1", len(changesRepo.inserted))
	}
	got := changesRepo.inserted[0]
	if got.OldDisplayName != "Alice" || got.NewDisplayName != "Alice B." {
		t.Fatalf("unexpected candidate %+v", got)
	}
}

func TestHandleProfileCommit_NoOpWhenUnchanged(t *testing.T) {
	changesRepo := newFakeChangesRepo()
	monitoringRepo := newFakeMonitoringRepo()
	resolver := newFakeResolver()
	d := NewDispatcher(changesRepo, monitoringRepo, resolver, false, "", nil, nil)
	ctx := context.Background()

	d.Dispatch(ctx, profileCommitEvent(t, "did:plc:alice", "Alice"))
	if err := d.Dispatch(ctx, profileCommitEvent(t, "did:plc:alice", "Alice")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(changesRepo.inserted) != 0 {
		t.Fatalf("inserted = %d, want 0 for repeated identical record", len(changesRepo.inserted))
	}
}

func TestHandleProfileCommit_DeleteIsIgnored(t *testing.T) {
	changesRepo := newFakeChangesRepo()
	monitoringRepo := newFakeMonitoringRepo()
	resolver := newFakeResolver()
	d := NewDispatcher(changesRepo, monitoringRepo, resolver, false, "", nil, nil)

	ev := profileCommitEvent(t, "did:plc:alice", "Alice")
	ev.Commit.Operation = "delete"

	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(changesRepo.inserted) != 0 {
		t.Fatalf("inserted = %d, want 0 on delete", len(changesRepo.inserted))
	}
}

func followCommitEvent(op, follower, subject, rkey string) *Event {
	record := map[string]interface{}{"subject": subject, "createdAt": "2026-01-01T00:00:00Z"}
	return &Event{
		Kind: "commit",
		Did:  follower,
		Commit: &CommitEvent{
			Operation:  op,
			Collection: CollectionFollow,
			RKey:       rkey,
			Record:     record,
		},
	}
}

func TestHandleFollowCommit_SkipsNonMonitoringUser(t *testing.T) {
	changesRepo := newFakeChangesRepo()
	monitoringRepo := newFakeMonitoringRepo()
	resolver := newFakeResolver()
	d := NewDispatcher(changesRepo, monitoringRepo, resolver, false, "", nil, nil)

	ev := followCommitEvent("create", "did:plc:notmonitored", "did:plc:target", "rkey1")
	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(monitoringRepo.follows) != 0 {
		t.Fatalf("follows = %d, want 0 for non-monitoring follower", len(monitoringRepo.follows))
	}
}

func TestHandleFollowCommit_CreateThenDeleteTriggersReconcileOnLastUnfollow(t *testing.T) {
	changesRepo := newFakeChangesRepo()
	monitoringRepo := newFakeMonitoringRepo()
	monitoringRepo.monitoringUsers["did:plc:alice"] = true
	resolver := newFakeResolver()

	var reconcileCalls int
	d := NewDispatcher(changesRepo, monitoringRepo, resolver, false, "", nil, func() { reconcileCalls++ })
	ctx := context.Background()

	createEv := followCommitEvent("create", "did:plc:alice", "did:plc:target", "rkey1")
	if err := d.Dispatch(ctx, createEv); err != nil {
		t.Fatalf("create Dispatch: %v", err)
	}
	if reconcileCalls != 1 {
		t.Fatalf("reconcileCalls after create = %d, want 1", reconcileCalls)
	}

	deleteEv := followCommitEvent("delete", "did:plc:alice", "", "rkey1")
	if err := d.Dispatch(ctx, deleteEv); err != nil {
		t.Fatalf("delete Dispatch: %v", err)
	}
	if reconcileCalls != 2 {
		t.Fatalf("reconcileCalls after delete = %d, want 2 (target no longer followed by anyone)", reconcileCalls)
	}
}

func TestHandleFollowCommit_CreateRequestsTempBackfillOnLiveMainStream(t *testing.T) {
	changesRepo := newFakeChangesRepo()
	monitoringRepo := newFakeMonitoringRepo()
	monitoringRepo.monitoringUsers["did:plc:alice"] = true
	resolver := newFakeResolver()

	// A zero-capacity pool makes StartForUser enqueue rather than
	// dial, so the request is observable without opening a real
	// connection. NewTempPool treats max<=0 as "use the default", so
	// the pool is built directly with the field already zeroed.
	pool := &TempPool{
		max:            0,
		changesRepo:    changesRepo,
		monitoringRepo: monitoringRepo,
		resolver:       resolver,
		active:         make(map[string]*activeTempStream),
	}

	d := NewDispatcher(changesRepo, monitoringRepo, resolver, false, "", nil, nil)
	d.SetTempPool(pool)

	ev := followCommitEvent("create", "did:plc:alice", "did:plc:target", "rkey1")
	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if status := pool.Status(); status.QueueLength != 1 {
		t.Fatalf("temp pool queue length = %d, want 1 (backfill requested for the new follow)", status.QueueLength)
	}
}

func TestHandleFollowCommit_TempStreamNeverRequestsItsOwnBackfill(t *testing.T) {
	changesRepo := newFakeChangesRepo()
	monitoringRepo := newFakeMonitoringRepo()
	monitoringRepo.monitoringUsers["did:plc:alice"] = true
	resolver := newFakeResolver()

	pool := &TempPool{
		max:            0,
		changesRepo:    changesRepo,
		monitoringRepo: monitoringRepo,
		resolver:       resolver,
		active:         make(map[string]*activeTempStream),
	}

	d := NewDispatcher(changesRepo, monitoringRepo, resolver, true, "tempstream: ", nil, nil)
	d.SetTempPool(pool)

	ev := followCommitEvent("create", "did:plc:alice", "did:plc:target", "rkey1")
	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if status := pool.Status(); status.QueueLength != 0 {
		t.Fatalf("temp pool queue length = %d, want 0 (a temp stream never requests its own backfill)", status.QueueLength)
	}
}

func TestHandleFollowCommit_SuppressedDuringMainStreamBackfill(t *testing.T) {
	changesRepo := newFakeChangesRepo()
	monitoringRepo := newFakeMonitoringRepo()
	monitoringRepo.monitoringUsers["did:plc:alice"] = true
	resolver := newFakeResolver()

	d := NewDispatcher(changesRepo, monitoringRepo, resolver, false, "", func() bool { return true }, nil)

	ev := followCommitEvent("create", "did:plc:alice", "did:plc:target", "rkey1")
	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(monitoringRepo.follows) != 0 {
		t.Fatalf("follows = %d, want 0 while main stream is in backfill", len(monitoringRepo.follows))
	}
}

func TestHandleFollowCommit_NotSuppressedOnTempStream(t *testing.T) {
	changesRepo := newFakeChangesRepo()
	monitoringRepo := newFakeMonitoringRepo()
	monitoringRepo.monitoringUsers["did:plc:alice"] = true
	resolver := newFakeResolver()

	d := NewDispatcher(changesRepo, monitoringRepo, resolver, true, "tempstream: ", func() bool { return true }, nil)

	ev := followCommitEvent("create", "did:plc:alice", "did:plc:target", "rkey1")
	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(monitoringRepo.follows) != 1 {
		t.Fatalf("follows = %d, want 1 on a temp stream regardless of backfill state", len(monitoringRepo.follows))
	}
}
