package jetstream

import (
	"context"
	"log"

	"jetwatch/internal/core/monitoring"
)

// BuildSnapshot assembles the full status snapshot from the main
// stream, the temp pool, and the monitoring repository's per-user
// backfill bookkeeping.
func BuildSnapshot(ctx context.Context, main *MainStream, pool *TempPool, monitoringRepo monitoring.Repository, resolver interface {
	Resolve(ctx context.Context, did string) (string, error)
}) Snapshot {
	snap := Snapshot{
		MainStream: main.GetMainStreamStatus(ctx),
		TempPool:   pool.Status(),
		ActiveTemp: pool.ActiveUsers(),
	}

	userDIDs, err := monitoringRepo.ListMonitoringUserDIDs(ctx)
	if err != nil {
		log.Printf("snapshot: failed to list monitoring users: %v", err)
		return snap
	}

	for _, did := range userDIDs {
		follows, err := monitoringRepo.ListFollowsForUser(ctx, did)
		if err != nil {
			log.Printf("snapshot: failed to list follows for %s: %v", did, err)
			continue
		}
		handle, _ := resolver.Resolve(ctx, did)

		us := UserStatus{
			DID:            did,
			Handle:         handle,
			MonitoredCount: len(follows),
		}
		if state, err := monitoringRepo.GetBackfillState(ctx, did); err == nil && state != nil {
			us.LastStartedAt = &state.LastStartedAt
			us.LastCompletedAt = state.LastCompletedAt
			us.HasCompletedBackfill = state.HasCompleted()
		}
		snap.Users = append(snap.Users, us)
	}

	return snap
}
