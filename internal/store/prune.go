package store

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/batchflow/internal/common/util"
)

// PruneTaskUpdates removes task updates recorded more than keepFor ago. Updates are deleted in batches across
// transactions, so a failure part way through leaves the earlier batches deleted. Returns the number deleted.
func PruneTaskUpdates(ctx context.Context, st Store, batchLimit int, keepFor time.Duration, clock clock.PassiveClock) (int, error) {
	start := clock.Now()
	cutOffTime := start.Add(-keepFor)

	var ids []int64
	err := st.View(ctx, func(tx Tx) error {
		updates, err := List(ctx, tx, func(u *TaskUpdate) bool { return u.Timestamp.Before(cutOffTime) })
		ids = IDs(updates)
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		log.Infof("Found no task updates to be deleted")
		return 0, nil
	}
	log.Infof("Found %d task updates to be deleted", len(ids))

	deleted := 0
	for _, batch := range util.Batch(ids, batchLimit) {
		err := st.Update(ctx, func(tx Tx) error {
			return Delete[TaskUpdate](ctx, tx, batch)
		})
		if err != nil {
			return deleted, err
		}
		deleted += len(batch)
		log.Infof("Deleted %d of %d task updates", deleted, len(ids))
	}
	return deleted, nil
}
