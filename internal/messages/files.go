package messages

import (
	"context"

	"golang.org/x/exp/slices"

	"github.com/G-Research/batchflow/internal/common/logging"
	"github.com/G-Research/batchflow/internal/common/util"
	"github.com/G-Research/batchflow/internal/messaging"
	"github.com/G-Research/batchflow/internal/store"
)

const MaxDeleteFiles = 100

// DeleteFiles removes the stored bytes of a job's product files. A purge also removes the file records and then
// purges the job; otherwise the records are kept and marked deleted.
type DeleteFiles struct {
	base
	FileIDs      []int64 `json:"file_ids"`
	JobID        int64   `json:"job_id"`
	TriggerID    int64   `json:"trigger_id,omitempty"`
	SourceFileID int64   `json:"source_file_id,omitempty"`
	Purge        bool    `json:"purge,string"`
}

func CreateDeleteFilesMessages(fileIDs []int64, jobID, triggerID, sourceFileID int64, purge bool) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, ids := range util.Batch(fileIDs, MaxDeleteFiles) {
		msgs = append(msgs, &DeleteFiles{FileIDs: ids, JobID: jobID, TriggerID: triggerID, SourceFileID: sourceFileID, Purge: purge})
	}
	return msgs
}

func (m *DeleteFiles) Type() string { return DeleteFilesType }

func (m *DeleteFiles) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	log := logging.FromContext(ctx)
	var files []*store.ScaleFile
	stopped := false
	err := m.env.Store.View(ctx, func(tx store.Tx) error {
		var err error
		if m.Purge {
			if _, stopped, err = purgeState(ctx, tx, m.TriggerID); err != nil || stopped {
				return err
			}
		}
		files, err = store.GetMany[store.ScaleFile](ctx, tx, m.FileIDs)
		return err
	})
	if err != nil || stopped {
		return nil, err
	}
	// The bytes go first so that a failure leaves the records in place for the redelivered message.
	if err := m.env.Mover.Delete(ctx, files); err != nil {
		return nil, err
	}

	return m.update(ctx, func(tx store.Tx, out *outbox) error {
		files, err := store.GetLocked[store.ScaleFile](ctx, tx, m.FileIDs)
		if err != nil {
			return err
		}
		if !m.Purge {
			now := m.now()
			for _, f := range files {
				f.IsDeleted, f.Deleted = true, &now
				f.IsPublished, f.Unpublished = false, &now
			}
			log.Infof("deleted %d file(s) of job %d", len(files), m.JobID)
			return store.Save(ctx, tx, files...)
		}

		ids := store.IDs(files)
		if err := store.DeleteWhere(ctx, tx, func(l *store.FileAncestryLink) bool {
			return slices.Contains(ids, l.DescendantID) || slices.Contains(ids, l.AncestorID)
		}); err != nil {
			return err
		}
		if err := store.Delete[store.ScaleFile](ctx, tx, ids); err != nil {
			return err
		}
		results, err := store.GetPurgeResults(ctx, tx, m.TriggerID)
		if err != nil {
			return err
		}
		if results != nil && len(files) > 0 {
			results.NumProductsDeleted += len(files)
			if err := store.Save(ctx, tx, results); err != nil {
				return err
			}
		}
		log.Infof("purged %d file(s) of job %d", len(files), m.JobID)
		out.add(CreatePurgeJobsMessages([]int64{m.JobID}, m.TriggerID, m.SourceFileID)...)
		return nil
	})
}

// SpawnDeleteFilesJob collects the product files of a job and sends the messages that delete them. A purge of
// a job without products goes straight to purging the job.
type SpawnDeleteFilesJob struct {
	base
	JobID        int64 `json:"job_id"`
	TriggerID    int64 `json:"trigger_id,omitempty"`
	SourceFileID int64 `json:"source_file_id,omitempty"`
	Purge        bool  `json:"purge,string"`
}

func CreateSpawnDeleteFilesJobMessage(jobID, triggerID, sourceFileID int64, purge bool) messaging.CommandMessage {
	return &SpawnDeleteFilesJob{JobID: jobID, TriggerID: triggerID, SourceFileID: sourceFileID, Purge: purge}
}

func (m *SpawnDeleteFilesJob) Type() string { return SpawnDeleteFilesJobType }

func (m *SpawnDeleteFilesJob) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	var msgs []messaging.CommandMessage
	err := m.env.Store.View(ctx, func(tx store.Tx) error {
		msgs = nil
		if m.Purge {
			if _, stopped, err := purgeState(ctx, tx, m.TriggerID); err != nil || stopped {
				return err
			}
		}
		files, err := store.List(ctx, tx, func(f *store.ScaleFile) bool {
			return f.JobID == m.JobID && (m.Purge || !f.IsDeleted)
		})
		if err != nil {
			return err
		}
		if len(files) == 0 {
			if m.Purge {
				msgs = CreatePurgeJobsMessages([]int64{m.JobID}, m.TriggerID, m.SourceFileID)
			}
			return nil
		}
		logging.FromContext(ctx).Infof("deleting %d file(s) of job %d", len(files), m.JobID)
		msgs = CreateDeleteFilesMessages(store.IDs(files), m.JobID, m.TriggerID, m.SourceFileID, m.Purge)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}
