package messages

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/G-Research/batchflow/internal/common/logging"
	"github.com/G-Research/batchflow/internal/common/util"
	"github.com/G-Research/batchflow/internal/data"
	"github.com/G-Research/batchflow/internal/messaging"
	"github.com/G-Research/batchflow/internal/store"
)

const (
	MaxCreateDatasets = 100
	// MaxDatasetMemberBytes bounds the encoded data carried by one CreateDatasetMembers message.
	MaxDatasetMemberBytes = 25000
)

type DatasetDefinition struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Parameters  *data.Interface `json:"parameters,omitempty"`
}

// CreateDatasets creates datasets. A dataset whose title is already taken is not created again.
type CreateDatasets struct {
	base
	Datasets []DatasetDefinition `json:"datasets"`
}

func CreateDatasetsMessages(datasets []DatasetDefinition) []messaging.CommandMessage {
	var msgs []messaging.CommandMessage
	for _, batch := range util.Batch(datasets, MaxCreateDatasets) {
		msgs = append(msgs, &CreateDatasets{Datasets: batch})
	}
	return msgs
}

func (m *CreateDatasets) Type() string { return CreateDatasetsType }

func (m *CreateDatasets) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	log := logging.FromContext(ctx)
	return m.update(ctx, func(tx store.Tx, _ *outbox) error {
		existing, err := store.List[store.Dataset](ctx, tx, nil)
		if err != nil {
			return err
		}
		titles := make(map[string]bool, len(existing))
		for _, ds := range existing {
			titles[ds.Title] = true
		}
		now := m.now()
		var created []*store.Dataset
		for _, def := range m.Datasets {
			if titles[def.Title] {
				continue
			}
			if def.Parameters != nil {
				if err := def.Parameters.Validate(); err != nil {
					log.WithError(err).Errorf("dataset %q has invalid parameters and will not be created", def.Title)
					continue
				}
			}
			titles[def.Title] = true
			created = append(created, &store.Dataset{
				Title:       def.Title,
				Description: def.Description,
				Parameters:  def.Parameters,
				Created:     now,
			})
		}
		if err := store.Insert(ctx, tx, created...); err != nil {
			return err
		}
		log.Infof("created %d dataset(s)", len(created))
		return nil
	})
}

// CreateDatasetMembers adds members to a dataset. Data that does not match the dataset's parameters is
// rejected, and data identical to an existing member is not added twice.
type CreateDatasetMembers struct {
	base
	DatasetID int64        `json:"dataset_id"`
	DataList  []*data.Data `json:"data_list"`
	size      int
}

// CreateDatasetMembersMessages splits dataList into messages whose encoded data stays under
// MaxDatasetMemberBytes. A single oversized member still gets a message of its own.
func CreateDatasetMembersMessages(datasetID int64, dataList []*data.Data) ([]messaging.CommandMessage, error) {
	var msgs []messaging.CommandMessage
	var current *CreateDatasetMembers
	for _, d := range dataList {
		encoded, err := json.Marshal(d)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if current == nil || current.size+len(encoded) >= MaxDatasetMemberBytes {
			current = &CreateDatasetMembers{DatasetID: datasetID}
			msgs = append(msgs, current)
		}
		current.DataList = append(current.DataList, d)
		current.size += len(encoded)
	}
	return msgs, nil
}

func (m *CreateDatasetMembers) Type() string { return CreateDatasetMembersType }

func (m *CreateDatasetMembers) Execute(ctx context.Context) ([]messaging.CommandMessage, error) {
	log := logging.FromContext(ctx)
	return m.update(ctx, func(tx store.Tx, _ *outbox) error {
		datasets, err := store.GetLocked[store.Dataset](ctx, tx, []int64{m.DatasetID})
		if err != nil {
			return err
		}
		if len(datasets) == 0 {
			log.Errorf("dataset %d does not exist, message will not re-run", m.DatasetID)
			return nil
		}
		dataset := datasets[0]
		members, err := store.List(ctx, tx, func(dm *store.DatasetMember) bool { return dm.DatasetID == dataset.ID })
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(members))
		for _, dm := range members {
			encoded, err := json.Marshal(dm.Data)
			if err != nil {
				return errors.WithStack(err)
			}
			seen[string(encoded)] = true
		}

		now := m.now()
		var created []*store.DatasetMember
		for _, d := range m.DataList {
			if d == nil {
				continue
			}
			if dataset.Parameters != nil {
				if _, err := d.Validate(dataset.Parameters); err != nil {
					log.WithError(err).Errorf("data does not match the parameters of dataset %d and will not be added", dataset.ID)
					continue
				}
			}
			encoded, err := json.Marshal(d)
			if err != nil {
				return errors.WithStack(err)
			}
			if seen[string(encoded)] {
				continue
			}
			seen[string(encoded)] = true
			created = append(created, &store.DatasetMember{DatasetID: dataset.ID, Data: d, Created: now})
		}
		if err := store.Insert(ctx, tx, created...); err != nil {
			return err
		}
		log.Infof("added %d member(s) to dataset %d", len(created), dataset.ID)
		return nil
	})
}
