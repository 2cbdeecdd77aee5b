package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/batchflow/internal/data"
	"github.com/G-Research/batchflow/internal/scheduler/configuration"
	"github.com/G-Research/batchflow/internal/scheduler/resources"
	"github.com/G-Research/batchflow/internal/store"
)

// SeedJobTypes creates the configured job types that do not exist yet. Existing job types are left alone so
// that changes made at runtime (pausing, for example) survive a restart.
func SeedJobTypes(ctx context.Context, st store.Store, configs []configuration.JobTypeConfig, now time.Time) error {
	if len(configs) == 0 {
		return nil
	}
	jobTypes := make([]*store.JobType, 0, len(configs))
	for _, config := range configs {
		jobType, err := jobTypeFromConfig(config, now)
		if err != nil {
			return errors.WithMessagef(err, "invalid job type %s %s", config.Name, config.Version)
		}
		jobTypes = append(jobTypes, jobType)
	}
	return st.Update(ctx, func(tx store.Tx) error {
		var created []*store.JobType
		for _, jobType := range jobTypes {
			existing, err := store.GetJobTypeByName(ctx, tx, jobType.Name, jobType.Version)
			if err != nil {
				return err
			}
			if existing == nil {
				created = append(created, jobType)
			}
		}
		if err := store.Insert(ctx, tx, created...); err != nil {
			return err
		}
		for _, jobType := range created {
			log.Infof("created job type %s %s", jobType.Name, jobType.Version)
		}
		return nil
	})
}

func jobTypeFromConfig(config configuration.JobTypeConfig, now time.Time) (*store.JobType, error) {
	jobResources, err := resources.FromQuantities(config.Resources)
	if err != nil {
		return nil, err
	}
	inputs, err := jsonInterface(config.Inputs)
	if err != nil {
		return nil, err
	}
	outputs, err := jsonInterface(config.Outputs)
	if err != nil {
		return nil, err
	}
	maxTries := config.MaxTries
	if maxTries == 0 {
		maxTries = 3
	}
	return &store.JobType{
		Name:            config.Name,
		Version:         config.Version,
		RevisionNum:     1,
		IsSystem:        config.IsSystem,
		IsActive:        true,
		IsPublished:     !config.IsSystem,
		MaxScheduled:    config.MaxScheduled,
		MaxTries:        maxTries,
		Priority:        config.Priority,
		Timeout:         config.Timeout,
		DockerImage:     config.DockerImage,
		Command:         config.Command,
		Resources:       jobResources,
		InputInterface:  inputs,
		OutputInterface: outputs,
		ErrorMapping:    config.ErrorMapping,
		Created:         now,
		LastModified:    now,
	}, nil
}

// jsonInterface declares a required string parameter for each name.
func jsonInterface(names []string) (*data.Interface, error) {
	iface := data.NewInterface()
	for _, name := range names {
		if err := iface.AddParameter(data.NewJSONParameter(name, "string", true)); err != nil {
			return nil, err
		}
	}
	return iface, nil
}
