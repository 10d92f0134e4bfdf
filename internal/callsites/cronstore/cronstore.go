// Package cronstore is a thin external collaborator of the datastore
// package: a registry of scheduled jobs, one JSON document per job,
// written exclusively through datastore.Backend.UpdateJSONWithLock so
// concurrent schedulers never clobber each other's bookkeeping (removal
// goes through datastore.Backend.Delete). It owns
// none of the store's persistence logic; it only consumes the contract.
package cronstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/szaher/agentspec/internal/datastore"
)

// Job is one scheduled entry in the registry.
type Job struct {
	Name       string    `json:"name"`
	Spec       string    `json:"spec"`
	LastRun    time.Time `json:"last_run,omitempty"`
	LastStatus string    `json:"last_status,omitempty"`
}

func jobKey(name string) string {
	return "cron/" + name + ".json"
}

// Registry persists Job records through a datastore.Backend.
type Registry struct {
	store datastore.Backend
}

// NewRegistry wraps store as a cron job registry.
func NewRegistry(store datastore.Backend) *Registry {
	return &Registry{store: store}
}

// Upsert adds or replaces a job definition, preserving LastRun/LastStatus
// if a job with the same name already exists.
func (r *Registry) Upsert(ctx context.Context, name, spec string) error {
	return r.store.UpdateJSONWithLock(ctx, jobKey(name), func(current json.RawMessage) (any, bool, error) {
		job := Job{Name: name, Spec: spec}
		if len(current) > 0 {
			var existing Job
			if err := json.Unmarshal(current, &existing); err == nil {
				job.LastRun = existing.LastRun
				job.LastStatus = existing.LastStatus
			}
		}
		return job, true, nil
	})
}

// Remove deletes a job definition.
func (r *Registry) Remove(ctx context.Context, name string) error {
	return r.store.Delete(jobKey(name))
}

// Get returns the named job, or (nil, nil) if it does not exist.
func (r *Registry) Get(name string) (*Job, error) {
	var job Job
	exists, err := r.store.ReadJSON(jobKey(name), &job)
	if err != nil || !exists {
		return nil, err
	}
	return &job, nil
}

// RecordRun marks name's last run outcome. A job can be recorded even if
// it raced with a concurrent Upsert: UpdateJSONWithLock serializes both.
func (r *Registry) RecordRun(ctx context.Context, name string, ranAt time.Time, status string) error {
	return r.store.UpdateJSONWithLock(ctx, jobKey(name), func(current json.RawMessage) (any, bool, error) {
		var job Job
		if len(current) == 0 {
			return nil, false, fmt.Errorf("cronstore: job %q not found", name)
		}
		if err := json.Unmarshal(current, &job); err != nil {
			return nil, false, fmt.Errorf("cronstore: decode job %q: %w", name, err)
		}
		job.LastRun = ranAt
		job.LastStatus = status
		return job, true, nil
	})
}

// Scheduler drives a cron.Cron runner whose jobs are defined by a
// Registry, recording each run's outcome back through the store.
type Scheduler struct {
	registry *Registry
	runner   *cron.Cron
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler backed by registry.
func NewScheduler(registry *Registry, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		registry: registry,
		runner:   cron.New(),
		logger:   logger.With("component", "cronstore"),
	}
}

// Schedule registers name to run spec, persisting the definition and
// wiring it into the underlying cron runner. run is invoked each time the
// job is due; its error (if any) becomes the job's recorded status.
func (s *Scheduler) Schedule(ctx context.Context, name, spec string, run func(ctx context.Context) error) error {
	if err := s.registry.Upsert(ctx, name, spec); err != nil {
		return fmt.Errorf("cronstore: schedule %q: %w", name, err)
	}
	_, err := s.runner.AddFunc(spec, func() {
		err := run(ctx)
		status := "ok"
		if err != nil {
			status = "error: " + err.Error()
			s.logger.Error("scheduled job failed", "name", name, "error", err)
		}
		if recErr := s.registry.RecordRun(ctx, name, time.Now(), status); recErr != nil {
			s.logger.Error("failed to record job run", "name", name, "error", recErr)
		}
	})
	if err != nil {
		return fmt.Errorf("cronstore: parse schedule %q: %w", spec, err)
	}
	return nil
}

// Start begins the cron runner in its own goroutine.
func (s *Scheduler) Start() { s.runner.Start() }

// Stop halts the cron runner without blocking; the returned context is
// done once in-flight jobs have completed.
func (s *Scheduler) Stop() context.Context { return s.runner.Stop() }
