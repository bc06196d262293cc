package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

// JobKind names a background maintenance job.
type JobKind string

const (
	JobDecay         JobKind = "decay"
	JobTTLEviction   JobKind = "ttl_eviction"
	JobConsolidation JobKind = "consolidation"
	JobViewRefresh   JobKind = "view_refresh"
)

// JobKinds lists every maintenance job.
var JobKinds = []JobKind{JobDecay, JobTTLEviction, JobConsolidation, JobViewRefresh}

// ParseJobKind validates a job name.
func ParseJobKind(s string) (JobKind, error) {
	for _, k := range JobKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", opError("maintenance", ErrValidation, "unknown job %q", s)
}

// JobReport summarizes one maintenance run.
type JobReport struct {
	Job      JobKind   `json:"job"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Batches  int       `json:"batches"`
	Affected int64     `json:"affected"`
	Failures int       `json:"failures"`
	Errors   []string  `json:"errors,omitempty"`
	Canceled bool      `json:"canceled,omitempty"`
}

// jobRun accumulates batch outcomes. A failed batch is logged and the job
// moves on to the next one.
type jobRun struct {
	report *JobReport
	errs   []error
	logger *zap.Logger
}

func (r *jobRun) batch(affected int64, err error, fields ...zap.Field) {
	r.report.Batches++
	if err != nil {
		r.report.Failures++
		r.report.Errors = append(r.report.Errors, err.Error())
		r.errs = append(r.errs, err)
		r.logger.Warn("maintenance batch failed", append(fields, zap.Error(err))...)
		return
	}
	r.report.Affected += affected
}

// RunMaintenance runs one background job to completion or cancellation.
// Cancellation is checked before every batch; each batch commits on its own
// so an interrupted job leaves only whole batches applied.
func (e *Engine) RunMaintenance(ctx context.Context, kind JobKind) (report *JobReport, err error) {
	if _, err := ParseJobKind(string(kind)); err != nil {
		return nil, err
	}
	run := &jobRun{
		report: &JobReport{Job: kind, Started: e.now()},
		logger: e.logger.With(zap.String("job", string(kind))),
	}
	defer func() {
		run.report.Finished = e.now()
		e.metrics.ObserveJob(string(kind), run.report.Affected, run.report.Finished.Sub(run.report.Started), err)
	}()

	var jobErr error
	switch kind {
	case JobDecay:
		jobErr = e.runDecay(ctx, run)
	case JobTTLEviction:
		jobErr = e.runEviction(ctx, run)
	case JobConsolidation:
		jobErr = e.runConsolidation(ctx, run)
	case JobViewRefresh:
		jobErr = e.runViewRefresh(ctx, run)
	}

	op := "maintenance " + string(kind)
	if jobErr != nil {
		if errors.Is(jobErr, context.Canceled) || errors.Is(jobErr, context.DeadlineExceeded) {
			run.report.Canceled = true
			run.logger.Info("maintenance job canceled",
				zap.Int("batches", run.report.Batches),
				zap.Int64("affected", run.report.Affected))
		}
		return run.report, &Error{Op: op, Kind: ErrMaintenanceJobFailed, Err: errors.Join(append([]error{jobErr}, run.errs...)...)}
	}
	if len(run.errs) > 0 {
		return run.report, &Error{Op: op, Kind: ErrMaintenanceJobFailed, Err: errors.Join(run.errs...)}
	}
	run.logger.Info("maintenance job finished",
		zap.Int("batches", run.report.Batches),
		zap.Int64("affected", run.report.Affected))
	return run.report, nil
}

func (e *Engine) runDecay(ctx context.Context, run *jobRun) error {
	tenants, err := e.repo.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	m := e.cfg.Maintenance
	for _, tenant := range tenants {
		scope := tenancy.TenantScope(tenant)
		for _, target := range []struct {
			name  string
			decay func(context.Context, tenancy.Scope, DecayParams) (int64, error)
		}{
			{"packets", e.repo.DecayPackets},
			{"reflections", e.repo.DecayReflections},
		} {
			for {
				if err := ctx.Err(); err != nil {
					return err
				}
				now := e.now()
				n, err := target.decay(ctx, scope, DecayParams{
					AccessedBefore: now.Add(-m.DecayAfter),
					DecayedBefore:  now.Add(-m.DecayInterval),
					Step:           m.DecayStep,
					Floor:          m.DecayFloor,
					Now:            now,
					Limit:          m.BatchSize,
				})
				run.batch(n, err, zap.String("tenant_id", tenant), zap.String("target", target.name))
				if err != nil || n < int64(m.BatchSize) {
					break
				}
			}
		}
	}
	return nil
}

func (e *Engine) runEviction(ctx context.Context, run *jobRun) error {
	batch := e.cfg.Maintenance.BatchSize
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := e.repo.DeleteExpiredPackets(ctx, e.now(), batch)
		run.batch(int64(len(ids)), err, zap.String("target", "packets"))
		for _, id := range ids {
			e.dropFromIndex(ctx, id)
		}
		if err != nil || len(ids) < batch {
			break
		}
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := e.repo.DeleteExpiredReflections(ctx, e.now(), batch)
		run.batch(n, err, zap.String("target", "reflections"))
		if err != nil || n < int64(batch) {
			break
		}
	}
	return nil
}

// consolidationKinds are the scopes the background job discovers by itself.
// Topic, project, task and time period summaries are requested explicitly.
var consolidationKinds = []ScopeKind{ScopeThread, ScopeAgent}

func (e *Engine) runConsolidation(ctx context.Context, run *jobRun) error {
	tenants, err := e.repo.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	c := e.cfg.Consolidation
	for _, tenant := range tenants {
		tc := tenancy.System(tenant)
		for _, kind := range consolidationKinds {
			if err := ctx.Err(); err != nil {
				return err
			}
			now := e.now()
			candidates, err := e.repo.ConsolidationCandidates(ctx, tenancy.TenantScope(tenant), CandidateParams{
				Kind:          kind,
				MinPackets:    c.MinPackets,
				CreatedBefore: now.Add(-c.MaxAge),
				Now:           now,
				Limit:         e.cfg.Maintenance.BatchSize,
			})
			if err != nil {
				run.batch(0, err, zap.String("tenant_id", tenant), zap.String("scope_kind", string(kind)))
				continue
			}
			for _, cand := range candidates {
				if err := ctx.Err(); err != nil {
					return err
				}
				if e.summaryFresh(ctx, tenant, cand, now) {
					continue
				}
				_, err := e.Consolidate(ctx, tc, cand.Scope)
				run.batch(1, err,
					zap.String("tenant_id", tenant),
					zap.String("scope_kind", string(kind)),
					zap.String("scope_key", cand.Scope.Key))
			}
		}
	}
	return nil
}

// summaryFresh reports whether the stored summary of a scope is still valid
// and already covers the scope's newest packet.
func (e *Engine) summaryFresh(ctx context.Context, tenant string, cand ScopeStats, now time.Time) bool {
	s, err := e.repo.GetSummary(ctx, tenant, cand.Scope.Kind, cand.Scope.Key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.logger.Warn("summary lookup failed", zap.String("scope_key", cand.Scope.Key), zap.Error(err))
		}
		return false
	}
	return s.ValidUntil.After(now) && !s.CoverageEnd.Before(cand.Newest)
}

func (e *Engine) runViewRefresh(ctx context.Context, run *jobRun) error {
	tenants, err := e.repo.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := e.refreshTenantViews(ctx, tenant)
		run.batch(n, err, zap.String("tenant_id", tenant))
	}
	return nil
}
