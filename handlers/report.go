package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/electricautomaticchile/Websocket-api/auth"
	"github.com/electricautomaticchile/Websocket-api/event"
	"github.com/electricautomaticchile/Websocket-api/metric"
	"github.com/electricautomaticchile/Websocket-api/pkg/worker"
	"github.com/electricautomaticchile/Websocket-api/registry"
)

// ReportGenerator produces the report content. Generation lives outside
// this server; implementations typically call an analytics service.
type ReportGenerator interface {
	Generate(ctx context.Context, job ReportJob) (map[string]any, error)
}

// GeneratorFunc adapts a function to ReportGenerator
type GeneratorFunc func(ctx context.Context, job ReportJob) (map[string]any, error)

// Generate implements ReportGenerator
func (f GeneratorFunc) Generate(ctx context.Context, job ReportJob) (map[string]any, error) {
	return f(ctx, job)
}

// ReportJob is one queued report request, carrying the requester's claims
// so the result can be scoped back to them
type ReportJob struct {
	ID      string
	Claims  auth.Claims
	Request event.ReportRequest
}

// Reporter runs report jobs on a worker pool and delivers results as
// notifications on the requester's identity room
type Reporter struct {
	pool      *worker.Pool[ReportJob]
	generator ReportGenerator
	rooms     *registry.Registry
	logger    *slog.Logger
}

// ReporterOption configures a Reporter
type ReporterOption func(*Reporter)

// WithReporterLogger sets the structured logger
func WithReporterLogger(logger *slog.Logger) ReporterOption {
	return func(r *Reporter) {
		if logger != nil {
			r.logger = logger.With("component", "reporter")
		}
	}
}

// NewReporter creates a reporter with the given pool dimensions. A nil
// generator fails every job.
func NewReporter(rooms *registry.Registry, generator ReportGenerator, workers, queueSize int,
	metrics *metric.MetricsRegistry, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		generator: generator,
		rooms:     rooms,
		logger:    slog.Default().With("component", "reporter"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.pool = worker.NewPool(workers, queueSize, r.process,
		worker.WithMetricsRegistry[ReportJob](metrics, "reports"))
	return r
}

// Start launches the report workers
func (r *Reporter) Start(ctx context.Context) error {
	return r.pool.Start(ctx)
}

// Stop drains queued jobs and waits for workers to exit
func (r *Reporter) Stop(timeout time.Duration) error {
	return r.pool.Stop(timeout)
}

// Submit queues a job without blocking
func (r *Reporter) Submit(job ReportJob) error {
	return r.pool.Submit(job)
}

// Stats exposes the underlying pool statistics
func (r *Reporter) Stats() worker.PoolStats {
	return r.pool.Stats()
}

func (r *Reporter) process(ctx context.Context, job ReportJob) error {
	if r.generator == nil {
		r.notify(ctx, job, map[string]any{
			"reportId": job.ID,
			"status":   "failed",
			"error":    "no report generator configured",
		})
		return fmt.Errorf("report %s: no generator configured", job.ID)
	}

	result, err := r.generator.Generate(ctx, job)
	if err != nil {
		r.logger.Warn("report generation failed",
			"report_id", job.ID, "kind", job.Request.Kind, "error", err)
		r.notify(ctx, job, map[string]any{
			"reportId": job.ID,
			"status":   "failed",
			"error":    err.Error(),
		})
		return err
	}

	r.notify(ctx, job, map[string]any{
		"reportId": job.ID,
		"status":   "ready",
		"kind":     job.Request.Kind,
		"report":   result,
	})
	return nil
}

// notify publishes the job outcome to the requester's identity room,
// scoped so only the requester's role can see it
func (r *Reporter) notify(ctx context.Context, job ReportJob, payload map[string]any) {
	ev := event.New(event.Notification, payload)
	ev.OwnerCustomerID = job.Claims.CustomerID
	ev.OwnerOrganizationID = job.Claims.OrganizationID
	r.rooms.PublishIdentity(ctx, job.Claims.IdentityID, ev)
}
