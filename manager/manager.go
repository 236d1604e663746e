// Package manager implements the Virtual Model Scheduler Manager: a
// process-wide registry mapping virtual_model_id to a Scheduler, routing
// incoming requests, and swapping pools atomically on reload so no
// reader ever observes a partially-installed map.
package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Jasonzhangf/rcc-sub004/domain"
	"github.com/Jasonzhangf/rcc-sub004/internal/rerr"
	"github.com/Jasonzhangf/rcc-sub004/internal/rlog"
	"github.com/Jasonzhangf/rcc-sub004/pipeline"
	"github.com/Jasonzhangf/rcc-sub004/scheduler"
)

// Manager owns scheduler lifecycle but not pool construction (the
// Assembler's job). The virtual-model map is a read-mostly atomic
// pointer, written only by InstallPools.
type Manager struct {
	pools  atomic.Pointer[map[string]*scheduler.Scheduler]
	logger rlog.Logger

	mu        sync.Mutex      // serializes Start and InstallPools
	healthCtx context.Context // non-nil once Start has run

	drainTimeout time.Duration
}

// New constructs an empty Manager. Call InstallPools before routing any
// traffic; the manager refuses to route against a nil map.
func New(logger rlog.Logger) *Manager {
	m := &Manager{logger: rlog.Default(logger), drainTimeout: 30 * time.Second}
	empty := map[string]*scheduler.Scheduler{}
	m.pools.Store(&empty)
	return m
}

// InstallPools atomically swaps the entire virtual-model map. In-flight
// requests against the previous map keep running against their own
// Scheduler reference (schedulers outlive the swap until drained);
// requests arriving after the swap only ever see the new map, because
// readers load the pointer once per Route call. If Start has run, health
// checks are launched on the incoming schedulers and stopped on the
// replaced ones.
func (m *Manager) InstallPools(pools map[string]*scheduler.Scheduler) {
	next := make(map[string]*scheduler.Scheduler, len(pools))
	for k, v := range pools {
		next[k] = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.pools.Swap(&next)
	if m.healthCtx != nil {
		for _, sched := range next {
			sched.StartHealthChecks(m.healthCtx, healthProbe)
		}
	}
	if prev != nil {
		for id, sched := range *prev {
			if next[id] != sched {
				sched.Shutdown()
			}
		}
	}
}

// Start launches every installed scheduler's periodic health-check loop,
// probing open-breaker pipelines with a minimal one-token request. Call
// once after the first InstallPools; schedulers installed by later
// reloads pick the loop up automatically. Probes stop when ctx is
// cancelled or Shutdown runs.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.healthCtx = ctx
	for _, sched := range *m.pools.Load() {
		sched.StartHealthChecks(ctx, healthProbe)
	}
}

// healthProbe issues a minimal one-token "ping" through p, reusing the
// pipeline's own adapter, rotator and transform chain so the probe is
// classified exactly like user traffic without consuming more than the
// minimum quota.
func healthProbe(ctx context.Context, p *pipeline.Pipeline) domain.Outcome {
	deadline := time.Now().Add(10 * time.Second)
	reqCtx := &domain.RequestContext{
		RequestID: uuid.NewString(),
		Body: domain.NormalizedRequest{
			Model:     p.Target.ModelID,
			Messages:  []domain.Message{{Role: "user", Content: "ping"}},
			MaxTokens: 1,
		},
		Deadline: deadline,
	}
	return p.Run(ctx, reqCtx, deadline).Outcome
}

// Route looks up the scheduler for reqCtx.VirtualModelID and runs the
// request against it. Fails with ErrUnknownVirtualModel if no scheduler
// is installed for that id; never converts a pool-empty condition from
// the scheduler into a successful response.
func (m *Manager) Route(ctx context.Context, reqCtx *domain.RequestContext) (domain.NormalizedResponse, []domain.Attempt, error) {
	if reqCtx.RequestID == "" {
		reqCtx.RequestID = uuid.NewString()
	}

	current := *m.pools.Load()
	sched, ok := current[reqCtx.VirtualModelID]
	if !ok {
		return domain.NormalizedResponse{}, nil, rerr.New("manager.Route", rerr.KindUnknownVirtualModel, reqCtx.RequestID, rerr.ErrUnknownVirtualModel).
			WithMessage("no scheduler installed for virtual model " + reqCtx.VirtualModelID)
	}

	return sched.Execute(ctx, reqCtx)
}

// VirtualModelSummary is one row of ListVirtualModels/GetStatus output.
type VirtualModelSummary struct {
	VirtualModelID string
	PipelineCount  int
	InFlight       int64
	Pipelines      []scheduler.Status
}

// ListVirtualModels enumerates every currently-installed virtual model id.
func (m *Manager) ListVirtualModels() []string {
	current := *m.pools.Load()
	out := make([]string, 0, len(current))
	for id := range current {
		out = append(out, id)
	}
	return out
}

// GetStatus returns a per-scheduler summary for every installed virtual
// model, for the status-endpoint layer.
func (m *Manager) GetStatus() []VirtualModelSummary {
	current := *m.pools.Load()
	out := make([]VirtualModelSummary, 0, len(current))
	for id, sched := range current {
		statuses := sched.GetStatus()
		out = append(out, VirtualModelSummary{
			VirtualModelID: id,
			PipelineCount:  len(statuses),
			InFlight:       sched.InFlight(),
			Pipelines:      statuses,
		})
	}
	return out
}

// Shutdown cancels every installed scheduler's health-check loop and
// waits up to deadline for in-flight requests to drain. The manager does
// not forcibly cancel in-flight requests itself; that is driven by the
// caller's own context cancellation.
func (m *Manager) Shutdown(deadline time.Duration) {
	current := *m.pools.Load()
	for _, sched := range current {
		sched.Shutdown()
	}

	if deadline <= 0 {
		return
	}
	budget := time.Now().Add(deadline)
	for time.Now().Before(budget) {
		total := int64(0)
		for _, sched := range current {
			total += sched.InFlight()
		}
		if total == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	m.logger.Warn("shutdown deadline elapsed with requests still in flight", nil)
}
