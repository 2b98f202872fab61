// Package workflow runs document operations as named workflows built
// from retryable activities. The engine provides per-attempt deadlines,
// exponential retry, heartbeat monitoring, a bounded worker pool, and
// deterministic workflow ids so repeated requests do not repeat work.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/memvault/internal/memerr"
	"github.com/haasonsaas/memvault/internal/observability"
)

// ActivityFunc is a unit of work executed under retry and timeout
// policies. Long-running activities should call Heartbeat(ctx)
// periodically when their definition carries a heartbeat timeout.
type ActivityFunc func(ctx context.Context, input any) (any, error)

// WorkflowFunc orchestrates activities. It must reach activities only
// through the engine so policies and metrics apply.
type WorkflowFunc func(ctx context.Context, input any) (any, error)

// Activity is a registered activity with its policies.
type Activity struct {
	Fn       ActivityFunc
	Retry    RetryPolicy
	Timeouts TimeoutPolicy
}

// Options configures the engine.
type Options struct {
	// MaxConcurrentActivities bounds in-flight activities. Default: 50.
	MaxConcurrentActivities int

	// MaxCachedWorkflows bounds the completed-run memo. Default: 1000.
	MaxCachedWorkflows int

	// DefaultRetry applies to activities registered without a policy.
	DefaultRetry RetryPolicy

	// DefaultTimeouts applies to activities registered without one.
	DefaultTimeouts TimeoutPolicy

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

type completedRun struct {
	result any
}

type inflightRun struct {
	done   chan struct{}
	result any
	err    error
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Engine registers and executes workflows and activities.
type Engine struct {
	opts       Options
	logger     *observability.Logger
	metrics    *observability.Metrics
	sem        chan struct{}
	activities map[string]Activity
	workflows  map[string]WorkflowFunc

	mu        sync.Mutex
	completed map[string]completedRun
	order     []string
	inflight  map[string]*inflightRun
	keys      map[string]*keyLock
}

// NewEngine creates a workflow engine.
func NewEngine(opts Options) *Engine {
	if opts.MaxConcurrentActivities <= 0 {
		opts.MaxConcurrentActivities = 50
	}
	if opts.MaxCachedWorkflows <= 0 {
		opts.MaxCachedWorkflows = 1000
	}
	if opts.DefaultRetry.MaxAttempts == 0 {
		opts.DefaultRetry = DefaultRetryPolicy()
	}
	if opts.DefaultTimeouts.StartToClose == 0 {
		opts.DefaultTimeouts = DefaultTimeoutPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.LogConfig{})
	}

	return &Engine{
		opts:       opts,
		logger:     opts.Logger.With("component", "workflow-engine"),
		metrics:    opts.Metrics,
		sem:        make(chan struct{}, opts.MaxConcurrentActivities),
		activities: make(map[string]Activity),
		workflows:  make(map[string]WorkflowFunc),
		completed:  make(map[string]completedRun),
		inflight:   make(map[string]*inflightRun),
		keys:       make(map[string]*keyLock),
	}
}

// RegisterActivity registers an activity. Zero-valued policies fall
// back to the engine defaults.
func (e *Engine) RegisterActivity(name string, activity Activity) {
	if activity.Retry.MaxAttempts == 0 {
		activity.Retry = e.opts.DefaultRetry
	}
	if activity.Timeouts.StartToClose == 0 {
		activity.Timeouts = e.opts.DefaultTimeouts
	}
	e.activities[name] = activity
}

// RegisterWorkflow registers a workflow function under a name.
func (e *Engine) RegisterWorkflow(name string, fn WorkflowFunc) {
	e.workflows[name] = fn
}

// WorkflowID builds the deterministic id for a named run.
func WorkflowID(name, requestID string) string {
	return fmt.Sprintf("%s_%s", name, requestID)
}

// ExecuteWorkflow runs a registered workflow. The run id is derived
// from name and requestID: a rerun of a completed request returns the
// memoized result, and a rerun racing an in-flight request joins it.
// Runs sharing a non-empty businessKey are serialized.
func (e *Engine) ExecuteWorkflow(ctx context.Context, name, requestID, businessKey string, input any) (any, error) {
	fn, ok := e.workflows[name]
	if !ok {
		return nil, memerr.Newf(memerr.KindValidation, "unknown workflow: %s", name)
	}
	if requestID == "" {
		return nil, memerr.New(memerr.KindValidation, "workflow request id is required")
	}
	id := WorkflowID(name, requestID)

	e.mu.Lock()
	if run, ok := e.completed[id]; ok {
		e.mu.Unlock()
		return run.result, nil
	}
	if run, ok := e.inflight[id]; ok {
		e.mu.Unlock()
		select {
		case <-run.done:
			return run.result, run.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	run := &inflightRun{done: make(chan struct{})}
	e.inflight[id] = run
	e.mu.Unlock()

	run.result, run.err = e.runWorkflow(ctx, fn, id, name, businessKey, input)

	e.mu.Lock()
	delete(e.inflight, id)
	if run.err == nil {
		e.memoLocked(id, run.result)
	}
	e.mu.Unlock()
	close(run.done)

	return run.result, run.err
}

func (e *Engine) runWorkflow(ctx context.Context, fn WorkflowFunc, id, name, businessKey string, input any) (any, error) {
	if businessKey != "" {
		unlock := e.lockKey(businessKey)
		defer unlock()
	}

	timeout := e.opts.DefaultTimeouts.ScheduleToClose
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx = context.WithValue(ctx, observability.WorkflowIDKey, id)

	e.logger.Info(ctx, "workflow started", "workflow", name)
	start := time.Now()
	result, err := fn(ctx, input)
	elapsed := time.Since(start)

	status := "succeeded"
	if err != nil {
		status = "failed"
		e.logger.Error(ctx, "workflow failed", "workflow", name, "error", err, "elapsed", elapsed.String())
	} else {
		e.logger.Info(ctx, "workflow completed", "workflow", name, "elapsed", elapsed.String())
	}
	if e.metrics != nil {
		e.metrics.WorkflowCounter.WithLabelValues(name, status).Inc()
		e.metrics.WorkflowDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	}
	return result, err
}

// memoLocked records a completed run, evicting the oldest entries when
// the memo is full.
func (e *Engine) memoLocked(id string, result any) {
	if len(e.completed) >= e.opts.MaxCachedWorkflows {
		drop := len(e.order) / 2
		if drop == 0 {
			drop = 1
		}
		for _, old := range e.order[:drop] {
			delete(e.completed, old)
		}
		e.order = append(e.order[:0], e.order[drop:]...)
	}
	e.completed[id] = completedRun{result: result}
	e.order = append(e.order, id)
}

// lockKey serializes runs that share a business key, such as all
// mutations of one document.
func (e *Engine) lockKey(key string) func() {
	e.mu.Lock()
	kl, ok := e.keys[key]
	if !ok {
		kl = &keyLock{}
		e.keys[key] = kl
	}
	kl.refs++
	e.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		e.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(e.keys, key)
		}
		e.mu.Unlock()
	}
}

// ExecuteActivity runs a registered activity under its retry and
// timeout policies, bounded by the engine's worker pool.
func (e *Engine) ExecuteActivity(ctx context.Context, name string, input any) (any, error) {
	activity, ok := e.activities[name]
	if !ok {
		return nil, memerr.Newf(memerr.KindValidation, "unknown activity: %s", name)
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	policy := activity.Retry
	delay := policy.InitialInterval
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := e.runAttempt(ctx, name, activity, input)
		if err == nil {
			e.countAttempt(name, "ok")
			return result, nil
		}
		lastErr = err

		if !policy.retryable(err) || attempt >= policy.MaxAttempts {
			e.countAttempt(name, "failed")
			break
		}
		e.countAttempt(name, "retry")
		e.logger.Warn(ctx, "activity attempt failed, retrying",
			"activity", name, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * policy.BackoffCoefficient)
		if policy.MaxInterval > 0 && delay > policy.MaxInterval {
			delay = policy.MaxInterval
		}
	}
	return nil, lastErr
}

// runAttempt executes one activity attempt with its StartToClose
// deadline and, when configured, a heartbeat monitor that cancels the
// attempt if the activity goes silent.
func (e *Engine) runAttempt(ctx context.Context, name string, activity Activity, input any) (any, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if activity.Timeouts.StartToClose > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, activity.Timeouts.StartToClose)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var hb *heartbeat
	if activity.Timeouts.Heartbeat > 0 {
		hb = newHeartbeat()
		attemptCtx = context.WithValue(attemptCtx, heartbeatKey{}, hb)
		stop := hb.monitor(activity.Timeouts.Heartbeat, cancel)
		defer stop()
	}

	result, err := activity.Fn(attemptCtx, input)
	if err != nil && attemptCtx.Err() != nil {
		if hb != nil && hb.expired() {
			return nil, memerr.Newf(memerr.KindWorkflow, "activity %s heartbeat timed out", name)
		}
		if ctx.Err() == nil {
			return nil, memerr.Wrap(attemptCtx.Err(), memerr.KindWorkflow,
				fmt.Sprintf("activity %s timed out", name))
		}
	}
	return result, err
}

func (e *Engine) countAttempt(name, outcome string) {
	if e.metrics != nil {
		e.metrics.ActivityAttempts.WithLabelValues(name, outcome).Inc()
	}
}

type heartbeatKey struct{}

// heartbeat tracks activity liveness.
type heartbeat struct {
	lastBeat atomic.Int64
	timedOut atomic.Bool
}

func newHeartbeat() *heartbeat {
	hb := &heartbeat{}
	hb.lastBeat.Store(time.Now().UnixNano())
	return hb
}

func (h *heartbeat) beat() {
	h.lastBeat.Store(time.Now().UnixNano())
}

func (h *heartbeat) expired() bool {
	return h.timedOut.Load()
}

// monitor cancels the attempt when heartbeats stop for more than twice
// the heartbeat interval. The returned func stops monitoring.
func (h *heartbeat) monitor(interval time.Duration, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				silence := time.Since(time.Unix(0, h.lastBeat.Load()))
				if silence > 2*interval {
					h.timedOut.Store(true)
					cancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// Heartbeat reports activity liveness. It is a no-op outside an
// activity with heartbeat monitoring.
func Heartbeat(ctx context.Context) {
	if hb, ok := ctx.Value(heartbeatKey{}).(*heartbeat); ok {
		hb.beat()
	}
}
