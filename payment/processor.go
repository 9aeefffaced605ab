package payment

import (
	"container/heap"
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ExecutionMode tags how a routed job is scheduled for settlement.
type ExecutionMode string

const (
	ModeImmediate  ExecutionMode = "IMMEDIATE"
	ModeBatch      ExecutionMode = "BATCH"
	ModeScheduled  ExecutionMode = "SCHEDULED"
	ModeConditional ExecutionMode = "CONDITIONAL"
)

// RouteAction is what a matched RoutingRule contributes: an execution mode
// and a router selection, plus whether it demands manual approval before
// settlement.
type RouteAction struct {
	Mode            ExecutionMode
	RouterID        string
	RequireApproval bool
	ScheduledAt     time.Time
	Precondition    func(Request) bool
}

// RoutingRule is one entry of the ordered rule set the Processor evaluates
// against a payment's amount, type, priority, and linkage. Conflicts
// resolve by RulePriority, higher wins.
type RoutingRule struct {
	Name         string
	RulePriority int
	Match        func(Request) bool
	Action       RouteAction
}

// DefaultFallbackRule is applied when no rule matches: immediate + v0
// router, per spec §4.7.
var DefaultFallbackRule = RoutingRule{
	Name:         "fallback",
	RulePriority: math.MinInt32,
	Match:        func(Request) bool { return true },
	Action:       RouteAction{Mode: ModeImmediate, RouterID: "v0"},
}

// Settler executes settlement for one request against a router and returns
// the observed external transaction id, if any, even on error — required
// so the Processor can record it before a timeout to prevent double-spend
// on retry.
type Settler interface {
	Settle(ctx context.Context, req Request, routerID string) (txID string, err error)
}

// SettlerFunc adapts a function to Settler.
type SettlerFunc func(ctx context.Context, req Request, routerID string) (string, error)

func (f SettlerFunc) Settle(ctx context.Context, req Request, routerID string) (string, error) {
	return f(ctx, req, routerID)
}

// JobStatus is a settlement job's outcome.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobSettled JobStatus = "settled"
	JobFailed  JobStatus = "failed"
)

// Job is one unit of settlement work derived from a routed request.
type Job struct {
	Request  Request
	Action   RouteAction
	Attempt  int
	Status   JobStatus
	TxID     string
	LastErr  string
}

// priorityQueue orders pending immediate jobs by Priority.Rank, highest
// first, via container/heap (urgent > high > normal > low).
type priorityQueue []*Job

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	return q[i].Request.Priority.Rank() > q[j].Request.Priority.Rank()
}
func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x any)   { *q = append(*q, x.(*Job)) }
func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Processor selects a routing strategy per request and executes settlement
// with bounded retries, per spec §4.7.
type Processor struct {
	cfg     Config
	rules   []RoutingRule
	settler Settler
	log     *logrus.Logger

	mu          sync.Mutex
	immediate   priorityQueue
	batch       []*Job
	scheduled   []*Job
	conditional []*Job

	sem      chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// NewProcessor constructs a Processor. rules are evaluated in the order
// given but resolved by RulePriority; DefaultFallbackRule is always
// appended last.
func NewProcessor(cfg Config, rules []RoutingRule, settler Settler, log *logrus.Logger) *Processor {
	if log == nil {
		log = logrus.New()
	}
	all := append(append([]RoutingRule{}, rules...), DefaultFallbackRule)
	p := &Processor{
		cfg:     cfg,
		rules:   all,
		settler: settler,
		log:     log,
		sem:     make(chan struct{}, cfg.MaxConcurrentJobs),
		stop:    make(chan struct{}),
	}
	heap.Init(&p.immediate)
	return p
}

// route evaluates the rule set against req and returns the highest-priority
// matching action.
func (p *Processor) route(req Request) RouteAction {
	var best *RoutingRule
	for i := range p.rules {
		r := &p.rules[i]
		if r.Match(req) {
			if best == nil || r.RulePriority > best.RulePriority {
				best = r
			}
		}
	}
	if best == nil {
		return DefaultFallbackRule.Action
	}
	return best.Action
}

// Submit routes req and enqueues it onto the appropriate execution lane.
func (p *Processor) Submit(req Request) *Job {
	action := p.route(req)
	job := &Job{Request: req, Action: action, Status: JobPending}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch action.Mode {
	case ModeImmediate:
		heap.Push(&p.immediate, job)
	case ModeBatch:
		p.batch = append(p.batch, job)
	case ModeScheduled:
		p.scheduled = append(p.scheduled, job)
	case ModeConditional:
		p.conditional = append(p.conditional, job)
	}
	return job
}

// RunImmediateWorkers drains the immediate priority queue across
// MaxConcurrentJobs workers until Stop is called.
func (p *Processor) RunImmediateWorkers(ctx context.Context) {
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		job := p.popImmediate()
		if job == nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		p.sem <- struct{}{}
		go func(j *Job) {
			defer func() { <-p.sem }()
			p.execute(ctx, j)
		}(job)
	}
}

func (p *Processor) popImmediate() *Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.immediate.Len() == 0 {
		return nil
	}
	return heap.Pop(&p.immediate).(*Job)
}

// RunBatchLoop drains up to BatchSize batch jobs every BatchInterval.
func (p *Processor) RunBatchLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.drainBatch(ctx)
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Processor) drainBatch(ctx context.Context) {
	p.mu.Lock()
	n := p.cfg.BatchSize
	if n > len(p.batch) {
		n = len(p.batch)
	}
	batch := p.batch[:n]
	p.batch = p.batch[n:]
	p.mu.Unlock()

	for _, job := range batch {
		p.execute(ctx, job)
	}
}

// RunScheduledLoop releases scheduled jobs whose ScheduledAt has arrived,
// checking at the given poll interval.
func (p *Processor) RunScheduledLoop(ctx context.Context, poll time.Duration) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.releaseDue(ctx)
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Processor) releaseDue(ctx context.Context) {
	now := time.Now()
	p.mu.Lock()
	var due, rest []*Job
	for _, j := range p.scheduled {
		if !j.Action.ScheduledAt.After(now) {
			due = append(due, j)
		} else {
			rest = append(rest, j)
		}
	}
	p.scheduled = rest
	p.mu.Unlock()

	for _, j := range due {
		p.execute(ctx, j)
	}
}

// RunConditionalLoop re-evaluates each conditional job's precondition at
// the given poll interval and executes it once the precondition holds.
func (p *Processor) RunConditionalLoop(ctx context.Context, poll time.Duration) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.checkConditional(ctx)
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Processor) checkConditional(ctx context.Context) {
	p.mu.Lock()
	var ready, rest []*Job
	for _, j := range p.conditional {
		if j.Action.Precondition == nil || j.Action.Precondition(j.Request) {
			ready = append(ready, j)
		} else {
			rest = append(rest, j)
		}
	}
	p.conditional = rest
	p.mu.Unlock()

	for _, j := range ready {
		p.execute(ctx, j)
	}
}

// execute runs settlement with bounded exponential-backoff retry. A
// settlement that times out is treated as a failure for retry purposes,
// but any observed external txid is recorded first so a retry never
// double-spends an already-submitted transfer.
func (p *Processor) execute(ctx context.Context, job *Job) {
	job.Status = JobRunning
	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		job.Attempt = attempt

		settleCtx, cancel := context.WithTimeout(ctx, p.cfg.SettlementTimeout)
		txID, err := p.settler.Settle(settleCtx, job.Request, job.Action.RouterID)
		cancel()

		if txID != "" {
			job.TxID = txID
		}
		if err == nil {
			job.Status = JobSettled
			p.log.WithFields(logrus.Fields{"payment_id": job.Request.PaymentID, "tx_id": txID, "attempt": attempt}).
				Info("payment settled")
			return
		}

		job.LastErr = err.Error()
		if errors.Is(err, context.DeadlineExceeded) && job.TxID != "" {
			// A submitted-but-unknown outcome: do not blindly retry without
			// external confirmation of non-inclusion.
			p.log.WithFields(logrus.Fields{"payment_id": job.Request.PaymentID, "tx_id": job.TxID}).
				Warn("settlement timed out with a txid observed; holding for confirmation before retry")
			job.Status = JobFailed
			return
		}

		if attempt == p.cfg.RetryAttempts {
			break
		}
		backoff := time.Duration(math.Pow(2, float64(attempt-1))) * 100 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			job.Status = JobFailed
			return
		}
	}
	job.Status = JobFailed
	p.log.WithFields(logrus.Fields{"payment_id": job.Request.PaymentID, "error": job.LastErr}).
		Warn("payment settlement failed after retries, request remains VALIDATED for resubmission")
}

// Stop halts all running loops.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}
