package execution

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pabawi/pabawi/errors"
)

const (
	// SubscriberChannelBufferSize is the buffer size for record-update
	// subscriber channels
	SubscriberChannelBufferSize = 100
)

// QueueConfig bounds the queue at construction time. Invalid values are a
// fatal startup error, not a runtime error.
type QueueConfig struct {
	// ConcurrencyLimit is the maximum number of executions running at once
	ConcurrencyLimit int `json:"concurrency_limit"`
	// MaxQueueSize is the maximum number of executions waiting in the
	// overflow queue before submissions are rejected
	MaxQueueSize int `json:"max_queue_size"`
}

// Validate rejects configurations the queue cannot operate under.
func (c QueueConfig) Validate() error {
	if c.ConcurrencyLimit <= 0 {
		return errors.Newf("concurrency limit must be positive, got %d", c.ConcurrencyLimit)
	}
	if c.MaxQueueSize < 0 {
		return errors.Newf("max queue size must be non-negative, got %d", c.MaxQueueSize)
	}
	return nil
}

// DefaultQueueConfig returns sensible defaults
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		ConcurrencyLimit: 4,
		MaxQueueSize:     50,
	}
}

// queueSlot is an execution waiting in the FIFO overflow queue.
type queueSlot struct {
	request    *Request
	record     *Record
	enqueuedAt time.Time
}

// runningExecution tracks one admitted, in-flight execution.
type runningExecution struct {
	request   *Request
	record    *Record
	startedAt time.Time
	cancel    context.CancelFunc
}

// Queue admission-controls concurrent executions: up to ConcurrencyLimit
// run at once, overflow waits FIFO, and submissions beyond MaxQueueSize are
// rejected synchronously. Accepted work is never silently dropped.
//
// The mutex guards the running set, the FIFO list and the subscriber list;
// Submit and settle serialize on it so counters and FIFO order cannot race.
type Queue struct {
	store  *Store
	runner Runner
	sink   EventSink
	cfg    QueueConfig

	baseCtx context.Context

	mu          sync.RWMutex
	running     map[string]*runningExecution
	waiting     []*queueSlot
	seen        map[string]struct{} // execution IDs admitted during this queue's lifetime
	subscribers []chan *Record

	logger *zap.SugaredLogger
}

// NewQueue creates an execution queue. The sink may be nil when no
// streaming is wired. Returns an error for invalid configurations.
func NewQueue(ctx context.Context, db *sql.DB, runner Runner, sink EventSink, cfg QueueConfig, logger *zap.SugaredLogger) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid queue configuration")
	}
	if runner == nil {
		return nil, errors.New("queue requires a runner")
	}
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Queue{
		store:   NewStore(db),
		runner:  runner,
		sink:    sink,
		cfg:     cfg,
		baseCtx: ctx,
		running: make(map[string]*runningExecution),
		seen:    make(map[string]struct{}),
		logger:  logger.Named("queue"),
	}, nil
}

// Store returns the underlying record store (useful for read paths).
func (q *Queue) Store() *Store {
	return q.store
}

// Submit admits, queues, or rejects a request. It never blocks: admission
// is synchronous and the actual work proceeds asynchronously.
//
// The returned record's status tells the caller what happened: running when
// a slot was free, queued when the request went to the FIFO tail. A full
// queue is reported as an error wrapping errors.ErrQueueFull without
// mutating any state.
func (q *Queue) Submit(req *Request) (*Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.seen[req.ID]; dup {
		return nil, errors.Wrapf(errors.ErrDuplicateID, "execution %s was already submitted", req.ID)
	}

	// Reject before touching any counters when both the running pool and
	// the overflow queue are at capacity.
	if len(q.running) >= q.cfg.ConcurrencyLimit && len(q.waiting) >= q.cfg.MaxQueueSize {
		err := errors.Wrapf(errors.ErrQueueFull,
			"%d executions running (limit %d) and %d queued (capacity %d)",
			len(q.running), q.cfg.ConcurrencyLimit, len(q.waiting), q.cfg.MaxQueueSize)
		return nil, errors.WithHint(err, "retry later or reduce concurrent execution load")
	}

	rec := NewRecord(req)

	if len(q.running) < q.cfg.ConcurrencyLimit {
		rec.Start()
		if err := q.store.CreateRecord(rec); err != nil {
			return nil, errors.Wrapf(err, "failed to persist execution %s", req.ID)
		}
		q.seen[req.ID] = struct{}{}
		q.launchLocked(req, rec)
		q.logger.Infow("Execution admitted",
			"execution_id", req.ID,
			"kind", req.Kind,
			"targets", len(req.TargetNodes),
			"running", len(q.running),
		)
		q.notifySubscribersLocked(rec)
		return rec.Clone(), nil
	}

	if err := q.store.CreateRecord(rec); err != nil {
		return nil, errors.Wrapf(err, "failed to persist execution %s", req.ID)
	}
	q.seen[req.ID] = struct{}{}
	q.waiting = append(q.waiting, &queueSlot{
		request:    req,
		record:     rec,
		enqueuedAt: time.Now(),
	})
	q.logger.Infow("Execution queued",
		"execution_id", req.ID,
		"kind", req.Kind,
		"position", len(q.waiting),
	)
	q.notifySubscribersLocked(rec)
	return rec.Clone(), nil
}

// launchLocked registers the execution as running and starts the runner
// asynchronously. REQUIRES: q.mu held, rec already marked running.
func (q *Queue) launchLocked(req *Request, rec *Record) {
	ctx, cancel := context.WithCancel(q.baseCtx)
	run := &runningExecution{
		request:   req,
		record:    rec,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	q.running[req.ID] = run

	go func() {
		defer cancel()
		result, err := q.runner.Run(ctx, req, q.sink)
		q.settle(req.ID, result, err, ctx.Err())
	}()
}

// settle transitions a running execution to its terminal status, frees the
// slot, and promotes the FIFO head before returning so a freed slot is
// never left idle while work is queued.
func (q *Queue) settle(executionID string, result *Result, runErr error, ctxErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	run, ok := q.running[executionID]
	if !ok {
		// Already settled; runners call back exactly once so this only
		// happens if a runner violates its contract.
		q.logger.Warnw("Settle called for unknown execution", "execution_id", executionID)
		return
	}
	delete(q.running, executionID)

	rec := run.record
	if result != nil {
		rec.Results = result.Nodes
	}

	switch {
	case ctxErr != nil:
		rec.Cancel("execution cancelled")
	case runErr != nil:
		rec.Fail(runErr)
	default:
		rec.Finish(result)
	}

	if err := q.store.UpdateRecord(rec); err != nil {
		q.logger.Errorw("Failed to persist settled execution",
			"execution_id", executionID,
			"status", rec.Status,
			"error", err,
		)
	}

	// Terminal stream event contract: complete means the runner finished and
	// the outcome lives in the per-node results (an all-nodes-failed run is
	// still complete), error means the execution never produced an outcome
	// (cancelled, or the runner itself failed before finishing).
	switch rec.Status {
	case StatusCancelled:
		q.sink.EmitError(executionID, errors.Newf("execution cancelled: %s", rec.Error))
	case StatusFailed:
		if runErr != nil {
			q.sink.EmitError(executionID, runErr)
		} else {
			q.sink.EmitComplete(executionID, result)
		}
	default:
		q.sink.EmitComplete(executionID, result)
	}

	q.logger.Infow("Execution settled",
		"execution_id", executionID,
		"status", rec.Status,
		"duration", time.Since(run.startedAt),
		"running", len(q.running),
		"queued", len(q.waiting),
	)

	q.notifySubscribersLocked(rec)
	q.promoteLocked()
}

// promoteLocked moves FIFO heads into free slots. REQUIRES: q.mu held.
func (q *Queue) promoteLocked() {
	for len(q.running) < q.cfg.ConcurrencyLimit && len(q.waiting) > 0 {
		slot := q.waiting[0]
		q.waiting = q.waiting[1:]

		slot.record.Start()
		if err := q.store.UpdateRecord(slot.record); err != nil {
			q.logger.Errorw("Failed to persist promoted execution",
				"execution_id", slot.request.ID,
				"error", err,
			)
		}
		q.launchLocked(slot.request, slot.record)
		q.logger.Infow("Execution promoted from queue",
			"execution_id", slot.request.ID,
			"waited", time.Since(slot.enqueuedAt),
		)
		q.notifySubscribersLocked(slot.record)
	}
}

// Cancel requests cancellation of an execution.
//
// Queued executions are removed immediately and marked cancelled; the
// runner is never invoked for them. Running executions receive a
// cooperative cancellation signal; the runner decides how and when to stop
// and the terminal status is recorded when it settles. Cancelling an
// already-terminal execution is a no-op.
func (q *Queue) Cancel(executionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if run, ok := q.running[executionID]; ok {
		run.cancel()
		q.logger.Infow("Cancellation signalled", "execution_id", executionID)
		return nil
	}

	for i, slot := range q.waiting {
		if slot.request.ID != executionID {
			continue
		}
		q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
		slot.record.Cancel("cancelled while queued")
		if err := q.store.UpdateRecord(slot.record); err != nil {
			return errors.Wrapf(err, "failed to persist cancelled execution %s", executionID)
		}
		q.sink.EmitStatus(executionID, StatusCancelled)
		q.logger.Infow("Queued execution cancelled", "execution_id", executionID)
		q.notifySubscribersLocked(slot.record)
		return nil
	}

	rec, err := q.store.GetRecord(executionID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	// Neither running nor waiting nor terminal: the record predates this
	// queue instance (for example after a restart).
	return errors.Wrapf(errors.ErrAlreadyFinished,
		"execution %s is not tracked by this queue", executionID)
}

// QueuedItem describes one waiting execution in a status snapshot.
type QueuedItem struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Targets    string    `json:"targets"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	WaitTimeMs int64     `json:"wait_time_ms"`
}

// Snapshot is a read-only view of the queue state for observability.
type Snapshot struct {
	Running    int          `json:"running"`
	Queued     int          `json:"queued"`
	Limit      int          `json:"limit"`
	Available  int          `json:"available"`
	QueuedList []QueuedItem `json:"queued_list"`
}

// Status returns a snapshot of the queue. It does not mutate state.
func (q *Queue) Status() Snapshot {
	q.mu.RLock()
	defer q.mu.RUnlock()

	now := time.Now()
	queued := make([]QueuedItem, 0, len(q.waiting))
	for _, slot := range q.waiting {
		queued = append(queued, QueuedItem{
			ID:         slot.request.ID,
			Kind:       slot.request.Kind,
			Targets:    TargetSummary(slot.request.TargetNodes),
			EnqueuedAt: slot.enqueuedAt,
			WaitTimeMs: now.Sub(slot.enqueuedAt).Milliseconds(),
		})
	}

	return Snapshot{
		Running:    len(q.running),
		Queued:     len(q.waiting),
		Limit:      q.cfg.ConcurrencyLimit,
		Available:  q.cfg.ConcurrencyLimit - len(q.running),
		QueuedList: queued,
	}
}

// GetRecord retrieves an execution record by ID
func (q *Queue) GetRecord(id string) (*Record, error) {
	return q.store.GetRecord(id)
}

// Subscribe returns a channel that receives record updates (admissions,
// promotions, settlements). The caller is responsible for calling
// Unsubscribe when done. The returned channel is buffered to prevent
// blocking the notifier.
func (q *Queue) Subscribe() chan *Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Record, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed by this method - callers should close it
// themselves after unsubscribing if needed. This prevents double-close
// panics.
func (q *Queue) Unsubscribe(ch chan *Record) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribersLocked sends record updates to all subscribers.
// REQUIRES: q.mu held. Each subscriber receives its own copy so later
// transitions (promotion, settlement) cannot mutate a record a consumer is
// still reading. Uses non-blocking send so a slow subscriber cannot stall
// admission or settlement.
func (q *Queue) notifySubscribersLocked(rec *Record) {
	for _, ch := range q.subscribers {
		select {
		case ch <- rec.Clone():
		default:
			// Channel full, skip
		}
	}
}
