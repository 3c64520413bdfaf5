package worker

import (
	"context"
	"sync"
	"time"

	"parkwise/internal/domain"
	"parkwise/internal/metrics"
	"parkwise/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const deadLetterKey = "parkwise:reconcile:deadletter"

type reconcileTask struct {
	LotID   string
	Attempt int
}

type pendingLot struct {
	running bool
	again   bool
}

// ReconcileWorker retries reconciliations that failed after a committed
// mutation and periodically reconciles every lot to repair drift.
type ReconcileWorker struct {
	reconciler    domain.Reconciler
	redis         *redis.Client
	retryPolicy   RetryPolicy
	queue         chan reconcileTask
	sweepInterval time.Duration
	timeout       time.Duration
	logger        *zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingLot
	done    chan struct{}
	stop    sync.Once
}

// NewReconcileWorker builds a worker. redisClient is optional and only
// receives lots whose retries were exhausted.
func NewReconcileWorker(reconciler domain.Reconciler, redisClient *redis.Client, retry RetryPolicy, sweepInterval, timeout time.Duration, logger *zerolog.Logger) *ReconcileWorker {
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}
	if timeout <= 0 {
		timeout = models.DefaultStoreTimeout
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &ReconcileWorker{
		reconciler:    reconciler,
		redis:         redisClient,
		retryPolicy:   retry,
		queue:         make(chan reconcileTask, models.ReconcileQueueSize),
		sweepInterval: sweepInterval,
		timeout:       timeout,
		logger:        logger,
		pending:       make(map[string]*pendingLot),
		done:          make(chan struct{}),
	}
}

var _ domain.ReconcileScheduler = (*ReconcileWorker)(nil)

// Schedule queues lotID for reconciliation. A lot already waiting is not
// queued twice; a lot being reconciled right now is run once more after.
func (w *ReconcileWorker) Schedule(lotID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.pending[lotID]; ok {
		if p.running {
			p.again = true
		}
		return
	}
	w.pending[lotID] = &pendingLot{}
	metrics.IncReconcileRetry("scheduled")
	w.enqueueLocked(reconcileTask{LotID: lotID})
}

func (w *ReconcileWorker) enqueueLocked(task reconcileTask) {
	select {
	case <-w.done:
		delete(w.pending, task.LotID)
		return
	default:
	}

	select {
	case w.queue <- task:
	default:
		// the periodic sweep covers what the queue could not hold
		delete(w.pending, task.LotID)
		metrics.IncReconcileRetry("dropped")
		w.logger.Warn().Str("lot_id", task.LotID).Msg("reconcile queue full, left to sweep")
	}
}

// Pending reports how many lots are queued, waiting for a retry or running.
func (w *ReconcileWorker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Start launches the main loop; stops when ctx is done.
func (w *ReconcileWorker) Start(ctx context.Context) {
	w.logger.Info().Dur("sweep_interval", w.sweepInterval).Msg("reconcile worker started")
	defer w.logger.Info().Msg("reconcile worker stopped")
	defer w.stop.Do(func() { close(w.done) })

	var sweep <-chan time.Time
	if w.sweepInterval > 0 {
		ticker := time.NewTicker(w.sweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-w.queue:
			w.processTask(ctx, task)
		case <-sweep:
			w.Sweep(ctx)
		}
	}
}

// Sweep reconciles every lot once.
func (w *ReconcileWorker) Sweep(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, w.timeout*4)
	defer cancel()

	changed, err := w.reconciler.ReconcileAll(sctx)
	if err != nil {
		w.logger.Error().Err(err).Int("changed", changed).Msg("reconcile sweep finished with errors")
		return
	}
	if changed > 0 {
		w.logger.Warn().Int("changed", changed).Msg("reconcile sweep repaired drifted lots")
	}
}

func (w *ReconcileWorker) processTask(ctx context.Context, task reconcileTask) {
	w.mu.Lock()
	p, ok := w.pending[task.LotID]
	if !ok {
		p = &pendingLot{}
		w.pending[task.LotID] = p
	}
	p.running = true
	w.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, w.timeout)
	_, _, err := w.reconciler.Reconcile(rctx, task.LotID)
	cancel()

	if w.settle(task, p, err) {
		w.pushDeadLetter(task)
	}
}

// settle records the outcome of one attempt and reports whether the lot
// should go to the dead letter list.
func (w *ReconcileWorker) settle(task reconcileTask, p *pendingLot, err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	p.running = false

	switch {
	case err == nil, domain.KindOf(err) == domain.KindNotFound:
		// a deleted lot has nothing left to reconcile
		if err == nil {
			metrics.IncReconcileRetry("succeeded")
		}
		if p.again {
			p.again = false
			w.enqueueLocked(reconcileTask{LotID: task.LotID})
			return false
		}
		delete(w.pending, task.LotID)
		return false

	case !domain.Retryable(err):
		w.logger.Error().Err(err).Str("lot_id", task.LotID).Msg("reconcile failed permanently")
		delete(w.pending, task.LotID)
		return true

	default:
		attempt := task.Attempt + 1
		if w.retryPolicy.Exhausted(attempt) {
			w.logger.Error().Err(err).Str("lot_id", task.LotID).Int("attempts", attempt).Msg("reconcile retries exhausted")
			metrics.IncReconcileRetry("exhausted")
			delete(w.pending, task.LotID)
			return true
		}
		p.again = false
		delay := w.retryPolicy.NextDelay(attempt)
		w.logger.Warn().Err(err).Str("lot_id", task.LotID).Dur("retry_in", delay).Msg("reconcile failed, retrying")
		next := reconcileTask{LotID: task.LotID, Attempt: attempt}
		time.AfterFunc(delay, func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.enqueueLocked(next)
		})
		return false
	}
}

func (w *ReconcileWorker) pushDeadLetter(task reconcileTask) {
	if w.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.redis.LPush(ctx, deadLetterKey, task.LotID).Err(); err != nil {
		w.logger.Warn().Err(err).Str("lot_id", task.LotID).Msg("reconcile deadletter push failed")
	}
}
