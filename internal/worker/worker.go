// Package worker runs retrieval: it resolves accounts, enumerates their
// identities, runs the retriever chain for every identity and persists the
// results, each stage served by its own pool of workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"iam-advisor/internal/logger"
	"iam-advisor/internal/models"
	"iam-advisor/internal/queue"
	"iam-advisor/internal/retriever"
)

var (
	// ErrCancelled is returned by Run when the run was stopped by Cancel or
	// by its context before the pipeline drained.
	ErrCancelled = errors.New("run cancelled")
	// ErrNoRetrievers is returned by Run when no retriever is registered.
	ErrNoRetrievers = errors.New("no retrievers registered")
	// ErrRunning is returned by Run when the runner is already running.
	ErrRunning = errors.New("run already in progress")
)

var tracer = otel.Tracer("iam-advisor/internal/worker")

// Config sizes the worker pools.
type Config struct {
	// Workers is the number of workers in each of the three pools.
	Workers int
}

// Runner drives a retrieval run through three queues: accounts, arns and
// results. A Runner runs one pipeline at a time; the queues and the failure
// list belong to a single Run call.
type Runner struct {
	workers    int
	resolver   AccountResolver
	enumerator IdentityEnumerator
	sink       Sink
	chain      retriever.Chain
	logger     logger.Logger
	metrics    *Metrics
	observer   func(models.RunEvent)

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	cancelled bool
	failed    []string
	stats     models.RunStats
}

type Option func(*Runner)

func WithLogger(l logger.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithMetrics records run statistics on m.
func WithMetrics(m *Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithObserver calls fn for every run event. fn is called from the worker
// goroutines and must not block.
func WithObserver(fn func(models.RunEvent)) Option {
	return func(r *Runner) {
		r.observer = fn
	}
}

// New creates a Runner. resolver and enumerator are not used by runs that
// are given explicit ARNs.
func New(cfg Config, resolver AccountResolver, enumerator IdentityEnumerator, sink Sink, opts ...Option) *Runner {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	r := &Runner{
		workers:    workers,
		resolver:   resolver,
		enumerator: enumerator,
		sink:       sink,
		logger:     logger.NewNoopLogger(),
		metrics:    NewMetrics(nil),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterRetriever appends rt to the chain run for every identity.
func (r *Runner) RegisterRetriever(rt retriever.Retriever) {
	r.chain.Register(rt)
}

// Cancel stops the current run. Workers stop at their next wait; remote
// jobs already submitted are abandoned. Calling Cancel when nothing runs,
// or more than once, has no effect.
func (r *Runner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil || r.cancelled {
		return
	}
	r.cancelled = true
	r.cancel()
}

// FailedARNs returns the identities whose retrieval or storage failed in the
// last run.
func (r *Runner) FailedARNs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failed...)
}

// Stats returns the counters of the last run.
func (r *Runner) Stats() models.RunStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Runner) addFailed(arn string) {
	r.mu.Lock()
	r.failed = append(r.failed, arn)
	r.mu.Unlock()
}

// run holds the state of one Run call.
type run struct {
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	logger   logger.Logger
	accounts *queue.Queue[string]
	arns     *queue.Queue[string]
	results  *queue.Queue[models.RetrievalResult]

	nAccounts  atomic.Int64
	nARNs      atomic.Int64
	nRetrieved atomic.Int64
	nFailed    atomic.Int64
	nStored    atomic.Int64

	fatalOnce sync.Once
	fatal     error
}

func (rn *run) abort(err error) {
	rn.fatalOnce.Do(func() {
		rn.fatal = err
		rn.cancel()
	})
}

func (rn *run) snapshot() *models.RunStats {
	return &models.RunStats{
		Accounts:  rn.nAccounts.Load(),
		ARNs:      rn.nARNs.Load(),
		Retrieved: rn.nRetrieved.Load(),
		Failed:    rn.nFailed.Load(),
		Stored:    rn.nStored.Load(),
	}
}

func (r *Runner) emit(rn *run, ev models.RunEvent) {
	if r.observer == nil {
		return
	}
	ev.RunID = rn.id
	ev.Time = time.Now().UTC()
	r.observer(ev)
}

// Run retrieves and stores the service usage of every identity selected by
// arns, or when arns is empty, of every identity in accounts. Empty accounts
// selects every account in the directory. Run returns once the accounts, arns
// and results queues have drained in that order, and every worker has exited.
//
// A failure for one identity is recorded in FailedARNs and does not stop the
// run. Failing to resolve accounts or to enumerate an account stops the run
// and is returned.
func (r *Runner) Run(ctx context.Context, accounts, arns []string) (err error) {
	if r.chain.Len() == 0 {
		return ErrNoRetrievers
	}

	ctx, span := tracer.Start(ctx, "worker.Run")
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrRunning
	}
	r.running = true
	r.cancel = cancel
	r.cancelled = false
	r.failed = nil
	r.stats = models.RunStats{}
	r.mu.Unlock()

	rn := &run{
		id:       uuid.NewString(),
		ctx:      ctx,
		cancel:   cancel,
		accounts: queue.New[string](),
		arns:     queue.New[string](),
		results:  queue.New[models.RetrievalResult](),
	}
	rn.logger = r.logger.With(zap.String("run_id", rn.id))
	span.SetAttributes(attribute.String("run_id", rn.id))

	start := time.Now()
	defer func() {
		stats := rn.snapshot()
		outcome := outcomeFinished
		evType := models.EventRunFinished
		switch {
		case errors.Is(err, ErrCancelled):
			outcome, evType = outcomeCancelled, models.EventRunCancelled
		case err != nil:
			outcome = outcomeError
		}
		r.metrics.Runs.WithLabelValues(outcome).Inc()
		r.metrics.RunDuration.Observe(time.Since(start).Seconds())

		r.mu.Lock()
		r.running = false
		r.cancel = nil
		r.stats = *stats
		r.mu.Unlock()

		ev := models.RunEvent{Type: evType, Stats: stats}
		if err != nil {
			ev.Error = err.Error()
		}
		r.emit(rn, ev)
		rn.logger.Info("run done",
			zap.String("outcome", outcome),
			zap.Int64("arns", stats.ARNs),
			zap.Int64("stored", stats.Stored),
			zap.Int64("failed", stats.Failed),
			zap.Duration("took", time.Since(start)))
	}()

	r.emit(rn, models.RunEvent{Type: models.EventRunStarted})
	rn.logger.Info("run started", zap.Int("workers", r.workers), zap.Strings("accounts", accounts), zap.Int("arns", len(arns)))

	var wg conc.WaitGroup

	if len(arns) > 0 {
		// explicit identities skip account discovery entirely
		for _, arn := range arns {
			rn.nARNs.Add(1)
			rn.arns.Put(arn)
		}
	} else {
		ids, err := r.resolve(ctx, accounts)
		if err != nil {
			if ctx.Err() != nil {
				return ErrCancelled
			}
			return fmt.Errorf("resolve accounts: %w", err)
		}
		rn.logger.Info("resolved accounts", zap.Int("accounts", len(ids)))
		for _, id := range ids {
			rn.accounts.Put(id)
		}
		for i := 0; i < r.workers; i++ {
			wg.Go(func() { r.accountWorker(rn, i) })
		}
	}

	for i := 0; i < r.workers; i++ {
		wg.Go(func() { r.retrievalWorker(rn, i) })
	}
	for i := 0; i < r.workers; i++ {
		wg.Go(func() { r.resultWorker(rn, i) })
	}

	joinErr := drain(ctx, rn.accounts, rn.arns, rn.results)

	cancel()
	if rec := wg.WaitAndRecover(); rec != nil {
		return fmt.Errorf("worker panic: %w", rec.AsError())
	}

	if rn.fatal != nil {
		return rn.fatal
	}
	if joinErr != nil {
		return ErrCancelled
	}
	return nil
}

func (r *Runner) resolve(ctx context.Context, accounts []string) ([]string, error) {
	if len(accounts) == 0 {
		return r.resolver.All(ctx)
	}
	return r.resolver.Named(ctx, accounts)
}

type joiner interface {
	Join(ctx context.Context) error
}

// drain waits for each queue in turn.
func drain(ctx context.Context, queues ...joiner) error {
	for _, q := range queues {
		if err := q.Join(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) accountWorker(rn *run, id int) {
	log := rn.logger.With(zap.String("stage", "accounts"), zap.Int("worker", id))
	for {
		account, err := rn.accounts.Get(rn.ctx)
		if err != nil {
			return
		}

		var n int64
		err = r.enumerator.Enumerate(rn.ctx, account, func(arn string) {
			n++
			rn.nARNs.Add(1)
			rn.arns.Put(arn)
		})
		switch {
		case err != nil && rn.ctx.Err() == nil:
			log.Error("failed to enumerate account", zap.String("account", account), zap.Error(err))
			rn.abort(fmt.Errorf("enumerate account %s: %w", account, err))
		case err == nil:
			rn.nAccounts.Add(1)
			r.metrics.Accounts.Inc()
			log.Debug("enumerated account", zap.String("account", account), zap.Int64("arns", n))
			r.emit(rn, models.RunEvent{Type: models.EventAccountListed, Account: account})
		}
		rn.accounts.Done()
	}
}

func (r *Runner) retrievalWorker(rn *run, id int) {
	log := rn.logger.With(zap.String("stage", "arns"), zap.Int("worker", id))
	for {
		arn, err := rn.arns.Get(rn.ctx)
		if err != nil {
			return
		}
		r.retrieve(rn, log, arn)
		rn.arns.Done()
	}
}

func (r *Runner) retrieve(rn *run, log logger.Logger, arn string) {
	var (
		data retriever.Data
		err  error
	)
	if rec := panics.Try(func() { data, err = r.chain.Run(rn.ctx, arn) }); rec != nil {
		err = rec.AsError()
	}

	if err != nil {
		if rn.ctx.Err() != nil {
			return
		}
		fields := []zap.Field{zap.String("arn", arn), zap.Error(err)}
		var tagged *retriever.Error
		if errors.As(err, &tagged) {
			fields = append(fields, zap.String("retriever", tagged.Retriever))
		}
		log.Error("failed to retrieve data", fields...)

		r.addFailed(arn)
		rn.nFailed.Add(1)
		r.metrics.ARNs.WithLabelValues(outcomeFailed).Inc()
		r.emit(rn, models.RunEvent{Type: models.EventARNFailed, ARN: arn, Error: err.Error()})
		return
	}

	records, ok := data.ServiceUsage()
	if !ok {
		log.Debug("no service usage collected", zap.String("arn", arn))
		r.metrics.ARNs.WithLabelValues(outcomeSkipped).Inc()
		r.emit(rn, models.RunEvent{Type: models.EventResultNotStored, ARN: arn})
		return
	}

	rn.nRetrieved.Add(1)
	r.metrics.ARNs.WithLabelValues(outcomeRetrieved).Inc()
	rn.results.Put(models.RetrievalResult{ARN: arn, Records: records})
	r.emit(rn, models.RunEvent{Type: models.EventARNRetrieved, ARN: arn})
}

func (r *Runner) resultWorker(rn *run, id int) {
	log := rn.logger.With(zap.String("stage", "results"), zap.Int("worker", id))
	for {
		result, err := rn.results.Get(rn.ctx)
		if err != nil {
			return
		}

		start := time.Now()
		err = r.sink.Store(rn.ctx, result.ARN, result.Records)
		r.metrics.StoreDuration.Observe(time.Since(start).Seconds())

		switch {
		case err != nil && rn.ctx.Err() == nil:
			log.Error("failed to store results", zap.String("arn", result.ARN), zap.Error(err))
			r.addFailed(result.ARN)
			rn.nFailed.Add(1)
			r.metrics.Stores.WithLabelValues(outcomeError).Inc()
			r.emit(rn, models.RunEvent{Type: models.EventResultNotStored, ARN: result.ARN, Error: err.Error()})
		case err == nil:
			rn.nStored.Add(1)
			r.metrics.Stores.WithLabelValues(outcomeStored).Inc()
			log.Debug("stored results", zap.String("arn", result.ARN), zap.Int("records", len(result.Records)))
			r.emit(rn, models.RunEvent{Type: models.EventResultStored, ARN: result.ARN})
		}
		rn.results.Done()
	}
}
