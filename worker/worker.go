// Package worker implements the pull-dispatch-await engine that drives a
// single stage type: it dequeues tasks, runs them through a user handler
// under a circuit breaker, reports their outcome, and coordinates backoff
// and graceful shutdown around two independent breakers (§4.4).
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jobnik/worker-sdk/backoff"
	"github.com/jobnik/worker-sdk/core"
	"github.com/jobnik/worker-sdk/jobmanager"
	"github.com/jobnik/worker-sdk/resilience"
	"github.com/jobnik/worker-sdk/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// breakerResumeSafetyWindow bounds how long the pull loop waits for the
// handler breaker to leave OPEN before re-checking on its own; §9 fixes
// this as a liveness probe, not a deadline.
const breakerResumeSafetyWindow = 30 * time.Second

// Params supplies the Go-valued collaborators a Worker needs beyond what
// core.Config can express: the handler itself, the API client, and
// optionally a pre-built Producer/IdempotencyGuard/Logger/Telemetry.
type Params struct {
	Handler   Handler
	APIClient jobmanager.Client

	Producer         *jobmanager.Producer   // built from APIClient if nil
	IdempotencyGuard jobmanager.IdempotencyGuard // NoopIdempotencyGuard if nil

	Logger    core.Logger
	Telemetry core.Telemetry
}

// Worker owns one stage type, one handler, a pair of breakers, a backoff
// generator and a concurrency semaphore (§4.4).
type Worker struct {
	id          string
	stageType   string
	concurrency int

	handler   Handler
	apiClient jobmanager.Client
	consumer  *jobmanager.Consumer
	producer  *jobmanager.Producer

	taskHandlerBreaker *resilience.CircuitBreaker
	dequeueBreaker     *resilience.CircuitBreaker
	backoff            *backoff.ExponentialBackoff

	logger    core.Logger
	telemetry core.Telemetry
	events    *eventBus

	running   atomic.Bool
	cancel    context.CancelFunc
	signalCtx context.Context
	loopDone  chan struct{}

	sem chan struct{}
	wg  sync.WaitGroup

	stopOnce sync.Once

	consecutiveEmptyPolls atomic.Int32

	resumeMu sync.Mutex
	resumeCh chan struct{}
}

// New builds a Worker from cfg (stageType, concurrency, breaker and backoff
// options) and params (handler, API client, and optional collaborators). It
// returns a *core.ConfigurationError if cfg or params are incomplete.
func New(cfg *core.Config, params Params) (*Worker, error) {
	if cfg == nil {
		return nil, core.NewConfigurationError(core.ConfigMissingField, "config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if params.Handler == nil {
		return nil, core.NewConfigurationError(core.ConfigMissingField, "handler is required")
	}
	if params.APIClient == nil {
		return nil, core.NewConfigurationError(core.ConfigMissingField, "apiClient is required")
	}

	instanceID := uuid.New().String()

	logger := params.Logger
	if logger == nil {
		logger = cfg.Logger
	}
	if logger == nil {
		logger = core.NewProductionLogger(cfg.Logging, cfg.Development, cfg.Name)
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent(fmt.Sprintf("worker/%s/%s", cfg.StageType, instanceID[:8]))
	}

	guard := params.IdempotencyGuard
	if guard == nil {
		guard = jobmanager.NoopIdempotencyGuard{}
	}

	producer := params.Producer
	if producer == nil {
		producer = jobmanager.NewProducer(params.APIClient)
	}

	telemetryProvider := params.Telemetry
	if telemetryProvider == nil {
		provider, err := telemetry.NewProviderFromConfig(cfg.Telemetry, cfg.Development)
		if err != nil {
			return nil, err
		}
		if provider != nil {
			telemetryProvider = provider
		}
	}

	deps := resilience.Dependencies{Logger: logger, Telemetry: telemetryProvider}
	taskHandlerBreaker, err := resilience.NewTaskHandlerBreaker(cfg.Resilience.TaskHandlerBreaker, deps)
	if err != nil {
		return nil, err
	}
	dequeueBreaker, err := resilience.NewDequeueBreaker(cfg.Resilience.DequeueBreaker, deps)
	if err != nil {
		return nil, err
	}

	backoffCfg := backoff.Config{
		InitialBaseRetryDelayMs: cfg.Backoff.InitialBaseRetryDelayMs,
		BackoffFactor:           cfg.Backoff.BackoffFactor,
		MaxDelayMs:              cfg.Backoff.MaxDelayMs,
		DisableJitter:           cfg.Backoff.DisableJitter,
		MaxJitterFactor:         cfg.Backoff.MaxJitterFactor,
	}
	if err := backoffCfg.Validate(); err != nil {
		return nil, err
	}

	w := &Worker{
		id:                 instanceID,
		stageType:          cfg.StageType,
		concurrency:        cfg.Concurrency,
		handler:            params.Handler,
		apiClient:          params.APIClient,
		consumer:           jobmanager.NewConsumer(params.APIClient, guard),
		producer:           producer,
		taskHandlerBreaker: taskHandlerBreaker,
		dequeueBreaker:     dequeueBreaker,
		backoff:            backoff.New(backoffCfg),
		logger:             logger,
		telemetry:          telemetryProvider,
		events:             newEventBus(logger),
		sem:                make(chan struct{}, cfg.Concurrency),
		resumeCh:           closedChan(),
	}

	w.taskHandlerBreaker.OnStateChange(func(_ string, _, to core.CircuitState) {
		switch to {
		case core.CircuitOpen:
			w.events.Emit(Event{Kind: EventCircuitBreakerOpened, StageType: w.stageType, Breaker: "taskHandler"})
			w.armSuspension()
		case core.CircuitClosed, core.CircuitHalfOpen:
			w.events.Emit(Event{Kind: EventCircuitBreakerClosed, StageType: w.stageType, Breaker: "taskHandler"})
			w.resolveSuspension()
			w.backoff.Reset()
		}
	})
	w.dequeueBreaker.OnStateChange(func(_ string, _, to core.CircuitState) {
		switch to {
		case core.CircuitOpen:
			w.events.Emit(Event{Kind: EventCircuitBreakerOpened, StageType: w.stageType, Breaker: "dequeueTask"})
		case core.CircuitClosed, core.CircuitHalfOpen:
			w.events.Emit(Event{Kind: EventCircuitBreakerClosed, StageType: w.stageType, Breaker: "dequeueTask"})
		}
	})

	return w, nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// ID returns the Worker's randomly generated instance identifier, used to
// distinguish replicas of the same stage type in logs and dashboards.
func (w *Worker) ID() string { return w.id }

// On registers a listener for kind, invoked synchronously from the Worker's
// own goroutine.
func (w *Worker) On(kind EventKind, fn Listener) { w.events.On(kind, fn) }

// Once registers a listener that fires at most once.
func (w *Worker) Once(kind EventKind, fn Listener) { w.events.Once(kind, fn) }

// Off removes a previously registered listener.
func (w *Worker) Off(kind EventKind, fn Listener) { w.events.Off(kind, fn) }

// RemoveAllListeners clears every listener, or only those for kind when
// kind is non-empty.
func (w *Worker) RemoveAllListeners(kind EventKind) { w.events.RemoveAllListeners(kind) }

// Start launches the pull loop in the background and returns immediately.
// ctx bounds the Worker's lifetime in addition to an explicit Stop call.
func (w *Worker) Start(ctx context.Context) error {
	if w.running.Swap(true) {
		return core.NewConfigurationError(core.ConfigMissingField, "worker is already running")
	}

	w.signalCtx, w.cancel = context.WithCancel(ctx)
	w.loopDone = make(chan struct{})
	w.stopOnce = sync.Once{}

	w.events.Emit(Event{Kind: EventStarted, StageType: w.stageType, Concurrency: w.concurrency})
	emitWorkerStarted(w.stageType, w.concurrency)

	go w.loop()
	return nil
}

// Stop sets running to false, aborts the cancellation signal, and waits for
// every in-flight handler future to settle before returning. A second call
// is a no-op. If ctx is cancelled before settlement completes, Stop returns
// ctx.Err() while handlers continue draining in the background.
func (w *Worker) Stop(ctx context.Context) error {
	var stopErr error
	didStop := false

	w.stopOnce.Do(func() {
		didStop = true
		w.running.Store(false)
		w.events.Emit(Event{Kind: EventStopping, StageType: w.stageType, RunningTasks: w.inFlightCount()})
		w.cancel()

		done := make(chan struct{})
		go func() {
			<-w.loopDone
			w.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			stopErr = ctx.Err()
			return
		}

		w.events.Emit(Event{Kind: EventStopped, StageType: w.stageType})
		emitWorkerStopped(w.stageType)
	})

	if !didStop {
		return nil
	}
	return stopErr
}

// inFlightCount returns the number of handler goroutines currently holding a
// concurrency slot, since each dispatch pushes one token into sem and each
// handleTask pops it on return.
func (w *Worker) inFlightCount() int {
	return len(w.sem)
}

// loop is the pull-dispatch cycle (§4.4.1). It runs on its own goroutine for
// the Worker's entire active lifetime.
func (w *Worker) loop() {
	defer close(w.loopDone)

	for w.running.Load() {
		if w.taskHandlerBreaker.GetState() == core.CircuitOpen {
			w.waitForBreakerResume()
			continue
		}

		task, err := w.dequeue()
		if err != nil {
			if w.signalCtx.Err() != nil {
				return
			}
			w.events.Emit(Event{Kind: EventError, StageType: w.stageType, Location: "dequeue", Error: err})
			_ = w.backoff.Wait(w.signalCtx)
			continue
		}

		if task == nil {
			n := w.consecutiveEmptyPolls.Add(1)
			w.events.Emit(Event{Kind: EventQueueEmpty, StageType: w.stageType, ConsecutiveEmptyPolls: int(n)})
			emitQueueEmpty(w.stageType, int(n))
			_ = w.backoff.Wait(w.signalCtx)
			continue
		}

		w.consecutiveEmptyPolls.Store(0)
		w.backoff.Reset()

		select {
		case w.sem <- struct{}{}:
			if !w.running.Load() {
				<-w.sem
				continue
			}
			w.wg.Add(1)
			go w.handleTask(task)
		case <-w.signalCtx.Done():
			return
		}
	}
}

func (w *Worker) dequeue() (*jobmanager.Task, error) {
	var task *jobmanager.Task
	err := w.dequeueBreaker.Execute(w.signalCtx, func() error {
		t, derr := w.consumer.DequeueTask(w.signalCtx, w.stageType)
		task = t
		return derr
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (w *Worker) armSuspension() {
	w.resumeMu.Lock()
	defer w.resumeMu.Unlock()
	select {
	case <-w.resumeCh:
		w.resumeCh = make(chan struct{})
	default:
		// already armed
	}
}

func (w *Worker) resolveSuspension() {
	w.resumeMu.Lock()
	defer w.resumeMu.Unlock()
	select {
	case <-w.resumeCh:
		// already resolved
	default:
		close(w.resumeCh)
	}
}

func (w *Worker) waitForBreakerResume() {
	w.resumeMu.Lock()
	ch := w.resumeCh
	w.resumeMu.Unlock()

	timer := time.NewTimer(breakerResumeSafetyWindow)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-w.signalCtx.Done():
	}
}

// handleTask builds the HandlerContext, invokes the user handler through
// the handler breaker, and reports the outcome (§4.4.2). It always releases
// its concurrency slot and wg count on return.
func (w *Worker) handleTask(task *jobmanager.Task) {
	dispatchedAt := time.Now()
	defer func() {
		<-w.sem
		w.wg.Done()
	}()

	w.events.Emit(Event{Kind: EventTaskStarted, StageType: w.stageType, TaskID: task.ID})
	emitTaskStarted(w.signalCtx, w.stageType, task.ID)

	stage, job, err := w.fetchStageAndJob(task)
	if err != nil {
		w.events.Emit(Event{Kind: EventTaskFailed, StageType: w.stageType, TaskID: task.ID, Error: err})
		emitTaskFailed(w.signalCtx, w.stageType, task.ID, 0, err)
		w.settle(task.ID, false)
		return
	}

	ctx, span := w.startTaskSpan(task, stage, job)
	defer span.End()

	hctx := newHandlerContext(w.signalCtx, w.logger, w.producer, w.apiClient, stage, job, task.ID)

	handlerCtx, handlerSpan := telemetry.StartMultiLinkedSpan(ctx, "worker", "task.handle", trace.SpanKindInternal, nil, []attribute.KeyValue{
		attribute.String("messaging.operation", "process"),
	})

	handlerErr := w.taskHandlerBreaker.Execute(handlerCtx, func() error {
		return w.handler(handlerCtx, task, hctx)
	})
	handlerSpan.End()

	duration := time.Since(dispatchedAt)

	if handlerErr != nil {
		w.events.Emit(Event{Kind: EventTaskFailed, StageType: w.stageType, TaskID: task.ID, Error: handlerErr, Duration: duration})
		emitTaskFailed(ctx, w.stageType, task.ID, duration, handlerErr)
		w.settle(task.ID, false)
		return
	}

	w.events.Emit(Event{Kind: EventTaskCompleted, StageType: w.stageType, TaskID: task.ID, Duration: duration})
	emitTaskCompleted(ctx, w.stageType, task.ID, duration)
	w.settle(task.ID, true)
}

func (w *Worker) fetchStageAndJob(task *jobmanager.Task) (*jobmanager.Stage, *jobmanager.Job, error) {
	stage, err := w.apiClient.GetStage(w.signalCtx, task.StageID)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching stage %s: %w", task.StageID, err)
	}
	job, err := w.apiClient.GetJob(w.signalCtx, stage.JobID)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching job %s: %w", stage.JobID, err)
	}
	return stage, job, nil
}

// settle reports the task's final outcome. Mark calls use a context
// detached from the Worker's cancellation signal: a task already dispatched
// must be allowed to settle even after stop() has fired the signal,
// otherwise every in-flight task at shutdown would strand as the server's
// timeout problem instead of completing cleanly.
func (w *Worker) settle(taskID jobmanager.TaskId, success bool) {
	markCtx := context.Background()
	location := "markTaskFailed"
	markErr := w.consumer.MarkTaskFailed(markCtx, taskID)
	if success {
		location = "markTaskCompleted"
		markErr = w.consumer.MarkTaskCompleted(markCtx, taskID)
	}
	if markErr != nil {
		w.events.Emit(Event{Kind: EventError, StageType: w.stageType, Location: location, Error: markErr})
	}
}

// startTaskSpan opens the outer CONSUMER span for the task's processing,
// linked to the task's, stage's and job's own stored trace contexts (§4.6).
func (w *Worker) startTaskSpan(task *jobmanager.Task, stage *jobmanager.Stage, job *jobmanager.Job) (context.Context, trace.Span) {
	links := []telemetry.TraceLink{
		{Relation: "task", Traceparent: task.Traceparent, Tracestate: task.Tracestate},
		{Relation: "stage", Traceparent: stage.Traceparent},
		{Relation: "job", Traceparent: job.Traceparent},
	}

	attrs := []attribute.KeyValue{
		attribute.String("messaging.destination.name", w.stageType),
		attribute.String("messaging.message.id", task.ID.String()),
		attribute.String("job_manager.stage.id", stage.ID.String()),
		attribute.String("job_manager.job.name", job.Name),
		attribute.String("job_manager.job.priority", string(job.Priority)),
	}

	return telemetry.StartMultiLinkedSpan(w.signalCtx, "worker", "task.process", trace.SpanKindConsumer, links, attrs)
}
