// Package commandqueue serializes execute and health check requests into a
// single ordered intake. Every accepted command receives exactly one response
// on its own buffered channel.
package commandqueue

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kandev/nexus/internal/common/errors"
	"github.com/kandev/nexus/internal/common/logger"
	"github.com/kandev/nexus/internal/metrics"
	v1 "github.com/kandev/nexus/pkg/api/v1"
)

// Transport errors, always wrapped as EXECUTION_FAILED.
var (
	ErrQueueFull      = stderrors.New("command queue is full")
	ErrQueueClosed    = stderrors.New("command queue is closed")
	ErrAlreadyStarted = stderrors.New("command queue already started")
)

const (
	DefaultSize          = 1024
	DefaultMaxConcurrent = 10
)

// CommandType identifies a command variant
type CommandType string

const (
	CommandExecute     CommandType = "execute"
	CommandHealthCheck CommandType = "health_check"
	CommandShutdown    CommandType = "shutdown"
)

// Response is written once to the command's response channel.
type Response struct {
	Output *v1.AgentOutput
	Health v1.HealthStatus
	Err    error
}

// Command is a request travelling through the queue.
type Command struct {
	Type      CommandType
	AgentName string
	Input     *v1.AgentInput
	Context   *v1.AgentContext

	ctx       context.Context
	response  chan Response
	responded atomic.Bool
}

// NewExecuteCommand builds an execute command. ctx is handed to the executor.
func NewExecuteCommand(ctx context.Context, name string, input *v1.AgentInput, actx *v1.AgentContext) *Command {
	return &Command{
		Type:      CommandExecute,
		AgentName: name,
		Input:     input,
		Context:   actx,
		ctx:       ctx,
		response:  make(chan Response, 1),
	}
}

// NewHealthCheckCommand builds a health check command.
func NewHealthCheckCommand(ctx context.Context, name string) *Command {
	return &Command{
		Type:      CommandHealthCheck,
		AgentName: name,
		ctx:       ctx,
		response:  make(chan Response, 1),
	}
}

// Wait blocks until the response arrives or ctx is done. A response written
// after the caller gave up stays in the buffered slot and is discarded.
func (c *Command) Wait(ctx context.Context) Response {
	select {
	case resp := <-c.response:
		return resp
	case <-ctx.Done():
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Response{Err: errors.Timeout(fmt.Sprintf("gave up waiting for %s of agent '%s'", c.Type, c.AgentName))}
		}
		return Response{Err: errors.ExecutionFailed("waiting for command response", ctx.Err())}
	}
}

// respond writes the response at most once.
func (c *Command) respond(resp Response) {
	if c.response == nil || !c.responded.CompareAndSwap(false, true) {
		return
	}
	c.response <- resp
}

// Runner executes dispatched commands.
type Runner interface {
	Execute(ctx context.Context, name string, input *v1.AgentInput, actx *v1.AgentContext) (*v1.AgentOutput, error)
	HealthCheck(ctx context.Context, name string) (v1.HealthStatus, error)
}

// Config sizes the queue.
type Config struct {
	Size          int
	MaxConcurrent int
}

// Queue is the command intake with its processing loop.
type Queue struct {
	runner  Runner
	logger  *logger.Logger
	metrics *metrics.Recorder

	commands chan *Command
	sem      *semaphore.Weighted
	wg       sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	started  bool
	done     chan struct{}
	stopOnce sync.Once

	// markerMu serializes shutdown marker sends; markerSent is set only once
	// the marker is actually in the intake
	markerMu   sync.Mutex
	markerSent bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithMetrics records queue depth and in-flight commands on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(q *Queue) { q.metrics = r }
}

// New creates a queue. Call Start to begin processing.
func New(runner Runner, cfg Config, log *logger.Logger, opts ...Option) *Queue {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	q := &Queue{
		runner:   runner,
		logger:   log.WithFields(zap.String("component", "command-queue")),
		commands: make(chan *Command, cfg.Size),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the processing loop. Cancelling ctx rejects every command
// still queued with ErrQueueClosed.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return ErrAlreadyStarted
	}
	if q.closed {
		return errors.ExecutionFailed("cannot start command queue", ErrQueueClosed)
	}
	q.started = true

	go q.loop(ctx)
	q.logger.Info("command queue started", zap.Int("capacity", cap(q.commands)))
	return nil
}

// Submit enqueues a command without waiting for it to run.
func (q *Queue) Submit(cmd *Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.ExecutionFailed("command rejected", ErrQueueClosed)
	}
	select {
	case q.commands <- cmd:
		q.metrics.QueueDepthInc()
		return nil
	default:
		return errors.ExecutionFailed("command rejected", ErrQueueFull)
	}
}

// Execute submits an execute command and waits for its response.
func (q *Queue) Execute(ctx context.Context, name string, input *v1.AgentInput, actx *v1.AgentContext) (*v1.AgentOutput, error) {
	cmd := NewExecuteCommand(ctx, name, input, actx)
	if err := q.Submit(cmd); err != nil {
		return nil, err
	}
	resp := cmd.Wait(ctx)
	return resp.Output, resp.Err
}

// HealthCheck submits a health check command and waits for its response.
func (q *Queue) HealthCheck(ctx context.Context, name string) (v1.HealthStatus, error) {
	cmd := NewHealthCheckCommand(ctx, name)
	if err := q.Submit(cmd); err != nil {
		return v1.HealthStatus{}, err
	}
	resp := cmd.Wait(ctx)
	return resp.Health, resp.Err
}

// Len returns the number of commands accepted but not yet dispatched.
func (q *Queue) Len() int {
	return len(q.commands)
}

// Shutdown stops intake, lets the loop drain accepted commands and waits for
// in-flight work. It returns early with ctx's error if ctx ends first.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	started := q.started
	q.mu.Unlock()

	if !started {
		q.stopOnce.Do(func() {
			q.rejectQueued()
			close(q.done)
		})
		return nil
	}

	// intake is closed, so the shutdown marker lands behind every accepted command
	q.markerMu.Lock()
	if !q.markerSent {
		select {
		case q.commands <- &Command{Type: CommandShutdown}:
			q.markerSent = true
		case <-q.done:
		case <-ctx.Done():
		}
	}
	q.markerMu.Unlock()

	select {
	case <-q.done:
		q.logger.Info("command queue stopped")
		return nil
	case <-ctx.Done():
		return errors.ExecutionFailed("command queue shutdown", ctx.Err())
	}
}

// Done is closed once the processing loop has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.done)

	for {
		select {
		case <-ctx.Done():
			q.abort()
			return

		case cmd := <-q.commands:
			if cmd.Type == CommandShutdown {
				q.wg.Wait()
				q.rejectQueued()
				return
			}
			q.metrics.QueueDepthDec()

			// Acquire in the loop so dispatch order equals arrival order.
			if err := q.sem.Acquire(ctx, 1); err != nil {
				cmd.respond(Response{Err: errors.ExecutionFailed("command rejected", ErrQueueClosed)})
				q.abort()
				return
			}

			q.wg.Add(1)
			go func(c *Command) {
				defer q.wg.Done()
				defer q.sem.Release(1)
				q.dispatch(c)
			}(cmd)
		}
	}
}

func (q *Queue) dispatch(cmd *Command) {
	q.metrics.InFlightInc()
	defer q.metrics.InFlightDec()

	var resp Response
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("command dispatch panicked",
				zap.String("agent", cmd.AgentName),
				zap.Any("panic", r))
			resp = Response{Err: errors.ExecutionFailed("command dispatch panicked", fmt.Errorf("%v", r))}
		}
		cmd.respond(resp)
	}()

	ctx := cmd.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	// the caller already gave up, so nobody would own the outcome
	if err := ctx.Err(); err != nil {
		q.logger.Debug("skipping command whose caller is gone",
			zap.String("type", string(cmd.Type)),
			zap.String("agent", cmd.AgentName))
		resp.Err = errors.ExecutionFailed(fmt.Sprintf("%s of agent '%s' cancelled before dispatch", cmd.Type, cmd.AgentName), err)
		return
	}

	switch cmd.Type {
	case CommandExecute:
		resp.Output, resp.Err = q.runner.Execute(ctx, cmd.AgentName, cmd.Input, cmd.Context)
	case CommandHealthCheck:
		resp.Health, resp.Err = q.runner.HealthCheck(ctx, cmd.AgentName)
	default:
		resp.Err = errors.ConfigurationInvalid(fmt.Sprintf("unknown command type '%s'", cmd.Type))
	}
}

// abort closes intake, rejects queued commands and waits for in-flight work.
func (q *Queue) abort() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.rejectQueued()
	q.wg.Wait()
	q.logger.Info("command queue aborted")
}

func (q *Queue) rejectQueued() {
	for {
		select {
		case cmd := <-q.commands:
			if cmd.Type == CommandShutdown {
				continue
			}
			q.metrics.QueueDepthDec()
			cmd.respond(Response{Err: errors.ExecutionFailed("command rejected", ErrQueueClosed)})
		default:
			return
		}
	}
}
