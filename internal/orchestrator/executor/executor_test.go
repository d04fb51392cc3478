package executor

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/nexus/internal/agent/registry"
	"github.com/kandev/nexus/internal/common/config"
	"github.com/kandev/nexus/internal/common/errors"
	"github.com/kandev/nexus/internal/common/logger"
	"github.com/kandev/nexus/internal/metrics"
	"github.com/kandev/nexus/internal/security"
	"github.com/kandev/nexus/pkg/agent"
	v1 "github.com/kandev/nexus/pkg/api/v1"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

// spyAgent counts Execute calls and delegates to fn.
type spyAgent struct {
	agent.Base
	name     string
	required v1.Permissions
	calls    atomic.Int32
	fn       func(ctx context.Context, input *v1.AgentInput) (*v1.AgentOutput, error)
	health   func(ctx context.Context) (v1.HealthStatus, error)
}

func (s *spyAgent) Name() string                        { return s.name }
func (s *spyAgent) RequiredPermissions() v1.Permissions { return s.required }

func (s *spyAgent) Execute(ctx context.Context, _ *v1.AgentContext, input *v1.AgentInput) (*v1.AgentOutput, error) {
	s.calls.Add(1)
	if s.fn == nil {
		return &v1.AgentOutput{Success: true, Data: map[string]any{"message": "ok"}}, nil
	}
	return s.fn(ctx, input)
}

func (s *spyAgent) HealthCheck(ctx context.Context) (v1.HealthStatus, error) {
	if s.health == nil {
		return s.Base.HealthCheck(ctx)
	}
	return s.health(ctx)
}

func setup(t *testing.T, agents ...agent.Agent) (*Executor, *registry.Registry) {
	t.Helper()
	reg := registry.NewRegistry(newTestLogger())
	for _, a := range agents {
		require.NoError(t, reg.Register(a))
	}
	return NewExecutor(reg, Config{}, newTestLogger(), WithMetrics(metrics.New())), reg
}

func input() *v1.AgentInput {
	return &v1.AgentInput{Data: map[string]any{"x": 1}, RequestID: "T1"}
}

func TestExecute_EchoScenario(t *testing.T) {
	echo := &spyAgent{name: "echo"}
	e, reg := setup(t, echo)

	out, err := e.Execute(context.Background(), "echo", input(), &v1.AgentContext{InstanceID: "i-1"})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "ok", out.Data["message"])
	assert.Greater(t, out.Metrics.Duration, time.Duration(0))

	info, err := reg.Info("echo")
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStateCompleted, info.LastState)
	assert.Empty(t, e.Active())
}

func TestExecute_DurationOverwritten(t *testing.T) {
	liar := &spyAgent{name: "liar", fn: func(context.Context, *v1.AgentInput) (*v1.AgentOutput, error) {
		time.Sleep(5 * time.Millisecond)
		return &v1.AgentOutput{Success: true, Metrics: v1.ExecutionMetrics{Duration: time.Hour}}, nil
	}}
	e, _ := setup(t, liar)

	out, err := e.Execute(context.Background(), "liar", input(), nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, out.Metrics.Duration, 5*time.Millisecond)
	assert.Less(t, out.Metrics.Duration, time.Hour)
}

func TestExecute_UnknownAgent(t *testing.T) {
	e, _ := setup(t)
	_, err := e.Execute(context.Background(), "missing", input(), nil)
	assert.True(t, errors.IsResourceUnavailable(err))
}

func TestExecute_PermissionDeniedNeverRunsAgent(t *testing.T) {
	spy := &spyAgent{name: "reader", required: v1.Permissions{ReadFiles: true, NetworkAccess: true}}
	e, reg := setup(t, spy)

	_, err := e.Execute(context.Background(), "reader", input(), &v1.AgentContext{
		Permissions: v1.Permissions{NetworkAccess: true},
	})
	require.Error(t, err)
	assert.True(t, errors.IsPermissionDenied(err))
	assert.Equal(t, "File read permission required", errors.MessageOf(err))
	assert.Equal(t, int32(0), spy.calls.Load())

	info, _ := reg.Info("reader")
	assert.Equal(t, v1.ExecutionStateFailed, info.LastState)
}

func TestExecute_PermissionCheckedBeforeInputValidation(t *testing.T) {
	spy := &spyAgent{name: "writer", required: v1.Permissions{WriteFiles: true}}
	e, _ := setup(t, spy)

	_, err := e.Execute(context.Background(), "writer", &v1.AgentInput{}, nil)
	assert.True(t, errors.IsPermissionDenied(err), "empty input must not be reported before the permission failure")
}

func TestExecute_AllowedPathsEnforced(t *testing.T) {
	spy := &spyAgent{name: "reader", required: v1.Permissions{ReadFiles: true}}
	e, _ := setup(t, spy)
	granted := v1.Permissions{ReadFiles: true, AllowedPaths: []string{"/srv/data"}}

	_, err := e.Execute(context.Background(), "reader", input(), &v1.AgentContext{Permissions: granted, WorkingDir: "/etc"})
	assert.True(t, errors.IsPermissionDenied(err))
	assert.Equal(t, int32(0), spy.calls.Load())

	_, err = e.Execute(context.Background(), "reader", input(), &v1.AgentContext{Permissions: granted, WorkingDir: "/srv/data/x"})
	assert.NoError(t, err)
	assert.Equal(t, int32(1), spy.calls.Load())
}

func TestExecute_EmptyInputRejected(t *testing.T) {
	spy := &spyAgent{name: "echo"}
	e, _ := setup(t, spy)

	_, err := e.Execute(context.Background(), "echo", &v1.AgentInput{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationInvalid(err))
	assert.Equal(t, int32(0), spy.calls.Load())
}

func TestExecute_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	blocker := &spyAgent{name: "blocker", fn: func(context.Context, *v1.AgentInput) (*v1.AgentOutput, error) {
		<-release // ignores ctx on purpose
		return &v1.AgentOutput{Success: true}, nil
	}}
	e, reg := setup(t, blocker)

	bound := 50 * time.Millisecond
	start := time.Now()
	_, err := e.Execute(context.Background(), "blocker", input(), &v1.AgentContext{
		Limits: v1.ResourceLimits{MaxExecutionTime: bound},
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	assert.GreaterOrEqual(t, elapsed, bound)

	info, _ := reg.Info("blocker")
	assert.Equal(t, v1.ExecutionStateTimedOut, info.LastState)
	assert.NotEqual(t, v1.ExecutionStateCompleted, info.LastState)
	assert.Equal(t, int64(1), e.Abandoned())
}

func TestExecute_AbandonedCountDropsWhenAgentReturns(t *testing.T) {
	release := make(chan struct{})
	blocker := &spyAgent{name: "blocker", fn: func(context.Context, *v1.AgentInput) (*v1.AgentOutput, error) {
		<-release
		return &v1.AgentOutput{Success: true}, nil
	}}
	e, _ := setup(t, blocker)

	_, err := e.Execute(context.Background(), "blocker", input(), &v1.AgentContext{
		Limits: v1.ResourceLimits{MaxExecutionTime: 20 * time.Millisecond},
	})
	require.True(t, errors.IsTimeout(err))
	require.Equal(t, int64(1), e.Abandoned())

	close(release)
	assert.Eventually(t, func() bool { return e.Abandoned() == 0 }, time.Second, 5*time.Millisecond)
}

func TestExecute_CooperativeAgentTimesOut(t *testing.T) {
	coop := &spyAgent{name: "coop", fn: func(ctx context.Context, _ *v1.AgentInput) (*v1.AgentOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e, _ := setup(t, coop)

	_, err := e.Execute(context.Background(), "coop", input(), &v1.AgentContext{
		Limits: v1.ResourceLimits{MaxExecutionTime: 20 * time.Millisecond},
	})
	assert.True(t, errors.IsTimeout(err))
}

func TestExecute_CallerCancellation(t *testing.T) {
	coop := &spyAgent{name: "coop", fn: func(ctx context.Context, _ *v1.AgentInput) (*v1.AgentOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e, _ := setup(t, coop)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := e.Execute(ctx, "coop", input(), nil)
	assert.True(t, errors.IsExecutionFailed(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecute_PanicIsolated(t *testing.T) {
	bad := &spyAgent{name: "bad", fn: func(context.Context, *v1.AgentInput) (*v1.AgentOutput, error) {
		panic("boom")
	}}
	e, reg := setup(t, bad)

	_, err := e.Execute(context.Background(), "bad", input(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsExecutionFailed(err))
	assert.Contains(t, err.Error(), "boom")

	info, _ := reg.Info("bad")
	assert.Equal(t, v1.ExecutionStateFailed, info.LastState)
}

func TestExecute_AgentErrors(t *testing.T) {
	plain := &spyAgent{name: "plain", fn: func(context.Context, *v1.AgentInput) (*v1.AgentOutput, error) {
		return nil, stderrors.New("disk full")
	}}
	typed := &spyAgent{name: "typed", fn: func(context.Context, *v1.AgentInput) (*v1.AgentOutput, error) {
		return nil, errors.SecurityViolation("blocked")
	}}
	empty := &spyAgent{name: "empty", fn: func(context.Context, *v1.AgentInput) (*v1.AgentOutput, error) {
		return nil, nil
	}}
	e, _ := setup(t, plain, typed, empty)
	ctx := context.Background()

	_, err := e.Execute(ctx, "plain", input(), nil)
	assert.True(t, errors.IsExecutionFailed(err))
	assert.Contains(t, errors.MessageOf(err), "disk full")

	_, err = e.Execute(ctx, "typed", input(), nil)
	assert.True(t, errors.IsSecurityViolation(err))

	_, err = e.Execute(ctx, "empty", input(), nil)
	assert.True(t, errors.IsExecutionFailed(err))
}

func TestExecute_Security(t *testing.T) {
	cfg := config.SecurityConfig{
		RateLimit:  config.RateLimitConfig{Enabled: true, MaxRequests: 1, TimeWindowSecs: 60},
		Validation: config.ValidationConfig{MaxInputLength: 100, PathTraversalProtection: true},
		Audit:      config.AuditConfig{Enabled: true},
	}
	spy := &spyAgent{name: "files"}
	reg := registry.NewRegistry(newTestLogger())
	require.NoError(t, reg.Register(spy))
	e := NewExecutor(reg, Config{}, newTestLogger(), WithSecurity(security.NewManager(cfg, newTestLogger())))
	ctx := context.Background()

	_, err := e.Execute(ctx, "files", &v1.AgentInput{Data: map[string]any{"path": "../etc/passwd"}}, &v1.AgentContext{UserID: "u1"})
	assert.True(t, errors.IsSecurityViolation(err))

	_, err = e.Execute(ctx, "files", input(), &v1.AgentContext{UserID: "u2"})
	require.NoError(t, err)
	_, err = e.Execute(ctx, "files", input(), &v1.AgentContext{UserID: "u2"})
	assert.True(t, errors.IsResourceLimitExceeded(err))

	_, err = e.Execute(ctx, "files", &v1.AgentInput{Data: map[string]any{"email": "nope"}}, &v1.AgentContext{UserID: "u3"})
	assert.True(t, errors.IsConfigurationInvalid(err))

	assert.Equal(t, int32(1), spy.calls.Load())
}

func TestExecute_ActiveTracksRunningState(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	slow := &spyAgent{name: "slow", fn: func(context.Context, *v1.AgentInput) (*v1.AgentOutput, error) {
		close(started)
		<-release
		return &v1.AgentOutput{Success: true}, nil
	}}
	e, _ := setup(t, slow)

	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), "slow", input(), &v1.AgentContext{InstanceID: "i-9"})
		done <- err
	}()

	<-started
	active := e.Active()
	require.Len(t, active, 1)
	assert.Equal(t, v1.ExecutionStateRunning, active[0].State)
	assert.Equal(t, "i-9", active[0].InstanceID)

	close(release)
	require.NoError(t, <-done)
	assert.Empty(t, e.Active())
}

func TestHealthCheck(t *testing.T) {
	ok := &spyAgent{name: "ok"}
	degraded := &spyAgent{name: "degraded", health: func(context.Context) (v1.HealthStatus, error) {
		return v1.Degraded("slow backend"), nil
	}}
	hangs := &spyAgent{name: "hangs", health: func(ctx context.Context) (v1.HealthStatus, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return v1.Healthy(), nil
	}}
	panics := &spyAgent{name: "panics", health: func(context.Context) (v1.HealthStatus, error) {
		panic("nope")
	}}

	reg := registry.NewRegistry(newTestLogger())
	for _, a := range []agent.Agent{ok, degraded, hangs, panics} {
		require.NoError(t, reg.Register(a))
	}
	e := NewExecutor(reg, Config{HealthCheckTimeout: 20 * time.Millisecond}, newTestLogger())
	ctx := context.Background()

	status, err := e.HealthCheck(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, v1.HealthStateHealthy, status.State)

	status, err = e.HealthCheck(ctx, "degraded")
	require.NoError(t, err)
	assert.Equal(t, "slow backend", status.Reason)

	_, err = e.HealthCheck(ctx, "hangs")
	assert.True(t, errors.IsTimeout(err))

	_, err = e.HealthCheck(ctx, "panics")
	assert.True(t, errors.IsExecutionFailed(err))

	_, err = e.HealthCheck(ctx, "missing")
	assert.True(t, errors.IsResourceUnavailable(err))
}
