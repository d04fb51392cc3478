package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/nexus/internal/common/errors"
	v1 "github.com/kandev/nexus/pkg/api/v1"
)

func TestBaseDefaults(t *testing.T) {
	var a Agent = NewFunc("noop", func(context.Context, *v1.AgentContext, *v1.AgentInput) (*v1.AgentOutput, error) {
		return &v1.AgentOutput{Success: true}, nil
	})

	assert.Equal(t, "noop", a.Name())
	assert.Equal(t, "1.0.0", a.Version())
	assert.Equal(t, "No description available", a.Description())
	assert.Equal(t, v1.Permissions{}, a.RequiredPermissions())
	assert.Equal(t, v1.DefaultResourceLimits(), a.ResourceLimits())

	status, err := a.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, v1.HealthStateHealthy, status.State)
}

func TestBaseValidateInput(t *testing.T) {
	var b Base
	ctx := context.Background()

	err := b.ValidateInput(ctx, &v1.AgentInput{})
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationInvalid(err))
	assert.Contains(t, err.Error(), "Input data cannot be empty")

	assert.True(t, errors.IsConfigurationInvalid(b.ValidateInput(ctx, nil)))
	assert.NoError(t, b.ValidateInput(ctx, &v1.AgentInput{Data: map[string]any{"x": 1}}))
}

func TestFuncLimitsOverride(t *testing.T) {
	limits := v1.ResourceLimits{MaxExecutionTime: 5}
	f := NewFunc("x", nil)
	f.Limits = &limits
	assert.Equal(t, limits, f.ResourceLimits())
}

func TestProviderFunc(t *testing.T) {
	p := ProviderFunc(func() []Agent { return []Agent{NewFunc("a", nil)} })
	require.Len(t, p.Agents(), 1)
	assert.Equal(t, "a", p.Agents()[0].Name())
}
