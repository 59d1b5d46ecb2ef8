package platformtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestFaulty_InjectsUntilExhausted(t *testing.T) {
	p := NewSQLite(t)
	CreateEnv(t, p, "prod", Tables("t", 2)...)
	f := Wrap(p)
	ctx := context.Background()

	f.Inject(Fault{Op: OpClone, Env: "dev", Err: errBoom, Times: 1})

	err := f.CloneEnvironment(ctx, "prod", "dev")
	assert.ErrorIs(t, err, errBoom)
	exists, err := f.EnvironmentExists(ctx, "dev")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, f.CloneEnvironment(ctx, "prod", "dev"))
	assert.Len(t, f.CallsTo(OpClone), 2)
}

func TestFaulty_MatchesSource(t *testing.T) {
	p := NewSQLite(t)
	CreateEnv(t, p, "prod", Tables("t", 1)...)
	f := Wrap(p)
	ctx := context.Background()

	f.Inject(Fault{Op: OpClone, Src: "other", Err: errBoom})
	require.NoError(t, f.CloneEnvironment(ctx, "prod", "dev"))
}

func TestFaulty_PassthroughRunsRealOperation(t *testing.T) {
	p := NewSQLite(t)
	CreateEnv(t, p, "prod", Tables("t", 1)...)
	f := Wrap(p)
	ctx := context.Background()

	f.Inject(Fault{Op: OpDrop, Env: "prod", Err: errBoom, Passthrough: true})
	err := f.DropEnvironment(ctx, "prod")
	assert.ErrorIs(t, err, errBoom)

	exists, err := p.EnvironmentExists(ctx, "prod")
	require.NoError(t, err)
	assert.False(t, exists, "passthrough must perform the drop")
}

func TestFaulty_DelayHonoursContext(t *testing.T) {
	p := NewSQLite(t)
	CreateEnv(t, p, "prod", Tables("t", 1)...)
	f := Wrap(p)

	f.Inject(Fault{Op: OpCountRelations, Delay: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.CountRelations(ctx, "prod")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFaulty_Reset(t *testing.T) {
	p := NewSQLite(t)
	CreateEnv(t, p, "prod", Tables("t", 3)...)
	f := Wrap(p)
	ctx := context.Background()

	f.Inject(Fault{Op: OpCountRelations, Err: errBoom})
	_, err := f.CountRelations(ctx, "prod")
	require.Error(t, err)

	f.Reset()
	n, err := f.CountRelations(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, f.Calls(), 1)
}
