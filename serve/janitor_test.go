package serve

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vega "github.com/everydev1618/vegatree"
)

type fakeLister struct {
	calls int
	err   error
}

func (f *fakeLister) ListTasks(context.Context) ([]*vega.Task, error) {
	f.calls++
	return nil, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewJanitorRejectsBadSchedule(t *testing.T) {
	_, err := NewJanitor(&fakeLister{}, "every now and then", quietLogger())
	assert.Error(t, err)
}

func TestJanitorRunOnce(t *testing.T) {
	lister := &fakeLister{}
	j, err := NewJanitor(lister, "@every 1m", quietLogger())
	require.NoError(t, err)

	j.RunOnce(context.Background())
	runs, lastErr := j.Runs()
	assert.Equal(t, 1, runs)
	assert.NoError(t, lastErr)

	lister.err = errors.New("store down")
	j.RunOnce(context.Background())
	runs, lastErr = j.Runs()
	assert.Equal(t, 2, runs)
	assert.EqualError(t, lastErr, "store down")
	assert.Equal(t, 2, lister.calls)
}

func TestJanitorHealsStuckPause(t *testing.T) {
	store := vega.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, &vega.Task{ID: "t1", Status: vega.TaskPausing, CreatedAt: time.Now()}))

	orch := vega.NewOrchestrator(vega.WithStore(store), vega.WithLogger(quietLogger()))
	t.Cleanup(func() { orch.Shutdown(context.Background()) })

	j, err := NewJanitor(orch, "@every 1m", quietLogger())
	require.NoError(t, err)
	j.RunOnce(ctx)

	task, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, vega.TaskPaused, task.Status)
}

func TestJanitorStartStops(t *testing.T) {
	j, err := NewJanitor(&fakeLister{}, "@every 1h", quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
