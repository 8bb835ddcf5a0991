package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vega "github.com/everydev1618/vegatree"
	"github.com/everydev1618/vegatree/store/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "vega.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) vega.Store { return openTestStore(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vega.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateTask(ctx, &vega.Task{ID: "t1", Status: vega.TaskPaused, CreatedAt: time.Now()}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, vega.TaskPaused, task.Status)
}

func TestForeignKeysEnforced(t *testing.T) {
	s := openTestStore(t)

	rec, err := vega.NewAgentRecord(vega.AgentConfig{AgentID: "a1", TaskID: "ghost"}, vega.AgentMemory{}, vega.AgentRunning, "")
	require.NoError(t, err)
	assert.Error(t, s.SaveAgent(context.Background(), rec), "agent of an unknown task must be rejected")
}
