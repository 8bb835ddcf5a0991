// Package boltdb implements vega.Store on a BoltDB file. Records are stored
// as JSON; append-only records are keyed by owner and a bucket sequence so
// a prefix scan returns them in insertion order.
package boltdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/boltdb/bolt"

	vega "github.com/everydev1618/vegatree"
)

var (
	bucketTasks      = []byte("tasks")
	bucketAgents     = []byte("agents")
	bucketTaskAgents = []byte("task_agents")
	bucketCosts      = []byte("costs")
	bucketMessages   = []byte("messages")
	bucketLogs       = []byte("logs")
)

// Store is a durable vega.Store backed by BoltDB.
type Store struct {
	db *bolt.DB
}

var _ vega.Store = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketAgents, bucketTaskAgents, bucketCosts, bucketMessages, bucketLogs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %q: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB instance.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateTask(_ context.Context, t *vega.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get([]byte(t.ID)) != nil {
			return fmt.Errorf("%w: task %s exists", vega.ErrInvalidInput, t.ID)
		}
		return b.Put([]byte(t.ID), data)
	})
}

func (s *Store) GetTask(_ context.Context, id string) (*vega.Task, error) {
	var t vega.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return vega.ErrTaskNotFound
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) UpdateTask(_ context.Context, t *vega.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get([]byte(t.ID)) == nil {
			return vega.ErrTaskNotFound
		}
		return b.Put([]byte(t.ID), data)
	})
}

func (s *Store) ListTasks(_ context.Context) ([]*vega.Task, error) {
	var tasks []*vega.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var t vega.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("failed to unmarshal task: %w", err)
			}
			tasks = append(tasks, &t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

// DeleteTask removes the task and everything it owns in one transaction.
func (s *Store) DeleteTask(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		if tasks.Get([]byte(id)) == nil {
			return vega.ErrTaskNotFound
		}
		if err := tasks.Delete([]byte(id)); err != nil {
			return err
		}

		agents := tx.Bucket(bucketAgents)
		for _, agentID := range scanKeys(tx.Bucket(bucketTaskAgents), ownerPrefix(id)) {
			if err := agents.Delete(bytes.TrimPrefix(agentID, ownerPrefix(id))); err != nil {
				return err
			}
		}
		if err := deletePrefix(tx.Bucket(bucketTaskAgents), ownerPrefix(id)); err != nil {
			return err
		}
		if err := deletePrefix(tx.Bucket(bucketCosts), ownerPrefix(id)); err != nil {
			return err
		}
		if err := deletePrefix(tx.Bucket(bucketMessages), ownerPrefix(id)); err != nil {
			return err
		}

		// Logs are keyed by agent; match on the owning task instead.
		logs := tx.Bucket(bucketLogs)
		var stale [][]byte
		err := logs.ForEach(func(k, v []byte) error {
			var l vega.LogRecord
			if err := json.Unmarshal(v, &l); err != nil {
				return fmt.Errorf("failed to unmarshal log: %w", err)
			}
			if l.TaskID == id {
				stale = append(stale, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := logs.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) SaveAgent(_ context.Context, r *vega.AgentRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketAgents).Put([]byte(r.AgentID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketTaskAgents).Put(append(ownerPrefix(r.TaskID), r.AgentID...), []byte{})
	})
}

func (s *Store) GetAgent(_ context.Context, id string) (*vega.AgentRecord, error) {
	var r vega.AgentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAgents).Get([]byte(id))
		if data == nil {
			return vega.ErrAgentNotFound
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListAgents returns the task's agents ordered by id.
func (s *Store) ListAgents(_ context.Context, taskID string) ([]*vega.AgentRecord, error) {
	var out []*vega.AgentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		agents := tx.Bucket(bucketAgents)
		prefix := ownerPrefix(taskID)
		for _, k := range scanKeys(tx.Bucket(bucketTaskAgents), prefix) {
			data := agents.Get(bytes.TrimPrefix(k, prefix))
			if data == nil {
				continue
			}
			var r vega.AgentRecord
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("failed to unmarshal agent: %w", err)
			}
			out = append(out, &r)
		}
		return nil
	})
	return out, err
}

func (s *Store) DeleteAgent(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		agents := tx.Bucket(bucketAgents)
		data := agents.Get([]byte(id))
		if data == nil {
			return vega.ErrAgentNotFound
		}
		var r vega.AgentRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("failed to unmarshal agent: %w", err)
		}
		if err := agents.Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketTaskAgents).Delete(append(ownerPrefix(r.TaskID), id...)); err != nil {
			return err
		}
		return deletePrefix(tx.Bucket(bucketLogs), ownerPrefix(id))
	})
}

func (s *Store) AppendCost(_ context.Context, c *vega.CostRecord) error {
	return s.appendRecord(bucketCosts, c.TaskID, c)
}

func (s *Store) ListCosts(_ context.Context, taskID string) ([]*vega.CostRecord, error) {
	return listRecords[vega.CostRecord](s.db, bucketCosts, taskID)
}

func (s *Store) AppendMessage(_ context.Context, m *vega.MessageRecord) error {
	return s.appendRecord(bucketMessages, m.TaskID, m)
}

func (s *Store) ListMessages(_ context.Context, taskID string) ([]*vega.MessageRecord, error) {
	return listRecords[vega.MessageRecord](s.db, bucketMessages, taskID)
}

func (s *Store) AppendLog(_ context.Context, l *vega.LogRecord) error {
	return s.appendRecord(bucketLogs, l.AgentID, l)
}

func (s *Store) ListLogs(_ context.Context, agentID string) ([]*vega.LogRecord, error) {
	return listRecords[vega.LogRecord](s.db, bucketLogs, agentID)
}

func (s *Store) appendRecord(bucket []byte, owner string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", bucket, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := binary.BigEndian.AppendUint64(ownerPrefix(owner), seq)
		return b.Put(key, data)
	})
}

func listRecords[T any](db *bolt.DB, bucket []byte, owner string) ([]*T, error) {
	var out []*T
	err := db.View(func(tx *bolt.Tx) error {
		prefix := ownerPrefix(owner)
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec T
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal %s record: %w", bucket, err)
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

// ownerPrefix returns a fresh key prefix for the records of owner. The NUL
// separator keeps "t1" from matching the records of "t10".
func ownerPrefix(owner string) []byte {
	p := make([]byte, 0, len(owner)+9)
	p = append(p, owner...)
	return append(p, 0)
}

func scanKeys(b *bolt.Bucket, prefix []byte) [][]byte {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, bytes.Clone(k))
	}
	return keys
}

func deletePrefix(b *bolt.Bucket, prefix []byte) error {
	for _, k := range scanKeys(b, prefix) {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
