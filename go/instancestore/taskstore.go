package instancestore

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var taskBucketName = []byte("task")

// TaskProfile is the read-only task-level state InstanceManager's expiry
// sweep consults: whether the task is real-time (never expires its
// FINISHED instances) and, for a retrying task, whether it has reached
// RETRY_FINISH. The task scheduler that owns writes to this keyspace is
// an external collaborator; this engine only reads it.
type TaskProfile struct {
	TaskID      string `json:"taskId"`
	RealTime    bool   `json:"realTime"`
	CycleUnit   string `json:"cycleUnit"`
	Retrying    bool   `json:"retrying"`
	RetryFinish bool   `json:"retryFinish"`
}

// TaskStore is a read-only accessor over the task:{taskId} keyspace.
type TaskStore struct {
	db *bolt.DB
}

// OpenTaskStore returns a TaskStore backed by db, creating the task bucket
// if this is a fresh file. The engine never writes through this handle in
// production; Put is exposed only so tests can seed task profiles without
// a second database.
func OpenTaskStore(db *bolt.DB) (*TaskStore, error) {
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(taskBucketName)
		return err
	}); err != nil {
		return nil, fmt.Errorf("instancestore: creating task bucket: %w", err)
	}
	return &TaskStore{db: db}, nil
}

// Get returns the task profile for taskID, or ok=false if absent.
func (s *TaskStore) Get(taskID string) (profile TaskProfile, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		var buf = tx.Bucket(taskBucketName).Get([]byte(taskID))
		if buf == nil {
			return nil
		}
		if jsonErr := json.Unmarshal(buf, &profile); jsonErr != nil {
			return nil
		}
		ok = true
		return nil
	})
	return profile, ok, err
}

// Put writes a task profile. See the OpenTaskStore doc comment: this exists for
// test fixtures, since the owning task scheduler is out of scope.
func (s *TaskStore) Put(profile TaskProfile) error {
	buf, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(taskBucketName).Put([]byte(profile.TaskID), buf)
	})
}
