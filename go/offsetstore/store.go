// Package offsetstore implements the durable (taskId, instanceId) -> offset
// record mapping, backed by an embedded ordered key-value store (bbolt).
// It wraps the durable delegate behind a small typed façade so the rest
// of the engine never touches a raw bbolt transaction directly.
package offsetstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/estuary/ingestcore/go/model"
)

// bucketName is the single logical keyspace "offset:"; bbolt's bucket
// namespacing plays the role the literal string prefix plays in a flat
// embedded store, so keys within the bucket are just "taskId_instanceId".
var bucketName = []byte("offset")

// Store is the durable OffsetStore.
type Store struct {
	db *bolt.DB
}

// Open returns a Store backed by the given bbolt database, creating the
// offset bucket if this is a fresh file.
func Open(db *bolt.DB) (*Store, error) {
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		return nil, fmt.Errorf("offsetstore: creating bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func key(taskID, instanceID string) []byte {
	return []byte(taskID + "_" + instanceID)
}

// Put persists rec, stamping LastUpdateTime. Records missing their
// required identity fields are rejected silently.
func (s *Store) Put(rec model.OffsetRecord) error {
	if !rec.Valid() {
		log.WithFields(log.Fields{
			"taskId":     rec.TaskID,
			"instanceId": rec.InstanceID,
		}).Warn("offsetstore: rejecting record missing identity fields")
		return nil
	}
	rec.LastUpdateTime = time.Now()

	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("offsetstore: marshaling record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key(rec.TaskID, rec.InstanceID), buf)
	})
}

// Get returns the offset record for (taskID, instanceID), or ok=false if
// none exists.
func (s *Store) Get(taskID, instanceID string) (rec model.OffsetRecord, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		var buf = tx.Bucket(bucketName).Get(key(taskID, instanceID))
		if buf == nil {
			return nil
		}
		if jsonErr := json.Unmarshal(buf, &rec); jsonErr != nil {
			log.WithFields(log.Fields{
				"taskId":     taskID,
				"instanceId": instanceID,
				"err":        jsonErr,
			}).Error("offsetstore: ignoring corrupt record")
			return nil
		}
		ok = true
		return nil
	})
	return rec, ok, err
}

// Delete removes the offset record for (taskID, instanceID). Deleting a
// missing key is a no-op.
func (s *Store) Delete(taskID, instanceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key(taskID, instanceID))
	})
}

// List returns every offset record in the store, ordered by key (bbolt
// buckets iterate in byte-sorted key order, giving a stable, deterministic
// listing across restarts).
func (s *Store) List() ([]model.OffsetRecord, error) {
	var out []model.OffsetRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			var rec model.OffsetRecord
			if jsonErr := json.Unmarshal(v, &rec); jsonErr != nil {
				log.WithFields(log.Fields{"key": string(k), "err": jsonErr}).
					Error("offsetstore: skipping corrupt record during list")
				return nil
			}
			out = append(out, rec)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out, err
}
