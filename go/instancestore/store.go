// Package instancestore implements the durable (taskId, instanceId) ->
// instance profile mapping, plus a read-only accessor over the
// task:{taskId} keyspace that InstanceManager's expiry sweep consults.
// Both are backed by the same embedded bbolt database as offsetstore,
// sharing one file across three logical key spaces.
package instancestore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/estuary/ingestcore/go/model"
)

var bucketName = []byte("instance")

// Store is the durable InstanceStore. A surviving process observes
// exactly the last successful Store/Delete for each key, since bbolt
// commits are crash-consistent (each Update is a single fsync'd
// transaction).
type Store struct {
	db *bolt.DB
}

// Open returns a Store backed by db, creating the instance bucket if this
// is a fresh file.
func Open(db *bolt.DB) (*Store, error) {
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		return nil, fmt.Errorf("instancestore: creating bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func key(taskID, instanceID string) []byte {
	return []byte(taskID + ":" + instanceID)
}

// Store persists profile under its (TaskID, InstanceID) key, overwriting
// any previous value.
func (s *Store) Store(profile model.InstanceProfile) error {
	buf, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("instancestore: marshaling profile: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key(profile.TaskID, profile.InstanceID), buf)
	})
}

// Get returns the profile for (taskID, instanceID), or ok=false if absent.
func (s *Store) Get(taskID, instanceID string) (profile model.InstanceProfile, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		var buf = tx.Bucket(bucketName).Get(key(taskID, instanceID))
		if buf == nil {
			return nil
		}
		if jsonErr := json.Unmarshal(buf, &profile); jsonErr != nil {
			log.WithFields(log.Fields{
				"taskId":     taskID,
				"instanceId": instanceID,
				"err":        jsonErr,
			}).Error("instancestore: ignoring corrupt profile")
			return nil
		}
		ok = true
		return nil
	})
	return profile, ok, err
}

// Delete removes the profile for (taskID, instanceID).
func (s *Store) Delete(taskID, instanceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key(taskID, instanceID))
	})
}

// List returns every profile belonging to taskID, in instanceId order.
func (s *Store) List(taskID string) ([]model.InstanceProfile, error) {
	var (
		out    []model.InstanceProfile
		prefix = []byte(taskID + ":")
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		var c = tx.Bucket(bucketName).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var profile model.InstanceProfile
			if jsonErr := json.Unmarshal(v, &profile); jsonErr != nil {
				log.WithFields(log.Fields{"key": string(k), "err": jsonErr}).
					Error("instancestore: skipping corrupt profile during list")
				continue
			}
			out = append(out, profile)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, err
}
