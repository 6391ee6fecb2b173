package capability

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

func edgeKey(from, to string, t EdgeType) string {
	return from + "\x00" + to + "\x00" + string(t)
}

// RecordDependency observes one occurrence of an edge between two
// capabilities, creating it on first sight or incrementing its
// observed-count and confidence on repeat. Writes to the same (from, to,
// edgeType) triple are serialized by a dedicated mutex so concurrent
// executions recording the same edge never lose an update.
func (s *Store) RecordDependency(from, to string, t EdgeType, confidence float64) (Dependency, error) {
	key := edgeKey(from, to, t)
	lock := s.edgeLock(key)
	lock.Lock()
	defer lock.Unlock()

	var stored Dependency
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDependencies)
		now := time.Now()

		existing, err := getDependency(bucket, key)
		if err != nil {
			return err
		}
		if existing == nil {
			stored = Dependency{
				From: from, To: to, EdgeType: t,
				ObservedCount:   1,
				ConfidenceScore: confidence,
				CreatedAt:       now,
				LastObserved:    now,
			}
		} else {
			merged := *existing
			merged.ObservedCount++
			merged.LastObserved = now
			// Confidence is a running average weighted by prior observations,
			// the same merge shape as Capability.SuccessRate.
			merged.ConfidenceScore = (existing.ConfidenceScore*float64(existing.ObservedCount) + confidence) / float64(merged.ObservedCount)
			stored = merged
		}

		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal dependency: %w", err)
		}
		return bucket.Put([]byte(key), data)
	})
	if err != nil {
		return Dependency{}, err
	}
	return stored, nil
}

// DependenciesFrom returns every outgoing edge recorded for capability id.
func (s *Store) DependenciesFrom(id string) ([]Dependency, error) {
	var out []Dependency
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDependencies).ForEach(func(_, v []byte) error {
			var d Dependency
			if err := json.Unmarshal(v, &d); err != nil {
				return nil
			}
			if d.From == id {
				out = append(out, d)
			}
			return nil
		})
	})
	return out, err
}

func getDependency(bucket *bbolt.Bucket, key string) (*Dependency, error) {
	data := bucket.Get([]byte(key))
	if data == nil {
		return nil, nil
	}
	var d Dependency
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshal dependency %q: %w", key, err)
	}
	return &d, nil
}
