package capability

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketCapabilities = []byte("capabilities")
	bucketDependencies = []byte("dependencies")
	bucketNames        = []byte("names") // name -> id index
)

// HashCodeTemplate computes the content-addressed id for a code template.
// Two capabilities with identical CodeTemplate always hash to the same id.
func HashCodeTemplate(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Store is the durable, bucket-per-entity bbolt persistence layer for
// capabilities and their dependency edges. It is safe for concurrent
// readers; capability writes are serialized by one store-wide mutex and
// dependency-edge writes by a per-edge mutex, so merges (usage counters,
// toolsUsed set union) never race each other.
type Store struct {
	db *bbolt.DB

	writeMu    sync.Mutex
	edgeLocks  map[string]*sync.Mutex
	edgeLockMu sync.Mutex
}

// OpenStore opens (creating if absent) the bbolt database at path and
// ensures its buckets exist.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open capability store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketCapabilities, bucketDependencies, bucketNames} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create capability buckets: %w", err)
	}
	return &Store{db: db, edgeLocks: make(map[string]*sync.Mutex)}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Put inserts a new capability or merges into an existing one sharing the
// same content-addressed id: usage_count increments, last_used advances,
// and tools_used is the set union of both versions. A stable name assigned
// at first insertion is never overwritten by a later Put with a different
// name (renames go through Rename).
func (s *Store) Put(c Capability) (Capability, error) {
	if c.ID == "" {
		c.ID = HashCodeTemplate(c.CodeTemplate)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var stored Capability
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCapabilities)
		names := tx.Bucket(bucketNames)

		existing, err := getCapability(bucket, c.ID)
		if err != nil {
			return err
		}

		now := c.LastUsed
		if now.IsZero() {
			now = c.CreatedAt
		}

		if existing == nil {
			if c.CreatedAt.IsZero() {
				c.CreatedAt = now
			}
			if c.UsageCount == 0 {
				c.UsageCount = 1
			}
			stored = c
		} else {
			merged := *existing
			merged.UsageCount++
			merged.LastUsed = now
			merged.ToolsUsed = unionStrings(existing.ToolsUsed, c.ToolsUsed)
			if c.SuccessRate > 0 {
				// running average weighted by prior usage count
				merged.SuccessRate = (existing.SuccessRate*float64(existing.UsageCount) + c.SuccessRate) / float64(merged.UsageCount)
			}
			if c.IntentEmbedding != nil {
				merged.IntentEmbedding = c.IntentEmbedding
			}
			stored = merged
		}

		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal capability: %w", err)
		}
		if err := bucket.Put([]byte(stored.ID), data); err != nil {
			return err
		}
		if stored.Name != "" {
			return names.Put([]byte(stored.Name), []byte(stored.ID))
		}
		return nil
	})
	if err != nil {
		return Capability{}, err
	}
	return stored, nil
}

// Rename updates a capability's display name and its entry in the name
// index. The capability id (content address) never changes.
func (s *Store) Rename(id, newName string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCapabilities)
		names := tx.Bucket(bucketNames)

		existing, err := getCapability(bucket, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("capability %q not found", id)
		}
		if existing.Name != "" {
			if err := names.Delete([]byte(existing.Name)); err != nil {
				return err
			}
		}
		existing.Name = newName
		data, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(id), data); err != nil {
			return err
		}
		return names.Put([]byte(newName), []byte(id))
	})
}

// GetByID retrieves a capability by its content-addressed id.
func (s *Store) GetByID(id string) (Capability, bool, error) {
	var c *Capability
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		c, err = getCapability(tx.Bucket(bucketCapabilities), id)
		return err
	})
	if err != nil || c == nil {
		return Capability{}, false, err
	}
	return *c, true, nil
}

// GetByName resolves a capability through the name index.
func (s *Store) GetByName(name string) (Capability, bool, error) {
	var c *Capability
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketNames).Get([]byte(name))
		if id == nil {
			return nil
		}
		var err error
		c, err = getCapability(tx.Bucket(bucketCapabilities), string(id))
		return err
	})
	if err != nil || c == nil {
		return Capability{}, false, err
	}
	return *c, true, nil
}

// UpdateSuccessRate overwrites a capability's success rate in place without
// touching usage_count or tools_used, used by the background decay loop.
func (s *Store) UpdateSuccessRate(id string, rate float64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCapabilities)
		existing, err := getCapability(bucket, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("capability %q not found", id)
		}
		existing.SuccessRate = rate
		data, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), data)
	})
}

// All returns every stored capability; used by search and the background
// resync loop. Callers needing pagination should filter client-side — the
// registry is not expected to hold more capabilities than fit in memory
// comfortably for a single gateway process.
func (s *Store) All() ([]Capability, error) {
	var out []Capability
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCapabilities).ForEach(func(_, v []byte) error {
			var c Capability
			if err := json.Unmarshal(v, &c); err != nil {
				return nil // skip corrupt entries rather than fail the whole scan
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

func getCapability(bucket *bbolt.Bucket, id string) (*Capability, error) {
	data := bucket.Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var c Capability
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal capability %q: %w", id, err)
	}
	return &c, nil
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// edgeLock returns the per-(from,to,type) mutex serializing writers to one
// dependency edge, creating it on first use.
func (s *Store) edgeLock(key string) *sync.Mutex {
	s.edgeLockMu.Lock()
	defer s.edgeLockMu.Unlock()
	m, ok := s.edgeLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.edgeLocks[key] = m
	}
	return m
}
