package metastore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/hummock/pkg/hmerrors"
	"github.com/cuemby/hummock/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketVersion          = []byte("current_version")
	bucketVersionDeltas    = []byte("version_deltas")
	bucketCompactionConfig = []byte("compaction_config")
	bucketPinnedVersions   = []byte("pinned_versions")
	bucketPinnedSnapshots  = []byte("pinned_snapshots")
	bucketCompactTasks     = []byte("compact_tasks")
	bucketTaskAssignments  = []byte("task_assignments")
	bucketSstIDAllocator   = []byte("sst_id_allocator")
	bucketContexts         = []byte("contexts")
	bucketCA               = []byte("ca")

	keyCurrentVersion = []byte("current")
	keySstIDCounter   = []byte("next")
	keyCA             = []byte("root")
)

// BoltStore implements Store on top of a single BoltDB file. It follows
// the same bucket-per-type layout the rest of the control plane uses:
// one bucket per record type, keys are the record's natural id encoded
// big-endian so range scans come out in id order.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the meta store file under
// dataDir and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hummock-meta.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open meta store: %w", err)
	}

	buckets := [][]byte{
		bucketVersion, bucketVersionDeltas, bucketCompactionConfig,
		bucketPinnedVersions, bucketPinnedSnapshots, bucketCompactTasks,
		bucketTaskAssignments, bucketSstIDAllocator, bucketContexts,
		bucketCA,
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func u64key(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func u32key(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// GetCurrentVersion returns the version record, or hmerrors.ErrNotFound
// before the first commit_epoch has ever run.
func (s *BoltStore) GetCurrentVersion() (*types.HummockVersion, error) {
	var v types.HummockVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVersion).Get(keyCurrentVersion)
		if data == nil {
			return hmerrors.ErrNotFound
		}
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *BoltStore) PutCurrentVersion(v *types.HummockVersion) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVersion).Put(keyCurrentVersion, data)
	})
}

func (s *BoltStore) PutVersionDelta(d *types.VersionDelta) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVersionDeltas).Put(u64key(uint64(d.ID)), data)
	})
}

func (s *BoltStore) ListVersionDeltas(sinceID types.VersionID) ([]*types.VersionDelta, error) {
	var deltas []*types.VersionDelta
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketVersionDeltas).Cursor()
		for k, v := c.Seek(u64key(uint64(sinceID))); k != nil; k, v = c.Next() {
			var d types.VersionDelta
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			deltas = append(deltas, &d)
		}
		return nil
	})
	return deltas, err
}

func (s *BoltStore) DeleteVersionDeltasBefore(id types.VersionID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVersionDeltas)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) >= uint64(id) {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetCompactionConfig(g types.GroupID) (*types.CompactionConfig, error) {
	var cfg types.CompactionConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCompactionConfig).Get(u64key(uint64(g)))
		if data == nil {
			return hmerrors.ErrInvalidCompactionGroup
		}
		return json.Unmarshal(data, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) PutCompactionConfig(g types.GroupID, cfg *types.CompactionConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCompactionConfig).Put(u64key(uint64(g)), data)
	})
}

func (s *BoltStore) ListCompactionGroups() ([]types.GroupID, error) {
	var groups []types.GroupID
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCompactionConfig).ForEach(func(k, _ []byte) error {
			groups = append(groups, types.GroupID(binary.BigEndian.Uint64(k)))
			return nil
		})
	})
	return groups, err
}

func (s *BoltStore) DeleteCompactionGroup(g types.GroupID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCompactionConfig).Delete(u64key(uint64(g)))
	})
}

func (s *BoltStore) PutPinnedVersion(p *types.PinnedVersion) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPinnedVersions).Put(u32key(uint32(p.ContextID)), data)
	})
}

func (s *BoltStore) DeletePinnedVersion(ctx types.ContextID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPinnedVersions).Delete(u32key(uint32(ctx)))
	})
}

func (s *BoltStore) ListPinnedVersions() ([]*types.PinnedVersion, error) {
	var out []*types.PinnedVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPinnedVersions).ForEach(func(_, v []byte) error {
			var p types.PinnedVersion
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) PutPinnedSnapshot(p *types.PinnedSnapshot) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPinnedSnapshots).Put(u32key(uint32(p.ContextID)), data)
	})
}

func (s *BoltStore) DeletePinnedSnapshot(ctx types.ContextID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPinnedSnapshots).Delete(u32key(uint32(ctx)))
	})
}

func (s *BoltStore) ListPinnedSnapshots() ([]*types.PinnedSnapshot, error) {
	var out []*types.PinnedSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPinnedSnapshots).ForEach(func(_, v []byte) error {
			var p types.PinnedSnapshot
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) PutCompactTask(t *types.CompactTask) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCompactTasks).Put(u64key(uint64(t.TaskID)), data)
	})
}

func (s *BoltStore) GetCompactTask(id types.TaskID) (*types.CompactTask, error) {
	var t types.CompactTask
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCompactTasks).Get(u64key(uint64(id)))
		if data == nil {
			return hmerrors.ErrNotFound
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) ListCompactTasks() ([]*types.CompactTask, error) {
	var out []*types.CompactTask
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCompactTasks).ForEach(func(_, v []byte) error {
			var t types.CompactTask
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, &t)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteCompactTask(id types.TaskID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCompactTasks).Delete(u64key(uint64(id)))
	})
}

func (s *BoltStore) PutTaskAssignment(a *types.TaskAssignment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTaskAssignments).Put(u64key(uint64(a.TaskID)), data)
	})
}

func (s *BoltStore) DeleteTaskAssignment(id types.TaskID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTaskAssignments).Delete(u64key(uint64(id)))
	})
}

func (s *BoltStore) ListTaskAssignments() ([]*types.TaskAssignment, error) {
	var out []*types.TaskAssignment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTaskAssignments).ForEach(func(_, v []byte) error {
			var a types.TaskAssignment
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, &a)
			return nil
		})
	})
	return out, err
}

// NextSstIDs atomically advances the counter and returns the reserved
// range [prev, prev+count).
func (s *BoltStore) NextSstIDs(count uint32) (types.SstIDRange, error) {
	var r types.SstIDRange
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSstIDAllocator)
		var next uint64
		if data := b.Get(keySstIDCounter); data != nil {
			next = binary.BigEndian.Uint64(data)
		}
		r = types.SstIDRange{Start: types.SstID(next), End: types.SstID(next + uint64(count))}
		return b.Put(keySstIDCounter, u64key(next+uint64(count)))
	})
	return r, err
}

func (s *BoltStore) PutContext(id types.ContextID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContexts).Put(u32key(uint32(id)), []byte{1})
	})
}

func (s *BoltStore) DeleteContext(id types.ContextID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContexts).Delete(u32key(uint32(id)))
	})
}

func (s *BoltStore) ListContexts() ([]types.ContextID, error) {
	var out []types.ContextID
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContexts).ForEach(func(k, _ []byte) error {
			out = append(out, types.ContextID(binary.BigEndian.Uint32(k)))
			return nil
		})
	})
	return out, err
}

// GetCA returns the cluster's serialized, encrypted CA material, or
// hmerrors.ErrNotFound before the cluster has ever been initialized.
func (s *BoltStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCA).Get(keyCA)
		if v == nil {
			return hmerrors.ErrNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (s *BoltStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCA).Put(keyCA, data)
	})
}
