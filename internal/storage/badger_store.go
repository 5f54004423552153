package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/juju/errors"

	"github.com/stackzilla/linode-provider/internal/models"
)

// Store persists resource records (kept minimal, allows swapping
// implementations). Get methods return an error satisfying
// errors.Is(err, errors.NotFound) for unknown names.
type Store interface {
	SaveInstance(ctx context.Context, inst *models.ComputeInstance) error
	GetInstance(ctx context.Context, name string) (*models.ComputeInstance, error)
	DeleteInstance(ctx context.Context, name string) error
	ListInstances(ctx context.Context) ([]*models.ComputeInstance, error)

	SaveVolume(ctx context.Context, vol *models.BlockVolume) error
	GetVolume(ctx context.Context, name string) (*models.BlockVolume, error)
	DeleteVolume(ctx context.Context, name string) error
	ListVolumes(ctx context.Context) ([]*models.BlockVolume, error)

	Close() error
}

const (
	instancePrefix = "instance:"
	volumePrefix   = "volume:"
)

// BadgerStore implements Store with Badger DB.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens the database at path. An empty path keeps
// everything in memory.
func NewBadgerStore(path string) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path))
		opts = opts.WithValueLogFileSize(1 << 20) // smaller value log for local use
	}
	opts.Logger = nil // badger's own logger is noisy
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "opening store %q", path)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) put(key string, v any) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), data)
	})
}

func (s *BadgerStore) get(key, what string, out any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return errors.NotFoundf("%s", what)
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, out)
		})
	})
}

func (s *BadgerStore) remove(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// scan calls fn with the value of every key under prefix.
func (s *BadgerStore) scan(prefix string, fn func(v []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) SaveInstance(ctx context.Context, inst *models.ComputeInstance) error {
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	return errors.Trace(s.put(instancePrefix+inst.Name, inst))
}

func (s *BadgerStore) GetInstance(ctx context.Context, name string) (*models.ComputeInstance, error) {
	var out models.ComputeInstance
	if err := s.get(instancePrefix+name, "instance "+name, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) DeleteInstance(ctx context.Context, name string) error {
	return errors.Trace(s.remove(instancePrefix + name))
}

func (s *BadgerStore) ListInstances(ctx context.Context) ([]*models.ComputeInstance, error) {
	var out []*models.ComputeInstance
	err := s.scan(instancePrefix, func(v []byte) error {
		var inst models.ComputeInstance
		if err := json.Unmarshal(v, &inst); err != nil {
			return err
		}
		out = append(out, &inst)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, errors.Trace(err)
}

func (s *BadgerStore) SaveVolume(ctx context.Context, vol *models.BlockVolume) error {
	now := time.Now().UTC()
	if vol.CreatedAt.IsZero() {
		vol.CreatedAt = now
	}
	vol.UpdatedAt = now
	return errors.Trace(s.put(volumePrefix+vol.Name, vol))
}

func (s *BadgerStore) GetVolume(ctx context.Context, name string) (*models.BlockVolume, error) {
	var out models.BlockVolume
	if err := s.get(volumePrefix+name, "volume "+name, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) DeleteVolume(ctx context.Context, name string) error {
	return errors.Trace(s.remove(volumePrefix + name))
}

func (s *BadgerStore) ListVolumes(ctx context.Context) ([]*models.BlockVolume, error) {
	var out []*models.BlockVolume
	err := s.scan(volumePrefix, func(v []byte) error {
		var vol models.BlockVolume
		if err := json.Unmarshal(v, &vol); err != nil {
			return err
		}
		out = append(out, &vol)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, errors.Trace(err)
}
