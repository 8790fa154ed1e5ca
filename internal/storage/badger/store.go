// Package badger implements storage.Storage on an embedded Badger database.
// Values are JSON documents keyed by "<kind>:<id>".
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bcnelson/instance-rental/internal/domain"
	"github.com/bcnelson/instance-rental/internal/storage"
	badger "github.com/dgraph-io/badger/v4"
)

const (
	permissionPrefix = "permission:"
	regionPrefix     = "region:"
	rentalPrefix     = "rental:"

	// maxTxnRetries bounds retries of optimistic transactions that lose a race.
	maxTxnRetries = 5
)

// Store implements storage.Storage with Badger.
type Store struct {
	db *badger.DB
}

var _ storage.Storage = (*Store)(nil)

// New opens (or creates) a Badger database at path. An empty path opens an
// in-memory database.
func New(path string) (*Store, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path))
		opts = opts.WithValueLogFileSize(1 << 24)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func getJSON(txn *badger.Txn, key string, out any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return domain.ErrNotFound
		}
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

// scan decodes every value under prefix with decode.
func (s *Store) scan(prefix string, decode func([]byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(decode); err != nil {
				return err
			}
		}
		return nil
	})
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func deleteKey(txn *badger.Txn, key string) error {
	if _, err := txn.Get([]byte(key)); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return domain.ErrNotFound
		}
		return err
	}
	return txn.Delete([]byte(key))
}

// ============================================
// Permissions
// ============================================

func (s *Store) PutPermission(ctx context.Context, p *domain.PermissionRecord) error {
	record := *p
	record.UpdatedAt = time.Now().UTC()
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, permissionPrefix+p.Group, &record)
	})
}

func (s *Store) GetPermission(ctx context.Context, group string) (*domain.PermissionRecord, error) {
	var p domain.PermissionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, permissionPrefix+group, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]*domain.PermissionRecord, error) {
	var result []*domain.PermissionRecord
	err := s.scan(permissionPrefix, func(v []byte) error {
		var p domain.PermissionRecord
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		result = append(result, &p)
		return nil
	})
	return result, err
}

func (s *Store) DeletePermission(ctx context.Context, group string) error {
	return s.update(func(txn *badger.Txn) error {
		return deleteKey(txn, permissionPrefix+group)
	})
}

// ============================================
// Regional network profiles
// ============================================

func (s *Store) PutRegionalProfile(ctx context.Context, p *domain.RegionalNetworkProfile) error {
	profile := *p
	profile.UpdatedAt = time.Now().UTC()
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, regionPrefix+p.Key(), &profile)
	})
}

func (s *Store) GetRegionalProfile(ctx context.Context, account, region string) (*domain.RegionalNetworkProfile, error) {
	var p domain.RegionalNetworkProfile
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, regionPrefix+domain.RegionKey(account, region), &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListRegionalProfiles(ctx context.Context) ([]*domain.RegionalNetworkProfile, error) {
	var result []*domain.RegionalNetworkProfile
	err := s.scan(regionPrefix, func(v []byte) error {
		var p domain.RegionalNetworkProfile
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		result = append(result, &p)
		return nil
	})
	return result, err
}

// ============================================
// Rentals
// ============================================

func (s *Store) CreateRental(ctx context.Context, r *domain.RentalRecord) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	return s.update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(rentalPrefix + r.ID))
		if err == nil {
			return domain.ErrAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, rentalPrefix+r.ID, r)
	})
}

func (s *Store) GetRental(ctx context.Context, id string) (*domain.RentalRecord, error) {
	var r domain.RentalRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, rentalPrefix+id, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) ListRentals(ctx context.Context, filter domain.RentalFilter) ([]*domain.RentalRecord, error) {
	var result []*domain.RentalRecord
	err := s.scan(rentalPrefix, func(v []byte) error {
		var r domain.RentalRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		if filter.OwnerEmail != "" && !strings.EqualFold(r.Email, filter.OwnerEmail) {
			return nil
		}
		result = append(result, &r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) UpdateRental(ctx context.Context, id string, update domain.RentalUpdate) (*domain.RentalRecord, error) {
	var r domain.RentalRecord
	err := s.update(func(txn *badger.Txn) error {
		if err := getJSON(txn, rentalPrefix+id, &r); err != nil {
			return err
		}
		if !update.Matches(&r) {
			return domain.ErrConflict
		}
		update.Apply(&r)
		r.UpdatedAt = time.Now().UTC()
		return setJSON(txn, rentalPrefix+id, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) DeleteRental(ctx context.Context, id string) error {
	return s.update(func(txn *badger.Txn) error {
		return deleteKey(txn, rentalPrefix+id)
	})
}
