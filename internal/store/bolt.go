package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/galadd/botfleet/internal/fleet"
)

var (
	placementsBucket = []byte("placements")
	accountsBucket   = []byte("accounts")
	operationsBucket = []byte("operations")
)

// BoltStore keeps every record as JSON keyed by the decimal user id.
type BoltStore struct {
	db   *bbolt.DB
	path string
}

var _ fleet.Store = (*BoltStore)(nil)

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{placementsBucket, accountsBucket, operationsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &BoltStore{db: db, path: path}, nil
}

func userKey(uid fleet.UserID) []byte {
	return []byte(uid.String())
}

func (s *BoltStore) put(bucket []byte, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", bucket, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("%s bucket not found", bucket)
		}
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("failed to save %s record: %w", bucket, err)
		}
		return nil
	})
}

// get reports false when the key is absent.
func (s *BoltStore) get(bucket []byte, key []byte, v any) (bool, error) {
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("%s bucket not found", bucket)
		}
		data := b.Get(key)
		if data == nil {
			return nil
		}
		found = true
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to unmarshal %s record: %w", bucket, err)
		}
		return nil
	})
	return found, err
}

func (s *BoltStore) GetPlacement(ctx context.Context, uid fleet.UserID) (*fleet.Placement, error) {
	var p fleet.Placement
	found, err := s.get(placementsBucket, userKey(uid), &p)
	if err != nil || !found {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) SetPlacement(ctx context.Context, p *fleet.Placement) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	return s.put(placementsBucket, userKey(p.UserID), p)
}

func (s *BoltStore) ClearPlacement(ctx context.Context, uid fleet.UserID) error {
	return s.put(placementsBucket, userKey(uid), cleared(uid))
}

func (s *BoltStore) ListPlacements(ctx context.Context) ([]*fleet.Placement, error) {
	var placements []*fleet.Placement

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(placementsBucket)
		if b == nil {
			return fmt.Errorf("placements bucket not found")
		}
		return b.ForEach(func(k, v []byte) error {
			var p fleet.Placement
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("failed to unmarshal placement: %w", err)
			}
			placements = append(placements, &p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(placements, func(i, j int) bool {
		return placements[i].UserID < placements[j].UserID
	})
	return placements, nil
}

func (s *BoltStore) SaveAccount(ctx context.Context, a *Account) error {
	a.UpdatedAt = time.Now().UTC()
	return s.put(accountsBucket, userKey(a.UserID), a)
}

func (s *BoltStore) Account(ctx context.Context, uid fleet.UserID) (*Account, error) {
	var a Account
	found, err := s.get(accountsBucket, userKey(uid), &a)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: user %s", ErrAccountNotFound, uid)
	}
	return &a, nil
}

func (s *BoltStore) Credentials(ctx context.Context, uid fleet.UserID) (fleet.Credentials, error) {
	var a Account
	found, err := s.get(accountsBucket, userKey(uid), &a)
	if err != nil {
		return fleet.Credentials{}, err
	}
	if !found || !usable(a.Credentials) {
		return fleet.Credentials{}, fleet.ErrCredentialsMissing
	}
	return a.Credentials, nil
}

func (s *BoltStore) CapitalCeiling(ctx context.Context, uid fleet.UserID) (float64, error) {
	var a Account
	if _, err := s.get(accountsBucket, userKey(uid), &a); err != nil {
		return 0, err
	}
	return a.MaxCapital, nil
}

// LogOperation appends under "<uid>/<sequence>" so one user's entries sort together.
func (s *BoltStore) LogOperation(ctx context.Context, uid fleet.UserID, op, details string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(operationsBucket)
		if b == nil {
			return fmt.Errorf("operations bucket not found")
		}
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate operation sequence: %w", err)
		}
		data, err := json.Marshal(Operation{
			Seq:     seq,
			UserID:  uid,
			Op:      op,
			Details: details,
			At:      time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal operation: %w", err)
		}
		return b.Put(operationKey(uid, seq), data)
	})
}

func operationKey(uid fleet.UserID, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/%020d", uid, seq))
}

// Operations returns the user's most recent entries, newest first. limit <= 0 returns all.
func (s *BoltStore) Operations(ctx context.Context, uid fleet.UserID, limit int) ([]Operation, error) {
	var ops []Operation
	prefix := []byte(uid.String() + "/")

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(operationsBucket)
		if b == nil {
			return fmt.Errorf("operations bucket not found")
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var op Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("failed to unmarshal operation: %w", err)
			}
			ops = append(ops, op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newestFirst(ops, limit), nil
}

func newestFirst(ops []Operation, limit int) []Operation {
	sort.Slice(ops, func(i, j int) bool { return ops[i].Seq > ops[j].Seq })
	if limit > 0 && len(ops) > limit {
		ops = ops[:limit]
	}
	return ops
}

func (s *BoltStore) Path() string {
	return s.path
}

func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
