package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"

	"github.com/ziamarket/zia/metrics"
)

const (
	DefaultFileName = "zia-messages.db"

	// SchemaVersion is the on-disk layout version, see upgrade().
	SchemaVersion = 1

	defaultLockTimeout = time.Second
)

var (
	messagesBucket   = []byte("messages")
	metaBucket       = []byte("meta")
	schemaVersionKey = []byte("schema_version")
)

var (
	ErrUnavailable    = errors.New("store: unavailable")
	ErrInvalidMessage = errors.New("store: invalid message")
	ErrSchemaTooNew   = errors.New("store: on-disk schema is newer than supported")
)

type Options struct {
	// LockTimeout is how long Open waits for the file lock held by another handle.
	LockTimeout time.Duration
	// NoSync skips fsync after commit, for tests only.
	NoSync bool
}

// messageStore implements interface `IMessageStore` on a bbolt file.
type messageStore struct {
	db   *bbolt.DB
	path string
	key  string

	closeOnce sync.Once
	closed    chan struct{}
}

// sharedDB is one bbolt handle shared by every Open of the same file in this process.
type sharedDB struct {
	db   *bbolt.DB
	refs int
}

var (
	openMu sync.Mutex
	opened = map[string]*sharedDB{}
)

// Open opens or creates the message file at path and brings its schema up to date.
// Opening a file already open in this process shares its handle; each result
// must be closed. Another process holding the file makes Open fail with
// ErrUnavailable after the lock timeout.
func Open(path string, opts *Options) (*messageStore, error) {
	if path == "" {
		path = DefaultFileName
	}
	if opts == nil {
		opts = &Options{}
	}
	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	key, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	openMu.Lock()
	defer openMu.Unlock()

	if sh := opened[key]; sh != nil {
		sh.refs++
		glog.V(5).Infof("store: %s shared, %d handles", path, sh.refs)
		return newMessageStore(sh.db, path, key), nil
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: lockTimeout, NoSync: opts.NoSync})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s is locked by another handle", ErrUnavailable, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := newMessageStore(db, path, key)
	upgraded, err := s.ensureSchema()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if upgraded {
		glog.Infof("store: %s upgraded to schema version %d", path, SchemaVersion)
	}
	opened[key] = &sharedDB{db: db, refs: 1}
	return s, nil
}

func newMessageStore(db *bbolt.DB, path, key string) *messageStore {
	return &messageStore{db: db, path: path, key: key, closed: make(chan struct{})}
}

// ensureSchema runs the upgrade path inside one write transaction.
// It returns false and changes nothing when the schema is already current.
func (s *messageStore) ensureSchema() (bool, error) {
	var upgraded bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		var current uint64
		if v := meta.Get(schemaVersionKey); v != nil {
			current = btoi(v)
		}
		if current > SchemaVersion {
			return fmt.Errorf("%w: %d > %d", ErrSchemaTooNew, current, SchemaVersion)
		}
		if current == SchemaVersion {
			return nil
		}

		for v := current + 1; v <= SchemaVersion; v++ {
			if err := upgrade(tx, v); err != nil {
				return fmt.Errorf("upgrade to version %d: %w", v, err)
			}
		}
		upgraded = true
		return meta.Put(schemaVersionKey, itob(SchemaVersion))
	})
	return upgraded, err
}

func upgrade(tx *bbolt.Tx, version uint64) error {
	switch version {
	case 1:
		// One collection, auto increment key, no secondary index.
		_, err := tx.CreateBucketIfNotExists(messagesBucket)
		return err
	default:
		return fmt.Errorf("unknown schema version %d", version)
	}
}

func (s *messageStore) withTx(ctx context.Context, op string, writable bool, exec func(b *bbolt.Bucket) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return fmt.Errorf("%w: %v", ErrUnavailable, bbolt.ErrDatabaseNotOpen)
	default:
	}

	start := time.Now()
	defer func() {
		metrics.ObserveStoreOp(op, start, err)
	}()

	fn := func(tx *bbolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		if b == nil {
			return fmt.Errorf("%w: bucket %q missing", ErrUnavailable, messagesBucket)
		}
		return exec(b)
	}

	if writable {
		err = s.db.Update(fn)
	} else {
		err = s.db.View(fn)
	}

	if errors.Is(err, bbolt.ErrDatabaseNotOpen) || errors.Is(err, bbolt.ErrTxClosed) {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		glog.Errorf("store: %s error: %v", op, err)
	}
	return err
}

func (s *messageStore) SaveMessages(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	for i, m := range msgs {
		if m == nil {
			return fmt.Errorf("%w: record %d is nil", ErrInvalidMessage, i)
		}
		if errs := m.validate(); len(errs) > 0 {
			return fmt.Errorf("%w: record %d: %v", ErrInvalidMessage, i, errs)
		}
	}

	// IDs are written back only after commit, a rolled back sequence must not leak.
	ids := make([]uint64, len(msgs))

	if err := s.withTx(ctx, "save", true, func(b *bbolt.Bucket) error {
		for i, m := range msgs {
			id := m.ID
			if id == 0 {
				next, err := b.NextSequence()
				if err != nil {
					return err
				}
				id = next
			} else if id > b.Sequence() {
				// keep the sequence ahead of explicit keys so they are never issued again.
				if err := b.SetSequence(id); err != nil {
					return err
				}
			}

			rec := *m
			rec.ID = id
			data, err := json.Marshal(&rec)
			if err != nil {
				return fmt.Errorf("marshal record %d: %w", i, err)
			}
			if err := b.Put(itob(id), data); err != nil {
				return err
			}
			ids[i] = id
		}
		return nil
	}); err != nil {
		return err
	}

	for i, m := range msgs {
		m.ID = ids[i]
	}
	glog.V(5).Infof("store: saved %d messages", len(msgs))
	return nil
}

func (s *messageStore) GetMessagesBetween(ctx context.Context, userA, userB string) ([]*Message, error) {
	var out []*Message
	// Full scan: the file only holds the local user's history.
	if err := s.withTx(ctx, "get_between", false, func(b *bbolt.Bucket) error {
		return forEachMessage(b, func(m *Message) bool {
			if m.Between(userA, userB) {
				out = append(out, m)
			}
			return true
		})
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *messageStore) FindByPendingID(ctx context.Context, pendingID string) (*Message, error) {
	if pendingID == "" {
		return nil, nil
	}
	var out *Message
	if err := s.withTx(ctx, "find_pending", false, func(b *bbolt.Bucket) error {
		return forEachMessage(b, func(m *Message) bool {
			if m.PendingID == pendingID {
				out = m
				return false
			}
			return true
		})
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *messageStore) DeleteMessage(ctx context.Context, id uint64) error {
	return s.withTx(ctx, "delete", true, func(b *bbolt.Bucket) error {
		return b.Delete(itob(id))
	})
}

func (s *messageStore) ClearMessages(ctx context.Context) error {
	var n int
	if err := s.withTx(ctx, "clear", true, func(b *bbolt.Bucket) error {
		// Deleting keys rather than the bucket keeps the sequence.
		var keys [][]byte
		if err := b.ForEach(func(k, _ []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(keys)
		return nil
	}); err != nil {
		return err
	}
	glog.Infof("store: cleared %d messages", n)
	return nil
}

// Close releases this handle, the file is closed with the last one.
func (s *messageStore) Close() (err error) {
	s.closeOnce.Do(func() {
		close(s.closed)

		openMu.Lock()
		defer openMu.Unlock()
		sh := opened[s.key]
		if sh == nil || sh.db != s.db {
			return
		}
		if sh.refs--; sh.refs > 0 {
			return
		}
		delete(opened, s.key)
		err = s.db.Close()
	})
	return err
}

func forEachMessage(b *bbolt.Bucket, fn func(m *Message) bool) error {
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var m Message
		if err := json.Unmarshal(v, &m); err != nil {
			glog.Errorf("store: skip malformed record %d: %v", btoi(k), err)
			continue
		}
		m.ID = btoi(k)
		if !fn(&m) {
			return nil
		}
	}
	return nil
}
