package kvstore

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var bucketKV = []byte("kv")

// Bolt is a Store backed by a single bbolt bucket.
type Bolt struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// OpenBolt opens (or creates) the bbolt file at path. A second process
// holding the file lock makes this fail after one second rather than hang.
func OpenBolt(path string, logger *slog.Logger) (*Bolt, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening bolt %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: creating bucket: %w", err)
	}

	logger.Debug("bolt store opened", slog.String("path", path))

	return &Bolt{db: db, logger: logger}, nil
}

func (b *Bolt) Get(key string, v any) (bool, error) {
	var data []byte

	err := b.db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket(bucketKV).Get([]byte(key)); raw != nil {
			// raw is only valid inside the transaction.
			data = append([]byte(nil), raw...)
		}

		return nil
	})
	if err != nil {
		return false, b.wrap("reading", key, err)
	}

	if data == nil {
		return false, nil
	}

	return true, decode(key, data, v)
}

func (b *Bolt) Put(key string, v any) error {
	data, err := encode(key, v)
	if err != nil {
		return err
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), data)
	})
	if err != nil {
		return b.wrap("writing", key, err)
	}

	return nil
}

func (b *Bolt) Delete(key string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
	if err != nil {
		return b.wrap("deleting", key, err)
	}

	return nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) wrap(op, key string, err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return fmt.Errorf("kvstore: %s %s: %w", op, key, ErrClosed)
	}

	return fmt.Errorf("kvstore: %s %s: %w", op, key, err)
}
