// Package storage provides the durable key-value map amberkv applies
// committed writes to: a cheaply cloneable, internally synchronised
// store offering get, put-with-option, and delete. It is backed by
// badger, an embedded LSM key-value engine.
package storage

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/amberkv/amberkv/internal/bytesize"
	"github.com/amberkv/amberkv/internal/logger"
	"github.com/amberkv/amberkv/pkg/command"
)

// ErrorCode categorises an Error.
type ErrorCode int

const (
	// ErrNotFound indicates the requested key does not exist.
	ErrNotFound ErrorCode = iota
	// ErrPreconditionFailed indicates a SET NX/XX precondition was not met.
	ErrPreconditionFailed
	// ErrIO indicates an underlying engine failure.
	ErrIO
)

// Error is the domain error returned by Store operations.
type Error struct {
	Code    ErrorCode
	Message string
	Key     string
}

func (e *Error) Error() string {
	if e.Key != "" {
		return e.Message + ": " + e.Key
	}
	return e.Message
}

// Store wraps a badger.DB, providing the get / put-with-option / delete
// surface the sync layer's apply task drives. A Store is safe for
// concurrent use by any number of goroutines; Open returns a *Store that
// every connection handler and the sync layer share.
type Store struct {
	db *badger.DB
}

// Config controls how the underlying engine is opened.
type Config struct {
	// Dir is the directory badger persists its value log and SSTables in.
	Dir string
	// InMemory opens an ephemeral store, for tests.
	InMemory bool
	// ValueLogFileSize bounds the size of each value log segment before
	// badger rotates to a new one. Zero keeps badger's own default.
	ValueLogFileSize bytesize.ByteSize
}

// Open opens (or creates) the store at cfg.Dir.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	if cfg.ValueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(cfg.ValueLogFileSize.Int64())
	}
	opts = opts.WithLogger(badgerLogAdapter{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger at %q: %w", cfg.Dir, err)
	}
	return &Store{db: db}, nil
}

// Close flushes and releases the underlying engine.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value for key, or (nil, nil) if absent.
func (s *Store) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			value = append([]byte{}, v...)
			return nil
		})
	})
	if err != nil {
		return nil, &Error{Code: ErrIO, Message: "get failed", Key: string(key)}
	}
	return value, nil
}

// PutWithOption stores value under key, honouring opt:
//   - SetOptionNone: unconditional write.
//   - SetOptionNX: only write if key is currently absent; otherwise
//     returns an ErrPreconditionFailed Error.
//   - SetOptionXX: only write if key currently exists; otherwise
//     returns an ErrPreconditionFailed Error.
func (s *Store) PutWithOption(key, value []byte, opt command.SetOption) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if opt != command.SetOptionNone {
			_, err := txn.Get(key)
			exists := err == nil
			if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if opt == command.SetOptionNX && exists {
				return &Error{Code: ErrPreconditionFailed, Message: "key already exists", Key: string(key)}
			}
			if opt == command.SetOptionXX && !exists {
				return &Error{Code: ErrPreconditionFailed, Message: "key does not exist", Key: string(key)}
			}
		}
		return txn.Set(key, value)
	})
	if err != nil {
		var domainErr *Error
		if errors.As(err, &domainErr) {
			return domainErr
		}
		return &Error{Code: ErrIO, Message: "put failed", Key: string(key)}
	}
	return nil
}

// Delete removes key. It is idempotent: deleting an absent key is not
// an error.
func (s *Store) Delete(key []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return &Error{Code: ErrIO, Message: "delete failed", Key: string(key)}
	}
	return nil
}

// badgerLogAdapter routes badger's internal logging through the
// process-wide structured logger instead of badger's default stderr
// logger.
type badgerLogAdapter struct{}

func (badgerLogAdapter) Errorf(format string, args ...any)   { logger.Error(fmt.Sprintf(format, args...)) }
func (badgerLogAdapter) Warningf(format string, args ...any) { logger.Warn(fmt.Sprintf(format, args...)) }
func (badgerLogAdapter) Infof(format string, args ...any)    { logger.Debug(fmt.Sprintf(format, args...)) }
func (badgerLogAdapter) Debugf(format string, args ...any)   { logger.Debug(fmt.Sprintf(format, args...)) }
