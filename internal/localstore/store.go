// Package localstore provides the versioned, schema-upgradable local
// database used for search indexing and other durable client state. It
// exposes scoped read/write transactions over named record collections with
// structured failure classification: quota exhaustion, unusable engine and
// generic errors are surfaced distinctly so callers can degrade gracefully
// when the host environment disables persistent storage.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// deletePollInterval is how often DeleteDatabase re-checks the active
// transaction counter before tearing the database down.
const deletePollInterval = 150 * time.Millisecond

var validName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// UpgradeFunc migrates the schema from oldVersion to newVersion. It runs
// inside the open transaction and must be idempotent per target version.
type UpgradeFunc func(u *Upgrade, oldVersion, newVersion int) error

// KeyFunc extracts a record key from a value for collections that own their
// key derivation. Used by Put when the caller passes an empty key.
type KeyFunc func(value []byte) (string, error)

// Store is a lazily-opened handle to one logical local database.
type Store struct {
	dir     string
	name    string
	version int
	upgrade UpgradeFunc
	codec   Codec
	keyFns  map[string]KeyFunc

	mu       sync.Mutex
	db       *sql.DB
	opened   bool
	openErr  error
	disabled atomic.Bool
	indexes  map[string][]string // collection -> index names

	activeTx atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithCodec installs a value codec (typically an at-rest AEAD). Record
// values pass through it on every read and write; keys and index keys stay
// in the clear because the engine needs them for lookups.
func WithCodec(c Codec) Option {
	return func(s *Store) { s.codec = c }
}

// WithKeyFunc registers a key extractor for a collection, enabling Put with
// an empty key.
func WithKeyFunc(collection string, fn KeyFunc) Option {
	return func(s *Store) { s.keyFns[collection] = fn }
}

// New creates a store handle for dir/name.db at the given schema version.
// Nothing touches the filesystem until Open.
func New(dir, name string, version int, upgrade UpgradeFunc, opts ...Option) *Store {
	s := &Store{
		dir:     dir,
		name:    name,
		version: version,
		upgrade: upgrade,
		keyFns:  make(map[string]KeyFunc),
		indexes: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) path() string {
	return filepath.Join(s.dir, s.name+".db")
}

// Open opens the database and runs the schema upgrade on first use. It is
// idempotent: later calls return the first call's outcome, including a
// poisoned handle after an upgrade failure.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(ctx)
}

func (s *Store) openLocked(ctx context.Context) error {
	if s.opened {
		return s.openErr
	}
	if s.disabled.Load() {
		return fmt.Errorf("%w: store instance disabled", ErrIndexingNotSupported)
	}

	s.opened = true
	s.openErr = s.doOpen(ctx)
	if s.openErr != nil {
		if s.db != nil {
			s.db.Close()
			s.db = nil
		}
		log.Error().Err(s.openErr).Str("db", s.name).Msg("Failed to open local store")
	}
	return s.openErr
}

func (s *Store) doOpen(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.path())
	if err != nil {
		return s.classify("open", err)
	}
	s.db = db

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return s.classify("open", fmt.Errorf("pragma %q: %w", pragma, err))
		}
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _meta (key TEXT PRIMARY KEY, value TEXT NOT NULL);
		CREATE TABLE IF NOT EXISTS _collections (name TEXT PRIMARY KEY);
		CREATE TABLE IF NOT EXISTS _indexes (
			collection TEXT NOT NULL,
			name TEXT NOT NULL,
			PRIMARY KEY (collection, name)
		);
	`); err != nil {
		return s.classify("open", err)
	}

	stored, err := s.storedVersion(ctx)
	if err != nil {
		return s.classify("open", err)
	}

	if stored < s.version {
		if err := s.runUpgrade(ctx, stored); err != nil {
			return fmt.Errorf("%w: %d -> %d: %v", ErrSchemaUpgradeFailed, stored, s.version, err)
		}
	}

	return s.loadIndexRegistry(ctx)
}

func (s *Store) storedVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT value FROM _meta WHERE key = 'version'`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (s *Store) runUpgrade(ctx context.Context, stored int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if s.upgrade != nil {
		if err := s.upgrade(&Upgrade{ctx: ctx, tx: tx}, stored, s.version); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _meta (key, value) VALUES ('version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, s.version); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) loadIndexRegistry(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT collection, name FROM _indexes`)
	if err != nil {
		return s.classify("open", err)
	}
	defer rows.Close()

	s.indexes = make(map[string][]string)
	for rows.Next() {
		var collection, name string
		if err := rows.Scan(&collection, &name); err != nil {
			return s.classify("open", err)
		}
		s.indexes[collection] = append(s.indexes[collection], name)
	}
	if err := rows.Err(); err != nil {
		return s.classify("open", err)
	}
	return nil
}

// CreateTransaction starts a transaction scoped to the named collections.
// Open must have been called before (its error propagates here). The active
// transaction counter gates DeleteDatabase, not ordinary reads and writes.
func (s *Store) CreateTransaction(ctx context.Context, readOnly bool, collections ...string) (*Transaction, error) {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return nil, &StoreError{Op: "createTransaction", Err: errors.New("store not opened")}
	}
	err := s.openErr
	db := s.db
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if s.disabled.Load() {
		return nil, fmt.Errorf("%w: store instance disabled", ErrIndexingNotSupported)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.classify("createTransaction", err)
	}

	scope := make(map[string]struct{}, len(collections))
	for _, c := range collections {
		scope[c] = struct{}{}
	}

	s.activeTx.Add(1)
	return &Transaction{
		store:    s,
		tx:       tx,
		readOnly: readOnly,
		scope:    scope,
	}, nil
}

// ActiveTransactions reports the number of transactions not yet finished.
func (s *Store) ActiveTransactions() int64 {
	return s.activeTx.Load()
}

// DeleteDatabase closes the store and removes its files. It waits for the
// active transaction counter to drain first, polling at a fixed short delay;
// the database is never deleted under a live transaction.
func (s *Store) DeleteDatabase(ctx context.Context) error {
	for s.activeTx.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(deletePollInterval):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Warn().Err(err).Str("db", s.name).Msg("Failed to close database before delete")
		}
		s.db = nil
	}
	s.opened = false
	s.openErr = nil
	s.indexes = make(map[string][]string)

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.path() + suffix); err != nil && !os.IsNotExist(err) {
			return &StoreError{Op: "deleteDatabase", Err: err}
		}
	}

	log.Info().Str("db", s.name).Msg("Local store database deleted")
	return nil
}

// Close closes the underlying database without deleting it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.opened = false
	s.openErr = nil
	return err
}

// classify maps an engine failure onto the store error taxonomy. An
// "unknown" engine failure (corrupt or unusable database file) additionally
// disables this store instance for its lifetime.
func (s *Store) classify(op string, err error) error {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.SQLITE_FULL:
			log.Warn().Str("op", op).Msg("Storage quota exceeded")
			return fmt.Errorf("%w: %s: %v", ErrQuotaExceeded, op, err)
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CANTOPEN:
			s.disabled.Store(true)
			log.Error().Str("op", op).Err(err).Msg("Local store unusable, disabling instance")
			return fmt.Errorf("%w: %s: %v", ErrIndexingNotSupported, op, err)
		}
	}
	return &StoreError{Op: op, Err: err}
}

func collectionTable(name string) (string, error) {
	if !validName.MatchString(name) {
		return "", fmt.Errorf("invalid collection name %q", name)
	}
	return "c_" + name, nil
}

func indexTable(collection, index string) (string, error) {
	if !validName.MatchString(collection) || !validName.MatchString(index) {
		return "", fmt.Errorf("invalid index name %q.%q", collection, index)
	}
	return "ix_" + collection + "_" + index, nil
}

// Upgrade is handed to the schema upgrade callback. All operations run in
// the upgrade transaction.
type Upgrade struct {
	ctx context.Context
	tx  *sql.Tx
}

// CreateCollection creates a named record collection.
func (u *Upgrade) CreateCollection(name string) error {
	table, err := collectionTable(name)
	if err != nil {
		return err
	}
	if _, err := u.tx.ExecContext(u.ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value BLOB NOT NULL)`, table)); err != nil {
		return err
	}
	_, err = u.tx.ExecContext(u.ctx, `INSERT OR IGNORE INTO _collections (name) VALUES (?)`, name)
	return err
}

// CreateIndex creates a secondary index on a collection. Index keys are
// supplied by callers at Put time.
func (u *Upgrade) CreateIndex(collection, name string) error {
	table, err := indexTable(collection, name)
	if err != nil {
		return err
	}
	if _, err := u.tx.ExecContext(u.ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			idx_key TEXT NOT NULL,
			rec_key TEXT NOT NULL,
			PRIMARY KEY (idx_key, rec_key)
		)`, table)); err != nil {
		return err
	}
	_, err = u.tx.ExecContext(u.ctx, `INSERT OR IGNORE INTO _indexes (collection, name) VALUES (?, ?)`, collection, name)
	return err
}

// DeleteCollection drops a collection and its indexes.
func (u *Upgrade) DeleteCollection(name string) error {
	table, err := collectionTable(name)
	if err != nil {
		return err
	}
	rows, err := u.tx.QueryContext(u.ctx, `SELECT name FROM _indexes WHERE collection = ?`, name)
	if err != nil {
		return err
	}
	var indexNames []string
	for rows.Next() {
		var ix string
		if err := rows.Scan(&ix); err != nil {
			rows.Close()
			return err
		}
		indexNames = append(indexNames, ix)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, ix := range indexNames {
		ixTable, err := indexTable(name, ix)
		if err != nil {
			return err
		}
		if _, err := u.tx.ExecContext(u.ctx, `DROP TABLE IF EXISTS `+ixTable); err != nil {
			return err
		}
	}
	if _, err := u.tx.ExecContext(u.ctx, `DELETE FROM _indexes WHERE collection = ?`, name); err != nil {
		return err
	}
	if _, err := u.tx.ExecContext(u.ctx, `DROP TABLE IF EXISTS `+table); err != nil {
		return err
	}
	_, err = u.tx.ExecContext(u.ctx, `DELETE FROM _collections WHERE name = ?`, name)
	return err
}
