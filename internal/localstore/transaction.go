package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

type txState int

const (
	txOpen txState = iota
	txCommitted
	txAborted
	txErrored
)

func (s txState) String() string {
	switch s {
	case txOpen:
		return "open"
	case txCommitted:
		return "committed"
	case txAborted:
		return "aborted"
	case txErrored:
		return "errored"
	}
	return "unknown"
}

// Entry is one record returned by GetAll.
type Entry struct {
	Key   string
	Value []byte
}

// Transaction is a short-lived unit of work scoped to a set of collections.
// Terminal states (committed, aborted, errored) are sticky: operations
// issued afterwards are logged and ignored, they never re-execute. Aborting
// deliberately resolves in-flight work successfully rather than failing it;
// callers check Aborted explicitly.
type Transaction struct {
	store    *Store
	tx       *sql.Tx
	readOnly bool
	scope    map[string]struct{}

	mu    sync.Mutex
	state txState
}

// Aborted reports whether Abort has been called.
func (t *Transaction) Aborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == txAborted
}

// begin checks the state and collection scope before an operation runs.
// A terminated transaction yields ok=false with no error (the op is
// ignored); a scope violation is a caller bug and errors without changing
// state.
func (t *Transaction) begin(op, collection string) (ok bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != txOpen {
		log.Warn().
			Str("op", op).
			Str("collection", collection).
			Stringer("state", t.state).
			Msg("Ignoring operation on finished transaction")
		return false, nil
	}
	if _, in := t.scope[collection]; !in {
		return false, &StoreError{Op: op, Err: fmt.Errorf("collection %q not in transaction scope", collection)}
	}
	return true, nil
}

// fail classifies an operation error and moves the transaction to the
// errored terminal state.
func (t *Transaction) fail(op string, err error) error {
	classified := t.store.classify(op, err)

	t.mu.Lock()
	if t.state == txOpen {
		t.state = txErrored
		t.mu.Unlock()
		if rbErr := t.tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Warn().Err(rbErr).Str("op", op).Msg("Rollback after failed operation also failed")
		}
		t.store.finish()
	} else {
		t.mu.Unlock()
	}
	return classified
}

// Get returns the value for key, or nil with no error when absent.
func (t *Transaction) Get(ctx context.Context, collection, key string) ([]byte, error) {
	ok, err := t.begin("get", collection)
	if err != nil || !ok {
		return nil, err
	}
	table, err := collectionTable(collection)
	if err != nil {
		return nil, &StoreError{Op: "get", Err: err}
	}

	var value []byte
	err = t.tx.QueryRowContext(ctx, `SELECT value FROM `+table+` WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, t.fail("get", err)
	}
	return t.store.decodeValue(value)
}

// GetIndexed looks a record up through a secondary index. Absent index keys
// yield nil with no error.
func (t *Transaction) GetIndexed(ctx context.Context, collection, indexName, indexKey string) ([]byte, error) {
	ok, err := t.begin("get", collection)
	if err != nil || !ok {
		return nil, err
	}
	table, err := collectionTable(collection)
	if err != nil {
		return nil, &StoreError{Op: "get", Err: err}
	}
	ixTable, err := indexTable(collection, indexName)
	if err != nil {
		return nil, &StoreError{Op: "get", Err: err}
	}

	var value []byte
	err = t.tx.QueryRowContext(ctx, `
		SELECT c.value FROM `+ixTable+` ix
		JOIN `+table+` c ON c.key = ix.rec_key
		WHERE ix.idx_key = ?
		ORDER BY ix.rec_key
		LIMIT 1
	`, indexKey).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, t.fail("get", err)
	}
	return t.store.decodeValue(value)
}

// GetAll returns every record in the collection in key order.
func (t *Transaction) GetAll(ctx context.Context, collection string) ([]Entry, error) {
	ok, err := t.begin("getAll", collection)
	if err != nil || !ok {
		return nil, err
	}
	table, err := collectionTable(collection)
	if err != nil {
		return nil, &StoreError{Op: "getAll", Err: err}
	}

	rows, err := t.tx.QueryContext(ctx, `SELECT key, value FROM `+table+` ORDER BY key`)
	if err != nil {
		return nil, t.fail("getAll", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, t.fail("getAll", err)
		}
		if e.Value, err = t.store.decodeValue(e.Value); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, t.fail("getAll", err)
	}
	return entries, nil
}

// Put upserts a value. With an empty key the collection's registered key
// extractor derives the key from the value.
func (t *Transaction) Put(ctx context.Context, collection, key string, value []byte) error {
	return t.PutIndexed(ctx, collection, key, value, nil)
}

// PutIndexed upserts a value together with its secondary index keys,
// replacing any index entries the record had before.
func (t *Transaction) PutIndexed(ctx context.Context, collection, key string, value []byte, indexKeys map[string]string) error {
	ok, err := t.begin("put", collection)
	if err != nil || !ok {
		return err
	}
	if t.readOnly {
		return &StoreError{Op: "put", Err: errors.New("write in read-only transaction")}
	}
	table, err := collectionTable(collection)
	if err != nil {
		return &StoreError{Op: "put", Err: err}
	}

	if key == "" {
		fn, okFn := t.store.keyFns[collection]
		if !okFn {
			return &StoreError{Op: "put", Err: fmt.Errorf("no key extractor registered for collection %q", collection)}
		}
		if key, err = fn(value); err != nil {
			return &StoreError{Op: "put", Err: fmt.Errorf("key extraction: %w", err)}
		}
	}

	stored, err := t.store.encodeValue(value)
	if err != nil {
		return err
	}

	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO `+table+` (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, stored); err != nil {
		return t.fail("put", err)
	}

	for _, ix := range t.store.indexes[collection] {
		ixTable, err := indexTable(collection, ix)
		if err != nil {
			return &StoreError{Op: "put", Err: err}
		}
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM `+ixTable+` WHERE rec_key = ?`, key); err != nil {
			return t.fail("put", err)
		}
		idxKey, present := indexKeys[ix]
		if !present {
			continue
		}
		if _, err := t.tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO `+ixTable+` (idx_key, rec_key) VALUES (?, ?)
		`, idxKey, key); err != nil {
			return t.fail("put", err)
		}
	}
	return nil
}

// Delete removes a record. Deleting an absent key succeeds.
func (t *Transaction) Delete(ctx context.Context, collection, key string) error {
	ok, err := t.begin("delete", collection)
	if err != nil || !ok {
		return err
	}
	if t.readOnly {
		return &StoreError{Op: "delete", Err: errors.New("write in read-only transaction")}
	}
	table, err := collectionTable(collection)
	if err != nil {
		return &StoreError{Op: "delete", Err: err}
	}

	if _, err := t.tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE key = ?`, key); err != nil {
		return t.fail("delete", err)
	}
	for _, ix := range t.store.indexes[collection] {
		ixTable, err := indexTable(collection, ix)
		if err != nil {
			return &StoreError{Op: "delete", Err: err}
		}
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM `+ixTable+` WHERE rec_key = ?`, key); err != nil {
			return t.fail("delete", err)
		}
	}
	return nil
}

// Commit makes the transaction's writes durable.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	if t.state != txOpen {
		state := t.state
		t.mu.Unlock()
		log.Warn().Stringer("state", state).Msg("Ignoring commit of finished transaction")
		return nil
	}
	t.state = txCommitted
	t.mu.Unlock()

	err := t.tx.Commit()
	t.store.finish()
	if err != nil {
		t.mu.Lock()
		t.state = txErrored
		t.mu.Unlock()
		return t.store.classify("commit", err)
	}
	return nil
}

// Abort rolls the transaction back. It never reports an error: per the
// store contract, operations already issued against an aborted transaction
// resolve successfully and callers inspect Aborted instead.
func (t *Transaction) Abort() {
	t.mu.Lock()
	if t.state != txOpen {
		state := t.state
		t.mu.Unlock()
		log.Warn().Stringer("state", state).Msg("Ignoring abort of finished transaction")
		return
	}
	t.state = txAborted
	t.mu.Unlock()

	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.Warn().Err(err).Msg("Transaction rollback failed")
	}
	t.store.finish()
}

// finish decrements the active transaction counter exactly once per
// transaction; callers ensure the state transition happened first.
func (s *Store) finish() {
	s.activeTx.Add(-1)
}

func (s *Store) encodeValue(value []byte) ([]byte, error) {
	if s.codec == nil {
		return value, nil
	}
	encoded, err := s.codec.Encode(value)
	if err != nil {
		return nil, &StoreError{Op: "encode", Err: err}
	}
	return encoded, nil
}

func (s *Store) decodeValue(stored []byte) ([]byte, error) {
	if s.codec == nil {
		return stored, nil
	}
	decoded, err := s.codec.Decode(stored)
	if err != nil {
		return nil, &StoreError{Op: "decode", Err: err}
	}
	return decoded, nil
}
