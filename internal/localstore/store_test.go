package localstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testUpgrade(u *Upgrade, oldVersion, newVersion int) error {
	if err := u.CreateCollection("mail"); err != nil {
		return err
	}
	if err := u.CreateCollection("words"); err != nil {
		return err
	}
	return u.CreateIndex("mail", "sender")
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	s := New(t.TempDir(), "testdb", 1, testUpgrade, opts...)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustTx(t *testing.T, s *Store, readOnly bool, collections ...string) *Transaction {
	t.Helper()
	tx, err := s.CreateTransaction(context.Background(), readOnly, collections...)
	if err != nil {
		t.Fatalf("Failed to create transaction: %v", err)
	}
	return tx
}

func TestOpenIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Second open failed: %v", err)
	}
}

func TestOpenRequiredBeforeTransaction(t *testing.T) {
	s := New(t.TempDir(), "unopened", 1, testUpgrade)
	_, err := s.CreateTransaction(context.Background(), true, "mail")
	var storeErr *StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("Expected StoreError, got %v", err)
	}
}

func TestSchemaUpgradeFailurePoisonsHandle(t *testing.T) {
	boom := errors.New("boom")
	s := New(t.TempDir(), "broken", 1, func(u *Upgrade, oldVersion, newVersion int) error {
		return boom
	})

	err := s.Open(context.Background())
	if !errors.Is(err, ErrSchemaUpgradeFailed) {
		t.Fatalf("Expected ErrSchemaUpgradeFailed, got %v", err)
	}

	// The handle stays poisoned.
	if err := s.Open(context.Background()); !errors.Is(err, ErrSchemaUpgradeFailed) {
		t.Errorf("Expected second open to report ErrSchemaUpgradeFailed, got %v", err)
	}
	if _, err := s.CreateTransaction(context.Background(), true, "mail"); !errors.Is(err, ErrSchemaUpgradeFailed) {
		t.Errorf("Expected transaction creation to report ErrSchemaUpgradeFailed, got %v", err)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx := mustTx(t, s, false, "mail")
	if err := tx.Put(ctx, "mail", "msg-1", []byte("hello")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	tx = mustTx(t, s, true, "mail")
	defer tx.Abort()
	value, err := tx.Get(ctx, "mail", "msg-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "hello" {
		t.Errorf("Expected 'hello', got %q", value)
	}

	missing, err := tx.Get(ctx, "mail", "no-such-key")
	if err != nil {
		t.Fatalf("Get of absent key errored: %v", err)
	}
	if missing != nil {
		t.Errorf("Expected nil for absent key, got %q", missing)
	}
}

func TestGetAllReturnsKeyOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx := mustTx(t, s, false, "words")
	for _, key := range []string{"cherry", "apple", "banana"} {
		if err := tx.Put(ctx, "words", key, []byte(key)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	tx = mustTx(t, s, true, "words")
	defer tx.Abort()
	entries, err := tx.GetAll(ctx, "words")
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	want := []string{"apple", "banana", "cherry"}
	if len(entries) != len(want) {
		t.Fatalf("Expected %d entries, got %d", len(want), len(entries))
	}
	for i, key := range want {
		if entries[i].Key != key {
			t.Errorf("Entry %d: expected key %q, got %q", i, key, entries[i].Key)
		}
	}
}

func TestPutUsesKeyExtractor(t *testing.T) {
	s := newTestStore(t, WithKeyFunc("mail", func(value []byte) (string, error) {
		return "derived:" + string(value[:4]), nil
	}))
	ctx := context.Background()

	tx := mustTx(t, s, false, "mail")
	if err := tx.Put(ctx, "mail", "", []byte("abcd rest of value")); err != nil {
		t.Fatalf("Put with empty key failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	tx = mustTx(t, s, true, "mail")
	defer tx.Abort()
	value, err := tx.Get(ctx, "mail", "derived:abcd")
	if err != nil || value == nil {
		t.Fatalf("Expected extracted key to resolve, got value=%v err=%v", value, err)
	}
}

func TestIndexedLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx := mustTx(t, s, false, "mail")
	err := tx.PutIndexed(ctx, "mail", "msg-1", []byte("body"), map[string]string{"sender": "alice@example.com"})
	if err != nil {
		t.Fatalf("PutIndexed failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	tx = mustTx(t, s, true, "mail")
	defer tx.Abort()
	value, err := tx.GetIndexed(ctx, "mail", "sender", "alice@example.com")
	if err != nil {
		t.Fatalf("GetIndexed failed: %v", err)
	}
	if string(value) != "body" {
		t.Errorf("Expected 'body', got %q", value)
	}

	missing, err := tx.GetIndexed(ctx, "mail", "sender", "bob@example.com")
	if err != nil {
		t.Fatalf("GetIndexed of absent index key errored: %v", err)
	}
	if missing != nil {
		t.Errorf("Expected nil for absent index key, got %q", missing)
	}
}

func TestDeleteAbsentKeySucceeds(t *testing.T) {
	s := newTestStore(t)
	tx := mustTx(t, s, false, "mail")
	if err := tx.Delete(context.Background(), "mail", "never-existed"); err != nil {
		t.Errorf("Delete of absent key errored: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func TestFinishedTransactionIgnoresFurtherOps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx := mustTx(t, s, false, "mail")
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// Everything after the terminal state is a logged no-op.
	if err := tx.Put(ctx, "mail", "late", []byte("x")); err != nil {
		t.Errorf("Put after commit should be ignored, got %v", err)
	}
	if v, err := tx.Get(ctx, "mail", "late"); err != nil || v != nil {
		t.Errorf("Get after commit should be an empty no-op, got value=%v err=%v", v, err)
	}
	if err := tx.Commit(); err != nil {
		t.Errorf("Second commit should be ignored, got %v", err)
	}
	tx.Abort() // also ignored

	// The late put never executed.
	check := mustTx(t, s, true, "mail")
	defer check.Abort()
	if v, _ := check.Get(ctx, "mail", "late"); v != nil {
		t.Error("Operation after terminal state re-executed")
	}
}

func TestAbortRollsBackAndIsSticky(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx := mustTx(t, s, false, "mail")
	if err := tx.Put(ctx, "mail", "doomed", []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	tx.Abort()

	if !tx.Aborted() {
		t.Error("Expected Aborted() to report true")
	}
	// Ops after abort resolve successfully without executing.
	if err := tx.Put(ctx, "mail", "more", []byte("y")); err != nil {
		t.Errorf("Put after abort should resolve successfully, got %v", err)
	}

	check := mustTx(t, s, true, "mail")
	defer check.Abort()
	if v, _ := check.Get(ctx, "mail", "doomed"); v != nil {
		t.Error("Aborted write survived")
	}
}

func TestReadOnlyTransactionRejectsWrites(t *testing.T) {
	s := newTestStore(t)
	tx := mustTx(t, s, true, "mail")
	defer tx.Abort()

	var storeErr *StoreError
	if err := tx.Put(context.Background(), "mail", "k", []byte("v")); !errors.As(err, &storeErr) {
		t.Errorf("Expected StoreError for write in read-only transaction, got %v", err)
	}
}

func TestOperationOutsideScopeFails(t *testing.T) {
	s := newTestStore(t)
	tx := mustTx(t, s, false, "mail")
	defer tx.Abort()

	var storeErr *StoreError
	if _, err := tx.Get(context.Background(), "words", "k"); !errors.As(err, &storeErr) {
		t.Errorf("Expected StoreError for out-of-scope collection, got %v", err)
	}
	// A scope violation is a caller bug, not a terminal state.
	if _, err := tx.Get(context.Background(), "mail", "k"); err != nil {
		t.Errorf("Transaction should still be usable, got %v", err)
	}
}

func TestDeleteDatabaseWaitsForActiveTransaction(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "gated", 1, testUpgrade)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	tx := mustTx(t, s, false, "mail")
	if err := tx.Put(context.Background(), "mail", "k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.DeleteDatabase(context.Background())
	}()

	// While the transaction is live the database must survive.
	time.Sleep(3 * deletePollInterval)
	select {
	case err := <-done:
		t.Fatalf("DeleteDatabase finished under a live transaction: %v", err)
	default:
	}
	if _, err := os.Stat(filepath.Join(dir, "gated.db")); err != nil {
		t.Fatalf("Database file missing while transaction active: %v", err)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("DeleteDatabase failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("DeleteDatabase did not finish after transaction completed")
	}
	if _, err := os.Stat(filepath.Join(dir, "gated.db")); !os.IsNotExist(err) {
		t.Error("Database file still present after DeleteDatabase")
	}
}

func TestAEADCodecEncryptsAtRest(t *testing.T) {
	dek := make([]byte, 32)
	rand.Read(dek)
	codec, err := NewAEADCodec(dek)
	if err != nil {
		t.Fatalf("Failed to create codec: %v", err)
	}

	s := newTestStore(t, WithCodec(codec))
	ctx := context.Background()
	secret := []byte("highly sensitive mail body")

	tx := mustTx(t, s, false, "mail")
	if err := tx.Put(ctx, "mail", "m", secret); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	tx = mustTx(t, s, true, "mail")
	defer tx.Abort()
	value, err := tx.Get(ctx, "mail", "m")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(value, secret) {
		t.Error("Codec round trip mismatch")
	}

	// Snapshots export values as stored; the plaintext must not appear.
	snap, err := s.CreateSnapshot(ctx, dek)
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	if bytes.Contains(snap.Payload, secret) {
		t.Error("Plaintext leaked into at-rest representation")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	macKey := []byte("snapshot-integrity-key")

	s := newTestStore(t)
	tx := mustTx(t, s, false, "mail")
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("msg-%d", i)
		if err := tx.Put(ctx, "mail", key, []byte("payload-"+key)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	snap, err := s.CreateSnapshot(ctx, macKey)
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}

	other := newTestStore(t)
	if err := other.RestoreSnapshot(ctx, snap, macKey); err != nil {
		t.Fatalf("RestoreSnapshot failed: %v", err)
	}

	tx = mustTx(t, other, true, "mail")
	defer tx.Abort()
	entries, err := tx.GetAll(ctx, "mail")
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(entries) != 5 {
		t.Errorf("Expected 5 restored entries, got %d", len(entries))
	}
}

func TestSnapshotRestoreRejectsTampering(t *testing.T) {
	ctx := context.Background()
	macKey := []byte("snapshot-integrity-key")

	s := newTestStore(t)
	tx := mustTx(t, s, false, "mail")
	if err := tx.Put(ctx, "mail", "m", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	snap, err := s.CreateSnapshot(ctx, macKey)
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	snap.Payload[0] ^= 0x01

	other := newTestStore(t)
	if err := other.RestoreSnapshot(ctx, snap, macKey); err == nil {
		t.Error("Expected tampered snapshot to be rejected")
	}
}

func TestDeriveDEK(t *testing.T) {
	secret := []byte("master secret")

	a, err := DeriveDEK(secret, []byte("salt-1"))
	if err != nil {
		t.Fatalf("DeriveDEK failed: %v", err)
	}
	b, err := DeriveDEK(secret, []byte("salt-1"))
	if err != nil {
		t.Fatalf("DeriveDEK failed: %v", err)
	}
	c, err := DeriveDEK(secret, []byte("salt-2"))
	if err != nil {
		t.Fatalf("DeriveDEK failed: %v", err)
	}

	if !bytes.Equal(a, b) {
		t.Error("Same inputs produced different DEKs")
	}
	if bytes.Equal(a, c) {
		t.Error("Different salts produced the same DEK")
	}
}
