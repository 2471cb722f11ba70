package storage

import (
	"testing"

	"github.com/amberkv/amberkv/pkg/command"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)
	v, err := s.Get([]byte("nokey"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != nil {
		t.Fatalf("expected nil for missing key, got %v", v)
	}
}

func TestPutThenGet(t *testing.T) {
	s := openTestStore(t)
	if err := s.PutWithOption([]byte("foo"), []byte("bar"), command.SetOptionNone); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := s.Get([]byte("foo"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "bar" {
		t.Fatalf("expected bar, got %q", v)
	}
}

func TestPutNXFailsOnExisting(t *testing.T) {
	s := openTestStore(t)
	if err := s.PutWithOption([]byte("foo"), []byte("bar"), command.SetOptionNone); err != nil {
		t.Fatalf("put: %v", err)
	}
	err := s.PutWithOption([]byte("foo"), []byte("baz"), command.SetOptionNX)
	if err == nil {
		t.Fatalf("expected precondition failure")
	}
	se, ok := err.(*Error)
	if !ok || se.Code != ErrPreconditionFailed {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
	v, _ := s.Get([]byte("foo"))
	if string(v) != "bar" {
		t.Fatalf("value should be unchanged, got %q", v)
	}
}

func TestPutXXFailsOnAbsent(t *testing.T) {
	s := openTestStore(t)
	err := s.PutWithOption([]byte("missing"), []byte("v"), command.SetOptionXX)
	if err == nil {
		t.Fatalf("expected precondition failure")
	}
	se, ok := err.(*Error)
	if !ok || se.Code != ErrPreconditionFailed {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.Delete([]byte("absent")); err != nil {
		t.Fatalf("delete on absent key should not error: %v", err)
	}
	if err := s.PutWithOption([]byte("k"), []byte("v"), command.SetOptionNone); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete([]byte("k")); err != nil {
		t.Fatalf("repeated delete should not error: %v", err)
	}
	v, _ := s.Get([]byte("k"))
	if v != nil {
		t.Fatalf("expected absent after delete, got %v", v)
	}
}
