package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	tmpDir := t.TempDir()

	l, err := Acquire(tmpDir, "main")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// Verify lock file exists and contains PID.
	data, err := os.ReadFile(tmpDir + "/LOCK")
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if len(data) == 0 {
		t.Error("lock file is empty")
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	tmpDir := t.TempDir()

	l1, err := Acquire(tmpDir, "main")
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(tmpDir, "main")
	if err == nil {
		t.Fatal("second Acquire() should fail")
	}

	var lockErr *LockHeldError
	if !errors.As(err, &lockErr) {
		t.Errorf("expected LockHeldError, got %T: %v", err, err)
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	tmpDir := t.TempDir()

	l, err := Acquire(tmpDir, "main")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}

func TestLockHeldErrorCarriesHolder(t *testing.T) {
	tmpDir := t.TempDir()

	l1, err := Acquire(tmpDir, "work")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(tmpDir, "work")
	var lockErr *LockHeldError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockHeldError, got %v", err)
	}
	if lockErr.Holder.PID != os.Getpid() || lockErr.Holder.Session != "work" {
		t.Errorf("holder = %+v", lockErr.Holder)
	}
	if lockErr.Holder.Since.IsZero() {
		t.Error("holder time not parsed")
	}
}

func TestReadHolder(t *testing.T) {
	tmpDir := t.TempDir()
	if _, err := ReadHolder(tmpDir); err == nil {
		t.Error("expected error without lock file")
	}

	content := "pid=4242\nsession=main\ntime=2024-05-01T10:00:00Z\n"
	if err := os.WriteFile(filepath.Join(tmpDir, FileName), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	h, err := ReadHolder(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if h.PID != 4242 || h.Session != "main" || h.Since.Year() != 2024 {
		t.Errorf("holder = %+v", h)
	}
}

func TestReleaseRemovesFile(t *testing.T) {
	tmpDir := t.TempDir()
	l, err := Acquire(tmpDir, "main")
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, FileName)); !os.IsNotExist(err) {
		t.Errorf("lock file still present: %v", err)
	}
}
