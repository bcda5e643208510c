package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestBackendRoundTrip(t *testing.T) {
	backend := openTempBackend(t)
	ctx := context.Background()

	if err := backend.Set(ctx, "run:r1:latest", []byte(`{"x":1}`), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	value, found, err := backend.Get(ctx, "run:r1:latest")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatal("expected hit")
	}
	if string(value) != `{"x":1}` {
		t.Fatalf("unexpected value %q", value)
	}
}

func TestBackendExpiresEntries(t *testing.T) {
	backend := openTempBackend(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	backend.SetClock(func() time.Time { return now })

	if err := backend.Set(ctx, "run:r1:latest", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, found, err := backend.Get(ctx, "run:r1:latest"); err != nil || found {
		t.Fatalf("expected expired miss, found=%v err=%v", found, err)
	}

	// The expired entry is reaped lazily, so a fresh clock must still miss.
	now = now.Add(-2 * time.Minute)
	if _, found, _ := backend.Get(ctx, "run:r1:latest"); found {
		t.Fatal("expected expired entry deleted")
	}
}

func TestBackendDeletePrefix(t *testing.T) {
	backend := openTempBackend(t)
	ctx := context.Background()

	for _, key := range []string{"run:r1:latest", "run:r1:meta", "run:r2:latest"} {
		if err := backend.Set(ctx, key, []byte("v"), time.Minute); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}

	if err := backend.DeletePrefix(ctx, "run:r1:"); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}

	if _, found, _ := backend.Get(ctx, "run:r1:latest"); found {
		t.Fatal("expected run:r1:latest deleted")
	}
	if _, found, _ := backend.Get(ctx, "run:r2:latest"); !found {
		t.Fatal("expected run:r2:latest kept")
	}
}

func TestBackendSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	backend, err := Open(path)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	if err := backend.Set(ctx, "run:r1:latest", []byte("v"), time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen cache: %v", err)
	}
	t.Cleanup(func() {
		if err := reopened.Close(); err != nil {
			t.Fatalf("close reopened: %v", err)
		}
	})

	if _, found, err := reopened.Get(ctx, "run:r1:latest"); err != nil || !found {
		t.Fatalf("expected entry to survive reopen, found=%v err=%v", found, err)
	}
}

func openTempBackend(t *testing.T) *Backend {
	t.Helper()
	backend, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() {
		if err := backend.Close(); err != nil {
			t.Fatalf("close cache: %v", err)
		}
	})
	return backend
}
