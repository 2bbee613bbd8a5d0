package valkey

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/reqshield/storage"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests are skipped if VALKEY_TEST_ADDR is not set and localhost:6379 is
// unreachable. Each test gets a unique prefix for isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: fmt.Sprintf("reqshieldtest:%s:", t.Name()),
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_SetGet(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	rec := &storage.Record{
		Count:         3,
		WindowResetAt: time.Now().Add(time.Minute).Truncate(time.Millisecond),
	}
	if err := store.Set(ctx, "ip:203.0.113.10", rec, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := store.Get(ctx, "ip:203.0.113.10")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() = nil, want record")
	}
	if got.Count != 3 {
		t.Errorf("Count = %d, want 3", got.Count)
	}
	if !got.WindowResetAt.Equal(rec.WindowResetAt) {
		t.Errorf("WindowResetAt = %v, want %v", got.WindowResetAt, rec.WindowResetAt)
	}
}

func TestStore_Get_Missing(t *testing.T) {
	store := testStore(t)

	got, err := store.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() for missing key = %+v, want nil", got)
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	rec := &storage.Record{Count: 1, WindowResetAt: time.Now()}
	if err := store.Set(ctx, "short", rec, 50*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	got, err := store.Get(ctx, "short")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() after TTL = %+v, want nil", got)
	}
}

func TestStore_Delete(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	rec := &storage.Record{Count: 1, WindowResetAt: time.Now()}
	if err := store.Set(ctx, "victim", rec, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := store.Delete(ctx, "victim"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got, _ := store.Get(ctx, "victim"); got != nil {
		t.Errorf("Get() after Delete = %+v, want nil", got)
	}

	if err := store.Delete(ctx, "absent"); err != nil {
		t.Errorf("Delete() for missing key error = %v", err)
	}
}

func TestStore_Update_Increments(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	incr := func(cur *storage.Record) (*storage.Record, time.Duration, error) {
		if cur == nil {
			cur = &storage.Record{WindowResetAt: time.Now().Add(time.Minute)}
		}
		cur.Count++
		return cur, time.Minute, nil
	}

	for i := 0; i < 5; i++ {
		if _, err := store.Update(ctx, "counter", incr); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}

	got, err := store.Get(ctx, "counter")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Count != 5 {
		t.Errorf("Count = %d, want 5", got.Count)
	}
}

func TestStore_Update_Concurrent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	const workers = 20

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "contended", func(cur *storage.Record) (*storage.Record, time.Duration, error) {
				if cur == nil {
					cur = &storage.Record{WindowResetAt: time.Now().Add(time.Minute)}
				}
				cur.Count++
				return cur, time.Minute, nil
			})
			if err != nil {
				t.Errorf("Update() error = %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "contended")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Count != workers {
		t.Errorf("Count = %d, want %d (no lost increments)", got.Count, workers)
	}
}

func TestStore_Update_NilNextDeletes(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	rec := &storage.Record{Count: 1, WindowResetAt: time.Now()}
	if err := store.Set(ctx, "victim", rec, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := store.Update(ctx, "victim", func(cur *storage.Record) (*storage.Record, time.Duration, error) {
		return nil, 0, nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got != nil {
		t.Errorf("Update() = %+v, want nil", got)
	}
	if rec, _ := store.Get(ctx, "victim"); rec != nil {
		t.Errorf("Get() after deleting Update = %+v, want nil", rec)
	}
}

func TestRecordJSON_BlockedUntil(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)

	rec := &storage.Record{
		Count:         2,
		WindowResetAt: now.Add(time.Minute),
		BlockedUntil:  now.Add(5 * time.Minute),
	}
	round := fromRecordJSON(toRecordJSON(rec))
	if !round.BlockedUntil.Equal(rec.BlockedUntil) {
		t.Errorf("BlockedUntil = %v, want %v", round.BlockedUntil, rec.BlockedUntil)
	}

	// A zero BlockedUntil must stay zero through the wire format
	rec.BlockedUntil = time.Time{}
	round = fromRecordJSON(toRecordJSON(rec))
	if !round.BlockedUntil.IsZero() {
		t.Errorf("BlockedUntil = %v, want zero", round.BlockedUntil)
	}
}

func TestNew_RequiresAddress(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without address error = nil, want error")
	}
}
