package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tasukuchiba/chat_app/internal/models"
)

// observe は ObserveChildAdded を別goroutineで動かし、通知をチャネルで返す
func observe(t *testing.T, st Storage, path string) (<-chan models.Snapshot, <-chan error, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	snaps := make(chan models.Snapshot, 1024)
	errc := make(chan error, 1)
	connected := make(chan struct{})
	go func() {
		errc <- st.ObserveChildAdded(ctx, path, Listener{
			OnConnected:  func() { close(connected) },
			OnChildAdded: func(s models.Snapshot) { snaps <- s },
		})
	}()
	select {
	case <-connected:
	case err := <-errc:
		cancel()
		t.Fatalf("observer failed before connecting: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("Timeout waiting for observer to connect")
	}
	return snaps, errc, cancel
}

// receive は n 件の通知を待つ
func receive(t *testing.T, snaps <-chan models.Snapshot, n int) []models.Snapshot {
	t.Helper()
	var got []models.Snapshot
	for len(got) < n {
		select {
		case s := <-snaps:
			got = append(got, s)
		case <-time.After(5 * time.Second):
			t.Fatalf("Timeout: received %d of %d snapshots", len(got), n)
		}
	}
	return got
}

// expectNothing は一定時間、余計な通知が来ないことを確認する
func expectNothing(t *testing.T, snaps <-chan models.Snapshot) {
	t.Helper()
	select {
	case s := <-snaps:
		t.Errorf("unexpected snapshot %q", s.Key)
	case <-time.After(100 * time.Millisecond):
	}
}

// testStorageConformance は全てのStorage実装が満たすべき振る舞いを確認する
func testStorageConformance(t *testing.T, st Storage) {
	ctx := context.Background()

	t.Run("history then live in append order", func(t *testing.T) {
		path := "messages-" + uuid.NewString()
		for i := 0; i < 3; i++ {
			if err := st.AppendChild(ctx, path, fmt.Sprintf("k%d", i), models.Record{"text": fmt.Sprintf("m%d", i), "date": float64(i)}); err != nil {
				t.Fatalf("AppendChild failed: %v", err)
			}
		}

		snaps, _, cancel := observe(t, st, path)
		defer cancel()

		for i := 3; i < 5; i++ {
			if err := st.AppendChild(ctx, path, fmt.Sprintf("k%d", i), models.Record{"text": fmt.Sprintf("m%d", i), "date": float64(i)}); err != nil {
				t.Fatalf("AppendChild failed: %v", err)
			}
		}

		got := receive(t, snaps, 5)
		for i, s := range got {
			if s.Key != fmt.Sprintf("k%d", i) {
				t.Errorf("position %d: expected key 'k%d', got '%s'", i, i, s.Key)
			}
			if s.Value["text"] != fmt.Sprintf("m%d", i) {
				t.Errorf("position %d: expected text 'm%d', got '%v'", i, i, s.Value["text"])
			}
		}
		expectNothing(t, snaps)
	})

	t.Run("duplicate key", func(t *testing.T) {
		path := "messages-" + uuid.NewString()
		if err := st.AppendChild(ctx, path, "dup", models.Record{"text": "a", "date": 1.0}); err != nil {
			t.Fatalf("AppendChild failed: %v", err)
		}
		if err := st.AppendChild(ctx, path, "dup", models.Record{"text": "b", "date": 2.0}); err != ErrDuplicateKey {
			t.Errorf("expected ErrDuplicateKey, got %v", err)
		}
	})

	t.Run("paths are isolated", func(t *testing.T) {
		a := "messages-" + uuid.NewString()
		b := a + ":other"
		if err := st.AppendChild(ctx, b, "x", models.Record{"text": "other", "date": 1.0}); err != nil {
			t.Fatalf("AppendChild failed: %v", err)
		}

		snaps, _, cancel := observe(t, st, a)
		defer cancel()
		expectNothing(t, snaps)
	})

	t.Run("cancel returns nil", func(t *testing.T) {
		_, errc, cancel := observe(t, st, "messages-"+uuid.NewString())
		cancel()
		select {
		case err := <-errc:
			if err != nil {
				t.Errorf("expected nil after cancel, got %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("Timeout waiting for observer to stop")
		}
	})
}
