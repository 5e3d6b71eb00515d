package storage

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"github.com/tasukuchiba/chat_app/internal/models"
)

func newTestBadger(t *testing.T) (*BadgerStorage, *badger.DB) {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	st := NewBadgerStorage(db, logs.GetLoggerFromLevel(slog.LevelDebug), 50*time.Millisecond)
	t.Cleanup(func() {
		_ = st.Close()
		_ = db.Close()
	})
	return st, db
}

func TestBadgerStorage_Conformance(t *testing.T) {
	st, _ := newTestBadger(t)
	testStorageConformance(t, st)
}

func TestBadgerStorage_ManyChildrenSpanScanBatches(t *testing.T) {
	req := require.New(t)
	st, _ := newTestBadger(t)
	ctx := context.Background()

	// 1回のスキャンで読む件数より多い子要素
	total := scanBatchSize*2 + 7
	for i := 0; i < total; i++ {
		req.NoError(st.AppendChild(ctx, "messages", childName(i), models.Record{"text": "x", "date": float64(i)}))
	}

	// 監視を開始する
	snaps, _, cancel := observe(t, st, "messages")
	defer cancel()

	// すべての子要素が順番通りに一度ずつ届く
	got := receive(t, snaps, total)
	for i, s := range got {
		req.Equal(childName(i), s.Key)
	}
	expectNothing(t, snaps)
}

func TestBadgerStorage_CorruptValueIsDeliveredAsNil(t *testing.T) {
	req := require.New(t)
	st, db := newTestBadger(t)
	ctx := context.Background()

	req.NoError(st.AppendChild(ctx, "messages", "ok-1", models.Record{"text": "a", "date": 1.0}))

	// 正しい2件の間に、形式が壊れた子要素を置く
	req.NoError(db.Update(func(txn *badger.Txn) error {
		return txn.Set(childKey("messages", 1_000_000), []byte{0xff, 0xff, 0xff})
	}))
	req.NoError(db.Update(func(txn *badger.Txn) error {
		payload, err := encodeEnvelope("ok-2", models.Record{"text": "b", "date": 2.0})
		if err != nil {
			return err
		}
		return txn.Set(childKey("messages", 1_000_001), payload)
	}))

	snaps, _, cancel := observe(t, st, "messages")
	defer cancel()

	// 壊れた子要素は位置を保ったまま値が nil で届く
	got := receive(t, snaps, 3)
	req.Equal("ok-1", got[0].Key)
	req.Nil(got[1].Value)
	req.Equal("ok-2", got[2].Key)
}

func TestBadgerStorage_Close(t *testing.T) {
	req := require.New(t)
	st, _ := newTestBadger(t)

	_, errc, cancel := observe(t, st, "messages")
	defer cancel()

	req.NoError(st.Close())
	req.ErrorIs(st.AppendChild(context.Background(), "messages", "late", models.Record{}), ErrClosed)

	select {
	case err := <-errc:
		req.ErrorIs(err, ErrClosed)
	case <-time.After(2 * time.Second):
		req.Fail("observer did not stop after Close")
	}
}

func TestBadgerStorage_EnvelopeRoundTrip(t *testing.T) {
	req := require.New(t)
	payload, err := encodeEnvelope("k", models.Record{"text": "Hello World", "date": 1488167921.29})
	req.NoError(err)

	snap := decodeEnvelope(payload, slog.Default())
	req.Equal("k", snap.Key)
	msg, ok := models.MessageFromSnapshot(snap)
	req.True(ok)
	req.Equal("Hello World", msg.Text)
	req.InDelta(1488167921.29, models.SecondsFromTime(msg.Date), 1e-6)
}

func childName(i int) string {
	return "child-" + time.Unix(int64(i), 0).UTC().Format("20060102150405")
}

// TestBadgerStorage_ImplementsStorage はBadgerStorageがStorageインターフェースを実装していることを確認する
func TestBadgerStorage_ImplementsStorage(t *testing.T) {
	var _ Storage = (*BadgerStorage)(nil)
}
