package client

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/tasukuchiba/chat_app/internal/handlers"
	"github.com/tasukuchiba/chat_app/internal/models"
	"github.com/tasukuchiba/chat_app/internal/storage"
	"github.com/tasukuchiba/chat_app/internal/stream"
	"github.com/tasukuchiba/chat_app/internal/timeline"
	"github.com/tasukuchiba/chat_app/internal/websocket"
)

type testServer struct {
	url      string
	storage  *storage.MemoryStorage
	store    *stream.Store
	timeline *timeline.Timeline
}

// startServer はメモリストレージで /messages と /ws を公開するテスト用サーバーを起動する
func startServer(t *testing.T) *testServer {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	st := storage.NewMemoryStorage()
	store := stream.NewStore(st, log, stream.DefaultPath, time.Second)
	subscriber := stream.NewSubscriber(st, log, stream.DefaultPath)
	tl := timeline.New(0)
	sub := subscriber.Subscribe(tl.Add)

	hub := websocket.NewHub(store, subscriber, log)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	h := handlers.NewMessageHandler(store, tl, log)
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", h.HandleMessages)
	mux.HandleFunc("/messages/", h.HandleMessageByID)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		websocket.ServeWs(hub, w, r)
	})
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		cancel()
		<-hub.Done()
		sub.Unsubscribe()
		store.Close(context.Background())
	})
	return &testServer{url: server.URL, storage: st, store: store, timeline: tl}
}

// execute はルートコマンドを引数付きで実行し、出力を返す
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRoot()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func waitForLen(t *testing.T, tl *timeline.Timeline, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for tl.Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("Timeout: timeline has %d of %d messages", tl.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSend_PrintsID(t *testing.T) {
	srv := startServer(t)

	out, err := execute(t, "send", "--server", srv.url, "--wait", "--date", "1488167921.29", "Hello World")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(out, "id: ") {
		t.Fatalf("expected id in output, got: %s", out)
	}

	waitForLen(t, srv.timeline, 1)
	msg := srv.timeline.Messages()[0]
	if id := strings.TrimSpace(strings.TrimPrefix(out, "id: ")); id != msg.ID {
		t.Errorf("expected id %s, got %s", msg.ID, id)
	}
	if msg.Text != "Hello World" {
		t.Errorf("expected text 'Hello World', got '%s'", msg.Text)
	}
	if msg.Date.Unix() != 1488167921 {
		t.Errorf("expected date 1488167921, got %d", msg.Date.Unix())
	}
}

func TestSend_UsesEnvServer(t *testing.T) {
	srv := startServer(t)
	t.Setenv("CHAT_SERVER_URL", srv.url+"/")

	if _, err := execute(t, "send", "from env"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	waitForLen(t, srv.timeline, 1)
}

func TestSend_RequiresText(t *testing.T) {
	if _, err := execute(t, "send", "--server", "http://127.0.0.1:1"); err == nil {
		t.Fatal("expected error without TEXT argument")
	}
}

func TestHistory_Table(t *testing.T) {
	srv := startServer(t)
	srv.store.Append("Hello World", stream.WithTimestamp(models.TimeFromSeconds(1488167921.29)))
	srv.store.Append("Dank Memes", stream.WithTimestamp(models.TimeFromSeconds(1420420420.42)))
	waitForLen(t, srv.timeline, 2)

	out, err := execute(t, "history", "--server", srv.url)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	hello := strings.Index(out, "Hello World")
	dank := strings.Index(out, "Dank Memes")
	if hello < 0 || dank < 0 || hello > dank {
		t.Errorf("expected both messages in append order, got:\n%s", out)
	}
	if !strings.Contains(out, FormatDate(models.TimeFromSeconds(1488167921.29))) {
		t.Errorf("expected formatted date in output, got:\n%s", out)
	}
}

func TestHistory_SinceIsQueryEscaped(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query().Get("since")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("[]"))
	}))
	defer server.Close()

	// 予約文字を含むIDもそのまま届く
	if _, err := execute(t, "history", "--server", server.URL, "--since", "a b&c=d"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != "a b&c=d" {
		t.Errorf("expected since 'a b&c=d', got '%s'", got)
	}
}

func TestWatch_HistoryThenLive(t *testing.T) {
	srv := startServer(t)
	srv.store.Append("Hello World", stream.WithTimestamp(models.TimeFromSeconds(1488167921.29)))
	srv.store.Flush(context.Background())

	done := make(chan struct{})
	var out string
	var err error
	go func() {
		defer close(done)
		out, err = execute(t, "watch", "--server", srv.url, "--limit", "2", "--no-color")
	}()

	time.Sleep(100 * time.Millisecond)
	srv.store.Append("Love me some pie")

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not finish")
	}
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), out)
	}
	want := FormatDate(models.TimeFromSeconds(1488167921.29)) + "  Hello World"
	if lines[0] != want {
		t.Errorf("expected %q, got %q", want, lines[0])
	}
	if !strings.HasSuffix(lines[1], "  Love me some pie") {
		t.Errorf("expected live message, got %q", lines[1])
	}
}

func TestWatch_StreamFailure(t *testing.T) {
	srv := startServer(t)

	done := make(chan error, 1)
	go func() {
		_, err := execute(t, "watch", "--server", srv.url, "--no-color")
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	srv.storage.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStreamFailed) {
			t.Errorf("expected ErrStreamFailed, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestFormatLine(t *testing.T) {
	date := time.Date(2017, time.February, 27, 3, 58, 41, 0, time.Local)
	msg := models.Message{Text: "Hello World", Date: date}

	if got := FormatLine(msg, false); got != "Feb 27 2017, 3:58 AM  Hello World" {
		t.Errorf("unexpected line %q", got)
	}
	if colored := FormatLine(msg, true); !strings.Contains(colored, "Hello World") {
		t.Errorf("colored line lost the text: %q", colored)
	}
}

func TestWsURL(t *testing.T) {
	tests := map[string]string{
		"http://127.0.0.1:8080": "ws://127.0.0.1:8080/ws",
		"https://chat.example":  "wss://chat.example/ws",
	}
	for in, want := range tests {
		if got := wsURL(in); got != want {
			t.Errorf("wsURL(%q) = %q, want %q", in, got, want)
		}
	}
}
