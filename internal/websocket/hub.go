package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/samber/lo"
	"github.com/tasukuchiba/chat_app/internal/models"
	"github.com/tasukuchiba/chat_app/internal/stream"
)

// フレームの種類
const (
	TypeMessage = "message"
	TypeError   = "error"
)

// MessageAppender はクライアントから受け取ったメッセージの追加先
type MessageAppender interface {
	Append(text string, opts ...stream.AppendOption) string
}

// MessageSource はクライアントごとの購読元
type MessageSource interface {
	Subscribe(onMessage func(models.Message), opts ...stream.SubscribeOption) *stream.Subscription
}

// Hub は全WebSocketクライアントの接続を管理する
type Hub struct {
	// 接続中のクライアント
	clients map[*Client]bool

	// クライアント登録用チャネル
	register chan *Client

	// クライアント登録解除用チャネル
	unregister chan *Client

	store  MessageAppender
	source MessageSource
	log    *slog.Logger

	count atomic.Int64
	done  chan struct{}
}

// IncomingMessage はクライアントから受信するメッセージの形式
type IncomingMessage struct {
	Type string   `json:"type"`
	Text string   `json:"text"`
	Date *float64 `json:"date,omitempty"`
}

// MessageFrame はメッセージ1件を送るフレーム。text と date は常に含める
type MessageFrame struct {
	Type string  `json:"type"`
	ID   string  `json:"id"`
	Text string  `json:"text"`
	Date float64 `json:"date"`
}

// ErrorFrame は購読が通信エラーで終わったことを知らせるフレーム
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// OutgoingMessage はクライアント側で受信フレームを読むための形式
// MessageFrame と ErrorFrame のどちらも読める
type OutgoingMessage struct {
	Type  string  `json:"type"`
	ID    string  `json:"id,omitempty"`
	Text  string  `json:"text"`
	Date  float64 `json:"date"`
	Error string  `json:"error,omitempty"`
}

func messageFrame(msg models.Message) []byte {
	data, _ := json.Marshal(MessageFrame{
		Type: TypeMessage,
		ID:   msg.ID,
		Text: msg.Text,
		Date: models.SecondsFromTime(msg.Date),
	})
	return data
}

func errorFrame(err error) []byte {
	data, _ := json.Marshal(ErrorFrame{Type: TypeError, Error: err.Error()})
	return data
}

// NewHub は新しいHubを作成する
func NewHub(store MessageAppender, source MessageSource, log *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		store:      store,
		source:     source,
		log:        log,
		done:       make(chan struct{}),
	}
}

// Run はHubのメインループを開始する。ctx がキャンセルされると全クライアントを切断して戻る
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int64(len(h.clients)))
			client.sub = h.source.Subscribe(client.deliver, stream.WithErrorHandler(client.fail))
			h.log.Info("Client registered", "remote", client.remote, "total", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.remove(client)
				h.log.Info("Client unregistered", "remote", client.remote, "total", len(h.clients))
			}

		case <-ctx.Done():
			for _, client := range lo.Keys(h.clients) {
				h.remove(client)
			}
			h.log.Info("Hub stopped")
			return
		}
	}
}

// remove は購読を止めてから送信チャネルを閉じる
// 送信待ちのハンドラは購読のロックを持っているので、先に release で解放する。
// Unsubscribe が戻った後はハンドラが send に書き込むことはない
func (h *Hub) remove(client *Client) {
	delete(h.clients, client)
	h.count.Store(int64(len(h.clients)))
	client.release()
	if client.sub != nil {
		client.sub.Unsubscribe()
	}
	close(client.send)
}

// Done はRunが終了するとクローズされる
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// ClientCount は接続中のクライアント数を返す
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}
