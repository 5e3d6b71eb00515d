package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tasukuchiba/chat_app/internal/models"
	"github.com/tasukuchiba/chat_app/internal/stream"
)

const (
	// 書き込み待機時間
	writeWait = 10 * time.Second

	// pongメッセージの待機時間
	pongWait = 60 * time.Second

	// ping送信間隔（pongWaitより短くする必要がある）
	pingPeriod = (pongWait * 9) / 10

	// 最大メッセージサイズ
	maxMessageSize = 4096

	// 送信バッファ。満杯の間は購読側が待たされる
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 開発環境用: 全てのオリジンを許可
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client は単一のWebSocket接続を表す
type Client struct {
	hub *Hub

	// WebSocket接続
	conn *websocket.Conn

	// 送信用バッファチャネル。nil は送信後に切断する合図
	send chan []byte

	// この接続専用の購読
	sub *stream.Subscription

	// stop は登録解除時にクローズされ、送信待ちのハンドラを解放する
	stop     chan struct{}
	stopOnce sync.Once

	remote string
}

// NewClient は新しいClientを作成する
func NewClient(hub *Hub, conn *websocket.Conn, remote string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		stop:   make(chan struct{}),
		remote: remote,
	}
}

// deliver は購読のハンドラ。送信バッファが空くまで待つので履歴の再生でも取りこぼさない
// 書き込みが詰まった接続は WritePump が書き込み期限で切断し、登録解除で stop が閉じられる
func (c *Client) deliver(msg models.Message) {
	c.enqueue(messageFrame(msg))
}

// fail は購読が通信エラーで終わった時に呼ばれる。エラーを送ってから切断する
func (c *Client) fail(err error) {
	if c.enqueue(errorFrame(err)) {
		c.enqueue(nil)
	}
}

// enqueue は frame を送信バッファに積む。登録解除済みなら false を返す
func (c *Client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.stop:
		return false
	}
}

// release は送信待ちのハンドラを解放する。Unsubscribe より先に呼ぶ
func (c *Client) release() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// ReadPump はWebSocket接続からメッセージを読み取る
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("WebSocket error", "remote", c.remote, "error", err)
			}
			break
		}

		// 受信メッセージをパース
		var inMsg IncomingMessage
		if err := json.Unmarshal(message, &inMsg); err != nil {
			c.hub.log.Debug("Failed to parse message", "remote", c.remote, "error", err)
			continue
		}

		// メッセージタイプが"message"の場合のみ処理
		if inMsg.Type == TypeMessage {
			var opts []stream.AppendOption
			if inMsg.Date != nil {
				opts = append(opts, stream.WithTimestamp(models.TimeFromSeconds(*inMsg.Date)))
			}
			id := c.hub.store.Append(inMsg.Text, opts...)
			c.hub.log.Debug("Message received", "remote", c.remote, "id", id)
		}
	}
}

// WritePump はWebSocket接続にメッセージを書き込む
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok || message == nil {
				// Hubがチャネルをクローズした、または購読が終わった
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.log.Warn("Client dropped", "remote", c.remote, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs はWebSocket接続をアップグレードしてクライアントを登録する
// 登録されたクライアントには既存のメッセージが古い順に届き、その後は追加分が届く
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	select {
	case <-hub.done:
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("WebSocket upgrade error", "error", err)
		return
	}

	client := NewClient(hub, conn, r.RemoteAddr)
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	// goroutineで読み書きを並行実行
	go client.WritePump()
	go client.ReadPump()
}
