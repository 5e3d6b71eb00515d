package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/samber/lo"
	"github.com/tasukuchiba/chat_app/internal/models"
	"github.com/tasukuchiba/chat_app/internal/stream"
)

// MessageAppender はメッセージの追加先
type MessageAppender interface {
	Append(text string, opts ...stream.AppendOption) string
	AppendSync(ctx context.Context, text string, opts ...stream.AppendOption) (string, error)
}

// MessageReader は購読済みのメッセージの参照先
type MessageReader interface {
	Messages() []models.Message
	Since(id string) []models.Message
	Get(id string) (models.Message, bool)
}

// MessageHandler はメッセージ関連のHTTPリクエストを処理する
type MessageHandler struct {
	store    MessageAppender
	timeline MessageReader
	log      *slog.Logger
}

// NewMessageHandler は新しいMessageHandlerを作成する
func NewMessageHandler(store MessageAppender, timeline MessageReader, log *slog.Logger) *MessageHandler {
	return &MessageHandler{store: store, timeline: timeline, log: log}
}

// CreateMessageRequest はメッセージ作成リクエストのボディ
// Date は秒単位のUNIX時刻。省略時はサーバーの現在時刻
type CreateMessageRequest struct {
	Text *string  `json:"text"`
	Date *float64 `json:"date,omitempty"`
}

// CreateMessageResponse はメッセージ作成レスポンスのボディ
type CreateMessageResponse struct {
	ID string `json:"id"`
}

// HandleMessages は /messages エンドポイントのハンドラー
func (h *MessageHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.getMessages(w, r)
	case http.MethodPost:
		h.createMessage(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleMessageByID は /messages/{id} エンドポイントのハンドラー
// メッセージは追記のみなので GET 以外は受け付けない
func (h *MessageHandler) HandleMessageByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/messages/")
	if id == "" {
		http.Error(w, "Message ID is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getMessageByID(w, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// getMessages は受信順にメッセージを返す。since を指定するとそのIDより後だけを返す
func (h *MessageHandler) getMessages(w http.ResponseWriter, r *http.Request) {
	var messages []models.Message
	if since := r.URL.Query().Get("since"); since != "" {
		messages = h.timeline.Since(since)
	} else {
		messages = h.timeline.Messages()
	}

	writeJSON(w, http.StatusOK, lo.Ternary(messages == nil, []models.Message{}, messages))
}

// getMessageByID は指定されたIDのメッセージを取得する
func (h *MessageHandler) getMessageByID(w http.ResponseWriter, id string) {
	msg, ok := h.timeline.Get(id)
	if !ok {
		http.Error(w, "Message not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// createMessage はメッセージを追加する
// 既定では書き込みを待たずに 202 を返し、wait=true なら書き込みの完了を待つ
func (h *MessageHandler) createMessage(w http.ResponseWriter, r *http.Request) {
	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Text == nil {
		http.Error(w, "Text is required", http.StatusBadRequest)
		return
	}

	var opts []stream.AppendOption
	if req.Date != nil {
		opts = append(opts, stream.WithTimestamp(models.TimeFromSeconds(*req.Date)))
	}

	if r.URL.Query().Get("wait") != "true" {
		id := h.store.Append(*req.Text, opts...)
		writeJSON(w, http.StatusAccepted, CreateMessageResponse{ID: id})
		return
	}

	id, err := h.store.AppendSync(r.Context(), *req.Text, opts...)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, CreateMessageResponse{ID: id})
	case errors.Is(err, stream.ErrStoreClosed):
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.log.Debug("Client gave up waiting for write", "id", id, "error", err)
		http.Error(w, "Request canceled", http.StatusGatewayTimeout)
	default:
		h.log.Warn("Write failed", "id", id, "error", err)
		http.Error(w, "Write failed", http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
