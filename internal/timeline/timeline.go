package timeline

import (
	"sync"

	"github.com/samber/lo"
	"github.com/tasukuchiba/chat_app/internal/models"
)

// Timeline は購読で受け取ったメッセージを受信順に保持する
type Timeline struct {
	mu       sync.RWMutex
	limit    int
	messages []models.Message
	index    map[string]models.Message
}

// New は新しいTimelineを作成する
// limit が0以下なら件数の上限なし。上限を超えると古いものから捨てる
func New(limit int) *Timeline {
	return &Timeline{
		limit: limit,
		index: make(map[string]models.Message),
	}
}

// Add はメッセージを末尾に追加する。Subscribe のハンドラとして使う
func (t *Timeline) Add(msg models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.index[msg.ID]; ok {
		return
	}
	t.messages = append(t.messages, msg)
	t.index[msg.ID] = msg

	if t.limit > 0 && len(t.messages) > t.limit {
		dropped := len(t.messages) - t.limit
		for _, m := range t.messages[:dropped] {
			delete(t.index, m.ID)
		}
		t.messages = append([]models.Message(nil), t.messages[dropped:]...)
	}
}

// Messages は保持している全メッセージのコピーを返す
func (t *Timeline) Messages() []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return append([]models.Message{}, t.messages...)
}

// Since は指定したIDより後のメッセージを返す。IDが見つからなければ全件
func (t *Timeline) Since(id string) []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, pos, found := lo.FindIndexOf(t.messages, func(m models.Message) bool {
		return m.ID == id
	})
	if !found {
		return append([]models.Message{}, t.messages...)
	}
	return append([]models.Message{}, t.messages[pos+1:]...)
}

// Get はIDでメッセージを取得する
func (t *Timeline) Get(id string) (models.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	msg, ok := t.index[id]
	return msg, ok
}

// Len は件数を返す
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.messages)
}

// Texts は本文だけを受信順に返す
func (t *Timeline) Texts() []string {
	return lo.Map(t.Messages(), func(m models.Message, _ int) string {
		return m.Text
	})
}
