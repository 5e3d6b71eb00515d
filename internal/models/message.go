package models

import (
	"encoding/json"
	"math"
	"time"
)

// Record のフィールド名
const (
	FieldText = "text"
	FieldDate = "date"
)

// Message はチャットメッセージを表す構造体
type Message struct {
	ID   string
	Text string
	Date time.Time
}

// messageJSON はワイヤ上の形式（dateはエポック秒）
type messageJSON struct {
	ID   string  `json:"id"`
	Text string  `json:"text"`
	Date float64 `json:"date"`
}

// MarshalJSON は date をエポックからの秒数（小数）として出力する
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{ID: m.ID, Text: m.Text, Date: SecondsFromTime(m.Date)})
}

// UnmarshalJSON は MarshalJSON の逆変換
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.ID = raw.ID
	m.Text = raw.Text
	m.Date = TimeFromSeconds(raw.Date)
	return nil
}

// Record はストレージ上の子要素の値
type Record map[string]any

// NewRecord は text と date から保存用の Record を作成する
func NewRecord(text string, date time.Time) Record {
	return Record{
		FieldText: text,
		FieldDate: SecondsFromTime(date),
	}
}

// Clone は Record のシャローコピーを返す
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Snapshot は child-added イベント1件分のデータ
// Value が nil の場合はデコードできなかったレコードを表す
type Snapshot struct {
	Key   string
	Value Record
}

// MessageFromSnapshot は Snapshot を Message に変換する
// text が文字列でない、または date が数値でない場合は false を返す
func MessageFromSnapshot(snap Snapshot) (Message, bool) {
	if snap.Value == nil {
		return Message{}, false
	}
	text, ok := snap.Value[FieldText].(string)
	if !ok {
		return Message{}, false
	}
	seconds, ok := toSeconds(snap.Value[FieldDate])
	if !ok {
		return Message{}, false
	}
	return Message{
		ID:   snap.Key,
		Text: text,
		Date: TimeFromSeconds(seconds),
	}, true
}

func toSeconds(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return toSeconds(float64(n))
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return toSeconds(f)
	default:
		return 0, false
	}
}

// TimeFromSeconds はエポック秒（小数）を time.Time に変換する
func TimeFromSeconds(seconds float64) time.Time {
	whole, frac := math.Modf(seconds)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC()
}

// SecondsFromTime は time.Time をエポック秒（小数）に変換する
func SecondsFromTime(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}
