package client

import (
	"time"

	"github.com/gookit/color"
	"github.com/tasukuchiba/chat_app/internal/models"
)

// DateLayout はメッセージ一覧の日時表示
const DateLayout = "Jan 02 2006, 3:04 PM"

var dateStyle = color.New(color.FgCyan)

// FormatDate は日時をローカル時刻で表示用に整形する
func FormatDate(t time.Time) string {
	return t.Local().Format(DateLayout)
}

// FormatLine は1件のメッセージを「日時  本文」の1行にする
func FormatLine(msg models.Message, colored bool) string {
	date := FormatDate(msg.Date)
	if colored {
		date = dateStyle.Render(date)
	}
	return date + "  " + msg.Text
}
