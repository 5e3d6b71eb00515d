package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gookit/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/tasukuchiba/chat_app/internal/models"
	ws "github.com/tasukuchiba/chat_app/internal/websocket"
)

// ErrStreamFailed はサーバー側で購読が切れた時に返る
var ErrStreamFailed = errors.New("stream failed")

// newWatchCommand は `watch` サブコマンドを作成する
// 既存のメッセージを古い順に表示し、その後は追加されるたびに表示する
func newWatchCommand(baseURL BaseURLFunc) *cobra.Command {
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the message log and follow new messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			noColor, _ := cmd.Flags().GetBool("no-color")

			conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), wsURL(baseURL()), nil)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer conn.Close()

			// Ctrl-C で読み込みを止める
			stop := make(chan struct{})
			defer close(stop)
			go func() {
				select {
				case <-cmd.Context().Done():
					conn.Close()
				case <-stop:
				}
			}()

			colored := !noColor && color.SupportColor()
			received := 0
			for limit <= 0 || received < limit {
				var frame ws.OutgoingMessage
				if err := conn.ReadJSON(&frame); err != nil {
					if cmd.Context().Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
						return nil
					}
					return err
				}

				switch frame.Type {
				case ws.TypeMessage:
					msg := models.Message{ID: frame.ID, Text: frame.Text, Date: models.TimeFromSeconds(frame.Date)}
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), FormatLine(msg, colored))
					received++
				case ws.TypeError:
					return fmt.Errorf("%w: %s", ErrStreamFailed, frame.Error)
				}
			}
			return nil
		},
	}
	watchCmd.Flags().Int("limit", 0, "Stop after N messages (0 = follow forever)")
	watchCmd.Flags().Bool("no-color", false, "Disable colored output")
	return watchCmd
}

// wsURL は http(s) のベースURLを ws(s) の購読URLにする
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}
