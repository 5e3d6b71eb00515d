package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tasukuchiba/chat_app/internal/handlers"
)

// newSendCommand は `send` サブコマンドを作成する
func newSendCommand(baseURL BaseURLFunc) *cobra.Command {
	sendCmd := &cobra.Command{
		Use:   "send TEXT",
		Short: "Append a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wait, _ := cmd.Flags().GetBool("wait")

			text := args[0]
			body := handlers.CreateMessageRequest{Text: &text}
			if cmd.Flags().Changed("date") {
				date, _ := cmd.Flags().GetFloat64("date")
				body.Date = &date
			}
			b, _ := json.Marshal(body)

			url := baseURL() + "/messages"
			if wait {
				url += "?wait=true"
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(b))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusCreated {
				msg, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("send failed: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
			}

			var out handlers.CreateMessageResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return fmt.Errorf("invalid response: %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "id:", out.ID)
			return nil
		},
	}
	sendCmd.Flags().Float64("date", 0, "Message date in seconds since epoch (default now)")
	sendCmd.Flags().Bool("wait", false, "Wait until the write is acknowledged")
	return sendCmd
}
