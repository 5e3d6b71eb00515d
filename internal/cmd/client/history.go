package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/tasukuchiba/chat_app/internal/models"
)

// newHistoryCommand は `history` サブコマンドを作成する
func newHistoryCommand(baseURL BaseURLFunc) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List messages known to the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			since, _ := cmd.Flags().GetString("since")

			endpoint := baseURL() + "/messages"
			if since != "" {
				endpoint += "?" + url.Values{"since": {since}}.Encode()
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, endpoint, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("history failed: %s", resp.Status)
			}

			var messages []models.Message
			if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
				return fmt.Errorf("invalid response: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(messages)
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"ID", "Date", "Text"})
			table.SetAutoWrapText(false)
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetBorder(false)
			table.AppendBulk(lo.Map(messages, func(m models.Message, _ int) []string {
				return []string{m.ID, FormatDate(m.Date), m.Text}
			}))
			table.Render()
			return nil
		},
	}
	historyCmd.Flags().Bool("json", false, "Print raw JSON")
	historyCmd.Flags().String("since", "", "Only messages after this ID")
	return historyCmd
}
