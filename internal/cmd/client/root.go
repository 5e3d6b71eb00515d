// Package client は chatctl のCobraコマンドを提供する
package client

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// DefaultServerURL は --server も CHAT_SERVER_URL も無い時の接続先
const DefaultServerURL = "http://127.0.0.1:8080"

// BaseURLFunc はサーバーのベースURLを返す
type BaseURLFunc func() string

// NewRoot は chatctl のルートコマンドを作成する
func NewRoot() *cobra.Command {
	var server string
	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Chat message log client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&server, "server", serverFromEnv(), "Server base URL (env CHAT_SERVER_URL)")

	baseURL := func() string {
		return strings.TrimRight(server, "/")
	}
	root.AddCommand(
		newSendCommand(baseURL),
		newWatchCommand(baseURL),
		newHistoryCommand(baseURL),
	)
	return root
}

func serverFromEnv() string {
	if v := os.Getenv("CHAT_SERVER_URL"); v != "" {
		return v
	}
	return DefaultServerURL
}
