package cmd

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/neomagi/neomagi/internal/config"
)

func chatCmd() *cobra.Command {
	var (
		message   string
		sessionID string
		provider  string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent through the running gateway",
		Long: `Chat with the agent via the running gateway (WebSocket client).

Examples:
  neomagi chat                        # Interactive REPL on the main session
  neomagi chat -m "What time is it?"  # One-shot message
  neomagi chat -s scratch             # Continue a named session
  neomagi chat --provider groq        # Route to a specific provider`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(message, sessionID, provider)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "main", "session id")
	cmd.Flags().StringVar(&provider, "provider", "", "provider name (default: gateway's default)")

	return cmd
}

func runChat(message, sessionID, provider string) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	host := cfg.Gateway.Host
	if host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	addr := fmt.Sprintf("%s:%d", host, cfg.Gateway.Port)

	if !isGatewayRunning(addr) {
		fmt.Fprintf(os.Stderr, "Gateway is not running at %s.\nStart it with 'neomagi gateway' first.\n", addr)
		os.Exit(1)
	}

	runChatClient(cfg, addr, message, sessionID, provider)
}

func isGatewayRunning(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
