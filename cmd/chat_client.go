package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mattn/go-runewidth"

	"github.com/neomagi/neomagi/internal/config"
	"github.com/neomagi/neomagi/pkg/protocol"
)

const toolArgPreviewWidth = 60

func runChatClient(cfg *config.Config, addr, message, sessionID, provider string) {
	wsURL := fmt.Sprintf("ws://%s/ws", addr)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WebSocket connect failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := wsConnect(conn, cfg.Gateway.Token); err != nil {
		fmt.Fprintf(os.Stderr, "Gateway auth failed: %v\n", err)
		os.Exit(1)
	}

	if message != "" {
		// One-shot: chunks stream to stdout as they arrive.
		if err := wsChatSend(conn, sessionID, provider, message); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println()
		return
	}

	fmt.Fprintf(os.Stderr, "\nNeoMAGI chat (session: %s)\n", sessionID)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, \"/new\" for a fresh session, \"/history\" to replay\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return
		}
		if input == "/new" {
			sessionID = "cli-" + uuid.NewString()[:8]
			fmt.Fprintf(os.Stderr, "New session: %s\n\n", sessionID)
			continue
		}
		if input == "/history" {
			if err := wsChatHistory(conn, sessionID); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			}
			continue
		}

		if err := wsChatSend(conn, sessionID, provider, input); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			continue
		}
		fmt.Print("\n\n")
	}
}

// wsConnect sends the connect RPC and waits for the auth response.
func wsConnect(conn *websocket.Conn, token string) error {
	params, _ := json.Marshal(protocol.ConnectParams{Token: token})
	req := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     "connect-1",
		Method: protocol.MethodConnect,
		Params: params,
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	var resp protocol.ResponseFrame
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read connect response: %w", err)
	}
	if !resp.OK {
		if resp.Error != nil {
			return fmt.Errorf("connect rejected: %s", resp.Error.Message)
		}
		return fmt.Errorf("connect rejected")
	}
	return nil
}

// wsChatSend sends one chat.send and consumes frames until the done
// chunk or a terminal error. Content chunks stream straight to stdout;
// tool activity goes to stderr.
func wsChatSend(conn *websocket.Conn, sessionID, provider, message string) error {
	reqID := uuid.NewString()[:8]
	params, _ := json.Marshal(protocol.ChatSendParams{
		Content:   message,
		SessionID: sessionID,
		Provider:  provider,
	})
	req := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     reqID,
		Method: protocol.MethodChatSend,
		Params: params,
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send chat: %w", err)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		frameType, _ := protocol.ParseFrameType(raw)
		switch frameType {
		case protocol.FrameTypeStreamChunk:
			var chunk protocol.StreamChunkFrame
			if json.Unmarshal(raw, &chunk) != nil || chunk.ID != reqID {
				continue
			}
			fmt.Print(chunk.Data.Content)
			if chunk.Data.Done {
				return nil
			}

		case protocol.FrameTypeToolCall:
			var tc protocol.ToolCallFrame
			if json.Unmarshal(raw, &tc) != nil || tc.ID != reqID {
				continue
			}
			fmt.Fprintf(os.Stderr, "  [tool] %s(%s)\n",
				tc.Data.ToolName, runewidth.Truncate(tc.Data.Arguments, toolArgPreviewWidth, "…"))

		case protocol.FrameTypeToolDenied:
			var td protocol.ToolDeniedFrame
			if json.Unmarshal(raw, &td) != nil || td.ID != reqID {
				continue
			}
			fmt.Fprintf(os.Stderr, "  [tool denied] %s: %s\n", td.Data.ToolName, td.Data.Message)
			if td.Data.NextAction != "" {
				fmt.Fprintf(os.Stderr, "  hint: %s\n", td.Data.NextAction)
			}

		case protocol.FrameTypeError:
			var ef protocol.ErrorFrame
			if json.Unmarshal(raw, &ef) != nil || ef.ID != reqID {
				continue
			}
			return fmt.Errorf("%s: %s", ef.Error.Code, ef.Error.Message)
		}
	}
}

// wsChatHistory replays the session transcript.
func wsChatHistory(conn *websocket.Conn, sessionID string) error {
	reqID := uuid.NewString()[:8]
	params, _ := json.Marshal(protocol.ChatHistoryParams{SessionID: sessionID})
	req := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     reqID,
		Method: protocol.MethodChatHistory,
		Params: params,
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send history: %w", err)
	}

	for {
		var resp protocol.ResponseFrame
		if err := conn.ReadJSON(&resp); err != nil {
			return fmt.Errorf("read history: %w", err)
		}
		if resp.Type != protocol.FrameTypeResponse || resp.ID != reqID {
			continue
		}
		if !resp.OK {
			if resp.Error != nil {
				return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return fmt.Errorf("history failed")
		}

		payload, ok := resp.Payload.(map[string]interface{})
		if !ok {
			return nil
		}
		msgs, _ := payload["messages"].([]interface{})
		if len(msgs) == 0 {
			fmt.Fprintln(os.Stderr, "(empty session)")
			return nil
		}
		for _, m := range msgs {
			entry, ok := m.(map[string]interface{})
			if !ok {
				continue
			}
			role, _ := entry["role"].(string)
			content, _ := entry["content"].(string)
			if content == "" {
				continue
			}
			fmt.Printf("[%s] %s\n", role, content)
		}
		return nil
	}
}
