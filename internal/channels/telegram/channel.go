// Package telegram is the Telegram DM adapter: telego long polling in,
// dispatcher out. A "Thinking..." placeholder goes up immediately and
// is edited into the final reply when the run completes.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mymmrac/telego"

	"github.com/neomagi/neomagi/internal/channels"
	"github.com/neomagi/neomagi/internal/config"
	"github.com/neomagi/neomagi/internal/dispatch"
	"github.com/neomagi/neomagi/internal/sessions"
)

// stopPollTimeout bounds the wait for the polling goroutine on Stop.
// Telegram holds a getUpdates lock per bot token; exiting cleanly
// releases it before a replacement instance starts.
const stopPollTimeout = 10 * time.Second

// Channel connects to the Telegram Bot API with long polling and serves
// direct messages only. Group chats are ignored.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	cfg        config.TelegramConfig
	dispatcher *dispatch.Dispatcher
	dmScope    sessions.DMScopePolicy
	mediaDir   string

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New builds the adapter. mediaDir receives sanitized photo downloads
// and is created on first use.
func New(cfg config.TelegramConfig, dmScope sessions.DMScopePolicy, dsp *dispatch.Dispatcher, mediaDir string) (*Channel, error) {
	var opts []telego.BotOption

	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", cfg.AllowFrom),
		bot:         bot,
		cfg:         cfg,
		dispatcher:  dsp,
		dmScope:     dmScope,
		mediaDir:    mediaDir,
	}, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram adapter (long polling)")

	if !c.HasAllowList() {
		slog.Warn("telegram allow_from is empty, every sender will be rejected")
	}

	// Stop() cancels this context to shut down long polling cleanly.
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram adapter connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the receive goroutine so the
// getUpdates lock is released before returning.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram adapter")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram adapter stopped")
		case <-time.After(stopPollTimeout):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}
