package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/obdbot/internal/app"
	"github.com/kalambet/obdbot/internal/diagnose"
)

const (
	parseMode        = "Markdown"
	defaultPollWait  = 30 * time.Second
	handleConcurrent = 8
	failureReply     = "Sorry, something went wrong while answering. Please try again."
)

// AppSource hands out the initialized App. *app.Gate implements it.
type AppSource interface {
	Wait(ctx context.Context) (*app.App, error)
}

// API is the subset of the Bot API the bot needs. *Client implements it.
type API interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text, parseMode string) error
}

// Bot long-polls for messages and answers each one.
type Bot struct {
	api      API
	src      AppSource
	pollWait time.Duration
	offset   int64
	newRetry func() backoff.BackOff
}

// BotOption configures a Bot.
type BotOption func(*Bot)

// WithPollWait sets the long-poll wait passed to getUpdates.
func WithPollWait(d time.Duration) BotOption {
	return func(b *Bot) { b.pollWait = d }
}

// WithRetry sets the backoff used between failed polls.
func WithRetry(fn func() backoff.BackOff) BotOption {
	return func(b *Bot) { b.newRetry = fn }
}

// NewBot creates a Bot answering from src.
func NewBot(api API, src AppSource, opts ...BotOption) *Bot {
	b := &Bot{
		api:      api,
		src:      src,
		pollWait: defaultPollWait,
		newRetry: func() backoff.BackOff {
			exp := backoff.NewExponentialBackOff()
			exp.InitialInterval = time.Second
			exp.MaxInterval = time.Minute
			exp.MaxElapsedTime = 0
			return exp
		},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Run polls until ctx ends. Messages that arrive before initialization
// finishes wait for it. Poll failures are retried with exponential backoff;
// Run only returns ctx's error.
func (b *Bot) Run(ctx context.Context) error {
	retry := b.newRetry()
	for {
		updates, err := b.api.GetUpdates(ctx, b.offset, b.pollWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := retry.NextBackOff()
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > wait {
				wait = apiErr.RetryAfter
			}
			if wait == backoff.Stop {
				wait = time.Minute
			}
			slog.Warn("telegram poll failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()

		b.handleAll(ctx, updates)
	}
}

// handleAll answers a batch of updates with bounded concurrency and
// advances the offset past them.
func (b *Bot) handleAll(ctx context.Context, updates []Update) {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(handleConcurrent)
	for _, u := range updates {
		if u.UpdateID >= b.offset {
			b.offset = u.UpdateID + 1
		}
		if u.Message == nil || u.Message.Text == "" {
			continue
		}
		msg := u.Message
		g.Go(func() error {
			b.handle(gCtx, msg)
			return nil
		})
	}
	_ = g.Wait()
}

func (b *Bot) handle(ctx context.Context, msg *Message) {
	a, err := b.src.Wait(ctx)
	if err != nil {
		slog.Error("telegram message dropped: core unavailable", "chat_id", msg.Chat.ID, "error", err)
		return
	}

	text, ok := Answer(ctx, a, msg.Text)
	if !ok {
		return
	}
	b.send(ctx, msg.Chat.ID, text)
}

// send posts text as Markdown and falls back to plain text when Telegram
// rejects the markup.
func (b *Bot) send(ctx context.Context, chatID int64, text string) {
	err := b.api.SendMessage(ctx, chatID, text, parseMode)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == 400 {
		slog.Debug("markdown rejected, resending as plain text", "chat_id", chatID, "error", err)
		err = b.api.SendMessage(ctx, chatID, text, "")
	}
	if err != nil {
		slog.Error("telegram send failed", "chat_id", chatID, "error", err)
	}
}

// Answer computes the reply to one incoming text. ok is false when the
// message should be ignored.
func Answer(ctx context.Context, a *app.App, text string) (reply string, ok bool) {
	cmd, args := splitCommand(text)
	switch cmd {
	case "":
	case "/start", "/help":
		return a.Formatter.Welcome(), true
	case "/search":
		if args == "" {
			return diagnose.SearchUsage, true
		}
		return a.Formatter.FormatSearch(args, a.Store.SearchByKeyword(args)), true
	case "/random":
		return a.Formatter.FormatRandom(a.Store.Random(nil)), true
	default:
		slog.Debug("ignoring unknown command", "command", cmd)
		return "", false
	}

	_, reply, err := a.Reply(ctx, text)
	switch {
	case errors.Is(err, diagnose.ErrEmptyQuery):
		return "", false
	case err != nil:
		slog.Error("resolving telegram message", "error", err)
		return failureReply, true
	}
	return reply, true
}

// splitCommand returns the lowercased command (without any @botname
// suffix) and its trimmed arguments. cmd is empty for plain text.
func splitCommand(text string) (cmd, args string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	cmd = text
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		cmd, args = text[:i], text[i:]
	}
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), strings.TrimSpace(args)
}
