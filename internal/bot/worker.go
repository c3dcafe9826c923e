// Package bot runs the Telegram supervisor: a long-poll worker answering
// operator commands, a watchdog that restarts the worker when its
// heartbeat goes stale, and a single-instance lock so two deployments
// never poll the same bot token.
package bot

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/lumaoDoggie/grvt-transfer/internal/store"
	"github.com/lumaoDoggie/grvt-transfer/pkg/types"
)

const (
	pollTimeoutSec = 25
	pollErrWait    = 5 * time.Second
	viewCallback   = "view_noop"
)

// telegramAPI is the slice of *tgbotapi.BotAPI the worker uses.
type telegramAPI interface {
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdates(cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Worker long-polls getUpdates and answers operator commands. It also
// implements the alert Sender over the active chat.
type Worker struct {
	api         telegramAPI
	composer    *Composer
	store       *store.Store
	allowedChat string
	logger      *slog.Logger

	pollTimeout int
	errWait     time.Duration

	mu     sync.Mutex
	chatID int64
}

func NewWorker(api telegramAPI, composer *Composer, st *store.Store, allowedChat string, logger *slog.Logger) *Worker {
	w := &Worker{
		api:         api,
		composer:    composer,
		store:       st,
		allowedChat: allowedChat,
		logger:      logger.With("component", "bot"),
		pollTimeout: pollTimeoutSec,
		errWait:     pollErrWait,
	}

	// Resume the chat from persisted state so alerts work right after a
	// restart, before the operator says anything.
	if st != nil {
		if prev, err := st.LoadBotState(); err == nil && prev.ChatID != "" {
			if id, err := strconv.ParseInt(prev.ChatID, 10, 64); err == nil {
				w.chatID = id
			}
		}
	}
	if allowedChat != "" {
		if id, err := strconv.ParseInt(allowedChat, 10, 64); err == nil {
			w.chatID = id
		}
	}
	return w
}

// Run polls until ctx is cancelled. Each cycle ends with a heartbeat write
// and a lock refresh, which is what the watchdog and the stale-lock
// takeover watch.
func (w *Worker) Run(ctx context.Context) {
	if _, err := w.api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		w.logger.Warn("delete webhook failed", "error", err)
	}

	offset := 0
	for ctx.Err() == nil {
		u := tgbotapi.NewUpdate(offset)
		u.Timeout = w.pollTimeout

		updates, err := w.api.GetUpdates(u)
		if err != nil {
			w.logger.Warn("getUpdates failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.errWait):
			}
			continue
		}

		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			w.handleUpdate(ctx, upd)
		}

		w.heartbeat()
	}
}

func (w *Worker) heartbeat() {
	w.mu.Lock()
	chatID := w.chatID
	w.mu.Unlock()

	st := types.BotState{
		HeartbeatTS: float64(time.Now().UnixNano()) / float64(time.Second),
	}
	if chatID != 0 {
		st.ChatID = strconv.FormatInt(chatID, 10)
	}
	if err := w.store.SaveBotState(st); err != nil {
		w.logger.Warn("heartbeat write failed", "error", err)
	}
	if err := w.store.RefreshLock(); err != nil {
		w.logger.Warn("lock refresh failed", "error", err)
	}
}

func (w *Worker) handleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.Message != nil:
		w.handleMessage(ctx, upd.Message)
	case upd.CallbackQuery != nil:
		w.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	if !w.chatAllowed(msg.Chat.ID) {
		w.logger.Warn("ignoring message from foreign chat", "chat_id", msg.Chat.ID)
		return
	}
	w.adoptChat(msg.Chat.ID)

	switch msg.Text {
	case "/start":
		reply := tgbotapi.NewMessage(msg.Chat.ID, "ok")
		reply.ReplyMarkup = viewKeyboard()
		if _, err := w.api.Send(reply); err != nil {
			w.logger.Warn("send failed", "error", err)
		}
	case "/view", "view", "查看":
		w.sendStatus(ctx, msg.Chat.ID)
	}
}

func (w *Worker) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.Data != viewCallback || q.Message == nil || q.Message.Chat == nil {
		return
	}
	if !w.chatAllowed(q.Message.Chat.ID) {
		return
	}
	if _, err := w.api.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
		w.logger.Warn("answer callback failed", "error", err)
	}
	w.sendStatus(ctx, q.Message.Chat.ID)
}

func (w *Worker) sendStatus(ctx context.Context, chatID int64) {
	text := w.composer.Compose(ctx)
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = viewKeyboard()
	if _, err := w.api.Send(msg); err != nil {
		w.logger.Warn("send status failed", "error", err)
	}
}

func (w *Worker) chatAllowed(chatID int64) bool {
	if w.allowedChat == "" {
		return true
	}
	return strconv.FormatInt(chatID, 10) == w.allowedChat
}

func (w *Worker) adoptChat(chatID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.chatID == 0 {
		w.chatID = chatID
	}
}

// Send implements the alert sink's Sender over the active chat. Fails
// quietly into the log when no operator has talked to the bot yet.
func (w *Worker) Send(_ context.Context, text string) error {
	w.mu.Lock()
	chatID := w.chatID
	w.mu.Unlock()
	if chatID == 0 {
		w.logger.Info("no active chat, alert dropped", "text", text)
		return nil
	}
	_, err := w.api.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

func viewKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton("查看")),
	)
	kb.ResizeKeyboard = true
	return kb
}
