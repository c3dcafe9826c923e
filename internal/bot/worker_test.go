package bot

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/lumaoDoggie/grvt-transfer/internal/snapshot"
	"github.com/lumaoDoggie/grvt-transfer/internal/store"
	"github.com/lumaoDoggie/grvt-transfer/pkg/types"
)

type fakeAPI struct {
	mu       sync.Mutex
	batches  [][]tgbotapi.Update // consumed per GetUpdates call
	offsets  []int
	sent     []tgbotapi.MessageConfig
	requests []tgbotapi.Chattable
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdates(cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	f.mu.Lock()
	f.offsets = append(f.offsets, cfg.Offset)
	var batch []tgbotapi.Update
	if len(f.batches) > 0 {
		batch = f.batches[0]
		f.batches = f.batches[1:]
	}
	f.mu.Unlock()
	if batch == nil {
		time.Sleep(time.Millisecond)
	}
	return batch, nil
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Text
	}
	return out
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWorker(t *testing.T, api *fakeAPI, allowedChat string) (*Worker, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	composer := NewComposer(statusConfig(), healthyReader(), healthyReader(), snapshot.NewBus(), st)
	w := NewWorker(api, composer, st, allowedChat, silentLogger())
	w.pollTimeout = 0
	w.errWait = time.Millisecond
	return w, st
}

func message(chatID int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: chatID}, Text: text}
}

func TestStartRepliesWithKeyboard(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	w, _ := newWorker(t, api, "")

	w.handleMessage(context.Background(), message(42, "/start"))

	if len(api.sent) != 1 || api.sent[0].Text != "ok" {
		t.Fatalf("sent = %v", api.sentTexts())
	}
	kb, ok := api.sent[0].ReplyMarkup.(tgbotapi.ReplyKeyboardMarkup)
	if !ok || len(kb.Keyboard) == 0 || kb.Keyboard[0][0].Text != "查看" {
		t.Errorf("reply keyboard = %+v", api.sent[0].ReplyMarkup)
	}
}

func TestViewCommands(t *testing.T) {
	t.Parallel()

	for _, cmd := range []string{"/view", "view", "查看"} {
		api := &fakeAPI{}
		w, _ := newWorker(t, api, "")

		w.handleMessage(context.Background(), message(42, cmd))
		texts := api.sentTexts()
		if len(texts) != 1 || !strings.Contains(texts[0], "状态") {
			t.Errorf("%s: sent = %v", cmd, texts)
		}
	}
}

func TestForeignChatIgnored(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	w, _ := newWorker(t, api, "100")

	w.handleMessage(context.Background(), message(200, "/view"))
	if len(api.sent) != 0 {
		t.Errorf("foreign chat answered: %v", api.sentTexts())
	}
}

func TestAdoptsFirstChatForAlerts(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	w, _ := newWorker(t, api, "")

	// before any contact, alerts are dropped without error
	if err := w.Send(context.Background(), "early alert"); err != nil {
		t.Fatal(err)
	}
	if len(api.sent) != 0 {
		t.Fatal("alert sent with no active chat")
	}

	w.handleMessage(context.Background(), message(42, "/start"))
	if err := w.Send(context.Background(), "alert body"); err != nil {
		t.Fatal(err)
	}
	texts := api.sentTexts()
	if len(texts) != 2 || texts[1] != "alert body" {
		t.Errorf("sent = %v", texts)
	}
	if api.sent[1].ChatID != 42 {
		t.Errorf("alert chat = %d, want 42", api.sent[1].ChatID)
	}
}

func TestResumesChatFromPersistedState(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SaveBotState(types.BotState{ChatID: "77", HeartbeatTS: 1}); err != nil {
		t.Fatal(err)
	}
	composer := NewComposer(statusConfig(), healthyReader(), healthyReader(), snapshot.NewBus(), st)
	w := NewWorker(api, composer, st, "", silentLogger())

	if err := w.Send(context.Background(), "after restart"); err != nil {
		t.Fatal(err)
	}
	if len(api.sent) != 1 || api.sent[0].ChatID != 77 {
		t.Errorf("sent = %+v", api.sent)
	}
}

func TestCallbackAnswersAndSendsStatus(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	w, _ := newWorker(t, api, "")

	w.handleCallback(context.Background(), &tgbotapi.CallbackQuery{
		ID:      "cb-1",
		Data:    viewCallback,
		Message: message(42, ""),
	})

	if len(api.requests) != 1 {
		t.Fatalf("callback not answered: %d requests", len(api.requests))
	}
	texts := api.sentTexts()
	if len(texts) != 1 || !strings.Contains(texts[0], "状态") {
		t.Errorf("sent = %v", texts)
	}
}

func TestRunAdvancesOffsetAndHeartbeats(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		batches: [][]tgbotapi.Update{
			{{UpdateID: 7, Message: message(42, "/start")}},
		},
	}
	w, st := newWorker(t, api, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		botState, err := st.LoadBotState()
		if err == nil && botState.HeartbeatTS > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no heartbeat written")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done

	api.mu.Lock()
	defer api.mu.Unlock()
	if api.offsets[0] != 0 {
		t.Errorf("first offset = %d, want 0", api.offsets[0])
	}
	var advanced bool
	for _, off := range api.offsets[1:] {
		if off == 8 {
			advanced = true
		}
	}
	if !advanced {
		t.Errorf("offset never advanced past update 7: %v", api.offsets)
	}

	// webhook removed before polling
	if len(api.requests) == 0 {
		t.Error("deleteWebhook never requested")
	}

	botState, err := st.LoadBotState()
	if err != nil {
		t.Fatal(err)
	}
	if botState.ChatID != "42" {
		t.Errorf("chat id = %q, want 42", botState.ChatID)
	}
}
