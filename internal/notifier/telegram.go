package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gravitational/trace"
)

const telegramAPI = "https://api.telegram.org"

type Telegram struct {
	HTTP    *http.Client
	BaseURL string

	mu     sync.RWMutex
	token  string
	chatID string
}

func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		token:   token,
		chatID:  chatID,
		BaseURL: telegramAPI,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *Telegram) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token != "" && t.chatID != ""
}

func (t *Telegram) Update(token, chatID string) {
	t.mu.Lock()
	t.token = token
	t.chatID = chatID
	t.mu.Unlock()
}

func (t *Telegram) Send(ctx context.Context, msg string) error {
	t.mu.RLock()
	token, chatID := t.token, t.chatID
	t.mu.RUnlock()
	if token == "" || chatID == "" {
		return trace.BadParameter("telegram not configured")
	}
	payload := map[string]any{"chat_id": chatID, "text": msg, "disable_web_page_preview": true}
	b, err := json.Marshal(payload)
	if err != nil {
		return trace.Wrap(err)
	}
	u := fmt.Sprintf("%s/bot%s/sendMessage", t.BaseURL, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := t.HTTP.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "telegram send")
	}
	defer res.Body.Close()
	resp, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	if res.StatusCode >= 300 {
		return trace.ConnectionProblem(nil, "telegram status %d: %s", res.StatusCode, string(resp))
	}
	return nil
}
