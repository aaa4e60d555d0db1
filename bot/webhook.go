package bot

import (
	"net/http"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/tobyprime/VerificationBot/pkg/log"
	tb "gopkg.in/tucnak/telebot.v2"
)

// Webhook is a tb.Poller served by our own router instead of a listener of
// its own. Updates are refused with 503 while the bot is not polling.
type Webhook struct {
	hook tb.Webhook

	mu   sync.RWMutex
	dest chan<- tb.Update
	done chan struct{}
}

var _ tb.Poller = (*Webhook)(nil)

// NewWebhook registers publicURL with Telegram once the bot starts.
func NewWebhook(publicURL string) *Webhook {
	return &Webhook{hook: tb.Webhook{
		Endpoint: &tb.WebhookEndpoint{PublicURL: publicURL},
	}}
}

func (h *Webhook) Poll(b *tb.Bot, dest chan tb.Update, stop chan struct{}) {
	if err := b.SetWebhook(&h.hook); err != nil {
		log.Error("set webhook: %v", err)
		<-stop
		return
	}
	h.run(dest, stop)
}

// run accepts updates into dest until stop is signalled.
func (h *Webhook) run(dest chan<- tb.Update, stop <-chan struct{}) {
	done := make(chan struct{})
	h.mu.Lock()
	h.dest, h.done = dest, done
	h.mu.Unlock()

	<-stop

	h.mu.Lock()
	h.dest, h.done = nil, nil
	h.mu.Unlock()
	close(done)
}

func (h *Webhook) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dest != nil
}

func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	dest, done := h.dest, h.done
	h.mu.RUnlock()
	if dest == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	var u tb.Update
	if err := jsoniter.NewDecoder(r.Body).Decode(&u); err != nil {
		log.Debug("webhook: decode update: %v", err)
		http.Error(w, "bad update", http.StatusBadRequest)
		return
	}
	select {
	case dest <- u:
	case <-done:
		http.Error(w, "stopped", http.StatusServiceUnavailable)
	case <-r.Context().Done():
	}
}
