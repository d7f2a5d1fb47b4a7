package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const webhookTimeout = 3 * time.Second

// WebhookSink posts engine events as plain-text messages to a chat webhook.
// Delivery is best effort: failures are logged and never surface to the engine.
type WebhookSink struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url string, logger *zap.Logger) *WebhookSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: webhookTimeout},
		logger: logger,
	}
}

// Run consumes events from in until ctx is done or the channel closes.
func (w *WebhookSink) Run(ctx context.Context, in <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-in:
			if !ok {
				return
			}
			w.post(ctx, event)
		}
	}
}

func (w *WebhookSink) post(ctx context.Context, event Event) {
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": format(event)},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		w.logger.Error("webhook payload marshal failed", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Error("webhook request build failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("webhook delivery failed", zap.Error(err))
		return
	}
	resp.Body.Close()
}

func format(event Event) string {
	switch event.Type {
	case TypeOpportunity:
		if o := event.Opportunity; o != nil {
			return fmt.Sprintf("opportunity %s: buy %s@%s sell %s@%s net %s%%",
				event.Pair, o.BuyVenue, o.BuyPrice.String(), o.SellVenue, o.SellPrice.String(), o.NetProfitPct.String())
		}
	case TypeExecution:
		if e := event.Execution; e != nil {
			return fmt.Sprintf("execution %s %s: %s, pnl %s",
				e.ID, event.Pair, e.State.String(), e.Outcome.RealizedPnL.String())
		}
	case TypeFatal:
		return fmt.Sprintf("FATAL %s: %s", event.Pair, event.Message)
	}
	if event.Message != "" {
		return fmt.Sprintf("%s %s: %s", event.Type, event.Pair, event.Message)
	}
	return fmt.Sprintf("%s %s", event.Type, event.Pair)
}
