// Package notify posts recognition announcements to chat webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/recognition-engine/recognition"
)

const DefaultTimeout = 5 * time.Second

// Webhook sends a Slack/Teams compatible {"text": ...} payload to every
// webhook URL configured on the recognition's organization.
type Webhook struct {
	Client *http.Client
	Logger *zap.Logger
}

var _ recognition.Notifier = (*Webhook)(nil)

func NewWebhook(timeout time.Duration, logger *zap.Logger) *Webhook {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{Client: &http.Client{Timeout: timeout}, Logger: logger}
}

// RecognitionPosted delivers to all targets concurrently and returns the
// first failure. A failing target does not stop the others.
func (w *Webhook) RecognitionPosted(ctx context.Context, n recognition.Notification) error {
	urls := n.Org.WebhookURLs()
	if len(urls) == 0 {
		return nil
	}
	body, err := json.Marshal(map[string]string{"text": Message(n)})
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, url := range urls {
		g.Go(func() error {
			return w.post(ctx, url, body)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	w.Logger.Debug("recognition announced",
		zap.String("org_id", n.Org.ID),
		zap.String("recognition_id", n.Recognition.ID),
		zap.Int("targets", len(urls)))
	return nil
}

func (w *Webhook) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

// Message renders the announcement text, e.g.
//
//	🎉 Asha Rao recognized Ben Ito, Cy Park: "Great launch" (50 pts) | Values: Ownership, Innovation
func Message(n recognition.Notification) string {
	names := make([]string, 0, len(n.Recipients))
	for _, u := range n.Recipients {
		names = append(names, u.FullName())
	}

	points := "no points"
	if n.Recognition.PointsAwarded > 0 {
		points = fmt.Sprintf("%d pts", n.Recognition.PointsAwarded)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🎉 %s recognized %s: %q (%s)",
		n.Sender.FullName(), strings.Join(names, ", "), n.Recognition.Message, points)
	if len(n.Recognition.ValuesTags) > 0 {
		b.WriteString(" | Values: ")
		b.WriteString(strings.Join(n.Recognition.ValuesTags, ", "))
	}
	return b.String()
}
