// Package push hands events for users without a live connection to an
// external notification service.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Notification is what the push collaborator receives.
type Notification struct {
	UserID  string    `json:"user_id"`
	Kind    string    `json:"kind"`
	Summary string    `json:"summary"`
	At      time.Time `json:"at"`
}

// Dispatcher is best-effort and fire-and-forget: Dispatch must not block the
// caller on the remote service and its failures never reach the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID, kind, summary string)
}

// LogDispatcher only records the notification. It is used when no push
// service is configured.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(_ context.Context, userID, kind, summary string) {
	logrus.WithFields(logrus.Fields{
		"function": "Dispatch",
		"user_id":  userID,
		"kind":     kind,
		"summary":  summary,
	}).Info("Offline notification")
}

// WebhookDispatcher POSTs each notification as JSON to a fixed URL.
type WebhookDispatcher struct {
	URL  string
	HTTP *http.Client

	wg sync.WaitGroup
}

func NewWebhookDispatcher(url string) *WebhookDispatcher {
	return &WebhookDispatcher{
		URL: strings.TrimSpace(url),
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, userID, kind, summary string) {
	n := Notification{UserID: userID, Kind: kind, Summary: summary, At: time.Now().UTC()}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// The caller's request may finish before the POST does.
		ctx := context.WithoutCancel(ctx)
		if err := d.post(ctx, n); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Dispatch",
				"user_id":  userID,
				"kind":     kind,
				"error":    err.Error(),
			}).Warn("Push webhook failed")
		}
	}()
}

// Wait blocks until in-flight POSTs finish.
func (d *WebhookDispatcher) Wait() {
	d.wg.Wait()
}

func (d *WebhookDispatcher) post(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("POST %s: status %s", d.URL, resp.Status)
	}
	return nil
}

// New returns a webhook dispatcher for url, or a LogDispatcher when url is
// empty.
func New(url string) Dispatcher {
	if strings.TrimSpace(url) == "" {
		return LogDispatcher{}
	}
	return NewWebhookDispatcher(url)
}
