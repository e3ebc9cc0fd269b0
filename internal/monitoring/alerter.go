package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ordertruth/internal/reconcile"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertTruthStale AlertType = "truth_stale"
	AlertRunFailing AlertType = "run_failing"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Account   string         `json:"account"`
	Scope     string         `json:"scope"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (a Alert) key() string {
	return string(a.Type) + "|" + a.Account + "|" + a.Scope
}

// Alerter turns health snapshots into alerts and posts them to a webhook.
// An alert for the same (type, account, scope) is sent at most once per
// cooldown.
type Alerter struct {
	webhookURL string
	cooldown   time.Duration
	client     *http.Client
	now        func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewAlerter creates an Alerter. An empty webhookURL disables delivery.
func NewAlerter(webhookURL string, cooldown time.Duration) *Alerter {
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	return &Alerter{
		webhookURL: webhookURL,
		cooldown:   cooldown,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
		sent:       make(map[string]time.Time),
	}
}

// Evaluate returns the alerts raised by snap.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := a.now().UTC()

	for _, h := range snap.Health {
		// A failing pair raises run_failing instead of truth_stale.
		if h.LastError != nil {
			alerts = append(alerts, Alert{
				Type:     AlertRunFailing,
				Severity: "high",
				Account:  h.Account,
				Scope:    h.Scope,
				Message:  fmt.Sprintf("Reconcile %s/%s is failing: %s", h.Account, h.Scope, *h.LastError),
				Details: map[string]any{
					"last_attempt_at": h.LastAttemptAt,
					"last_success_at": h.LastSuccessAt,
				},
				Timestamp: now,
			})
			continue
		}
		if !h.Stale {
			continue
		}
		msg := fmt.Sprintf("Truth for %s/%s has never been reconciled", h.Account, h.Scope)
		if h.LastSuccessAt != nil {
			msg = fmt.Sprintf("Truth for %s/%s is %s old", h.Account, h.Scope, h.Staleness.Round(time.Second))
		}
		alerts = append(alerts, Alert{
			Type:      AlertTruthStale,
			Severity:  "medium",
			Account:   h.Account,
			Scope:     h.Scope,
			Message:   msg,
			Details:   map[string]any{"staleness_secs": h.StalenessSecs},
			Timestamp: now,
		})
	}
	return alerts
}

// SendAlerts delivers alerts outside their cooldown to the webhook.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.webhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if !a.due(alert) {
			continue
		}
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.String("account", alert.Account),
				zap.Error(err),
			)
			continue
		}
		a.mark(alert)
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("account", alert.Account),
			zap.String("scope", alert.Scope),
		)
		sent++
	}
	return sent
}

// Resolve clears the cooldown for pairs that are healthy again so the next
// regression alerts immediately.
func (a *Alerter) Resolve(healthy []*reconcile.Health) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, h := range healthy {
		if h.Stale || h.LastError != nil {
			continue
		}
		for _, t := range []AlertType{AlertTruthStale, AlertRunFailing} {
			delete(a.sent, Alert{Type: t, Account: h.Account, Scope: h.Scope}.key())
		}
	}
}

func (a *Alerter) due(alert Alert) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.sent[alert.key()]
	return !ok || a.now().Sub(last) >= a.cooldown
}

func (a *Alerter) mark(alert Alert) {
	a.mu.Lock()
	a.sent[alert.key()] = a.now()
	a.mu.Unlock()
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
