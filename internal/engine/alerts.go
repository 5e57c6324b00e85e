package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// Alert & Webhook System
//
// Structured alert emission for engine operations. The engine's step
// pipeline emits surprise_spike alerts on high-surprise steps.
// EmitConcernPromoted builds concern_promoted alerts, but the engine's
// session-end path does not call it. Alerts are:
//   1. Broadcast via the callback (WebSocket hub on the server)
//   2. Pushed to registered webhook endpoints
//   3. Stored in memory for recent alert history
//
// Severity scales with the unexplained fraction of the input — a step
// the model fully fails to compress is operationally interesting, a
// mildly novel one is just logged.

// Alert is a structured engine event.
type Alert struct {
	ID          string  `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Severity    string  `json:"severity"`  // info/low/medium/high/critical
	AlertType   string  `json:"alertType"` // surprise_spike/concern_promoted
	Title       string  `json:"title"`
	Step        int64   `json:"step"`
	Surprise    int     `json:"surprise,omitempty"`
	InputSize   int     `json:"inputSize,omitempty"`
	ActiveGroups []int  `json:"activeGroups,omitempty"`
}

// WebhookEndpoint is a registered webhook receiver.
type WebhookEndpoint struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Enabled     bool              `json:"enabled"`
	Headers     map[string]string `json:"headers,omitempty"`
	MinSeverity string            `json:"minSeverity"`
}

// AlertManager handles alert emission and webhook delivery.
type AlertManager struct {
	mu            sync.RWMutex
	webhooks      []WebhookEndpoint
	recentAlerts  []Alert
	maxHistory    int
	httpClient    *http.Client
	alertCallback func(Alert)
}

// NewAlertManager creates an alert manager with an optional broadcast
// callback.
func NewAlertManager(broadcastFn func(Alert)) *AlertManager {
	return &AlertManager{
		webhooks:      make([]WebhookEndpoint, 0),
		recentAlerts:  make([]Alert, 0),
		maxHistory:    1000,
		httpClient:    &http.Client{Timeout: 5 * time.Second},
		alertCallback: broadcastFn,
	}
}

// RegisterWebhook adds a webhook endpoint.
func (am *AlertManager) RegisterWebhook(name, url, minSeverity string, headers map[string]string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	am.webhooks = append(am.webhooks, WebhookEndpoint{
		Name:        name,
		URL:         url,
		Enabled:     true,
		Headers:     headers,
		MinSeverity: minSeverity,
	})

	log.Printf("[AlertManager] Registered webhook: %s → %s (min: %s)", name, url, minSeverity)
}

// EmitFromStep emits an alert for a high-surprise step.
func (am *AlertManager) EmitFromStep(step int64, surprise, inputSize int, activeGroups []int) {
	if inputSize == 0 {
		return
	}
	ratio := float64(surprise) / float64(inputSize)
	severity := classifySurpriseSeverity(ratio)
	if severity == "info" {
		return
	}

	am.Emit(Alert{
		Severity:     severity,
		AlertType:    "surprise_spike",
		Title:        fmt.Sprintf("Unexplained input at step %d (%d/%d bits)", step, surprise, inputSize),
		Step:         step,
		Surprise:     surprise,
		InputSize:    inputSize,
		ActiveGroups: activeGroups,
	})
}

// EmitConcernPromoted emits an alert when an input crosses into the
// persistent-concern layer.
func (am *AlertManager) EmitConcernPromoted(step int64, signatureSize int) {
	am.Emit(Alert{
		Severity:  "medium",
		AlertType: "concern_promoted",
		Title:     fmt.Sprintf("Recurring unresolved input promoted to concern (%d bits)", signatureSize),
		Step:      step,
	})
}

// Emit processes and distributes an alert.
func (am *AlertManager) Emit(alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if alert.ID == "" {
		alert.ID = fmt.Sprintf("%s-%s-%d", alert.Severity, alert.AlertType, alert.Step)
	}

	am.mu.Lock()
	am.recentAlerts = append(am.recentAlerts, alert)
	if len(am.recentAlerts) > am.maxHistory {
		am.recentAlerts = am.recentAlerts[len(am.recentAlerts)-am.maxHistory:]
	}
	webhooks := make([]WebhookEndpoint, len(am.webhooks))
	copy(webhooks, am.webhooks)
	am.mu.Unlock()

	if am.alertCallback != nil {
		am.alertCallback(alert)
	}

	for _, wh := range webhooks {
		if !wh.Enabled {
			continue
		}
		if !severityMeetsThreshold(alert.Severity, wh.MinSeverity) {
			continue
		}
		go am.sendWebhook(wh, alert)
	}

	log.Printf("[Alert] [%s] %s: %s", alert.Severity, alert.AlertType, alert.Title)
}

// GetRecentAlerts returns the most recent alerts, newest first.
func (am *AlertManager) GetRecentAlerts(limit int) []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	if limit <= 0 || limit > len(am.recentAlerts) {
		limit = len(am.recentAlerts)
	}

	start := len(am.recentAlerts) - limit
	result := make([]Alert, limit)
	for i := 0; i < limit; i++ {
		result[i] = am.recentAlerts[start+limit-1-i]
	}
	return result
}

// sendWebhook delivers an alert to a webhook endpoint.
func (am *AlertManager) sendWebhook(wh WebhookEndpoint, alert Alert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		log.Printf("[Webhook] Failed to marshal alert: %v", err)
		return
	}

	req, err := http.NewRequest("POST", wh.URL, bytes.NewBuffer(payload))
	if err != nil {
		log.Printf("[Webhook] Failed to create request for %s: %v", wh.Name, err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	for key, val := range wh.Headers {
		req.Header.Set(key, val)
	}

	resp, err := am.httpClient.Do(req)
	if err != nil {
		log.Printf("[Webhook] Failed to send to %s: %v", wh.Name, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Printf("[Webhook] %s returned status %d", wh.Name, resp.StatusCode)
	}
}

// classifySurpriseSeverity maps the unexplained fraction to a severity.
func classifySurpriseSeverity(ratio float64) string {
	switch {
	case ratio >= 0.95:
		return "high"
	case ratio >= 0.75:
		return "medium"
	case ratio >= 0.5:
		return "low"
	default:
		return "info"
	}
}

// severityMeetsThreshold checks if a severity level meets the minimum.
func severityMeetsThreshold(severity, minimum string) bool {
	levels := map[string]int{
		"info": 0, "low": 1, "medium": 2, "high": 3, "critical": 4,
	}
	return levels[severity] >= levels[minimum]
}
