package calibration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/avgjoe1017/findable/internal/model"
)

// alertPayload is the webhook body for one drift alert.
type alertPayload struct {
	AlertID   string    `json:"alert_id"`
	DriftType string    `json:"drift_type"`
	Pillar    string    `json:"pillar,omitempty"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Expected  float64   `json:"expected"`
	Observed  float64   `json:"observed"`
	Magnitude float64   `json:"magnitude"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers drift alerts to a webhook URL. Deliveries are
// rate-limited and best-effort: a failed post is logged, never propagated,
// since the alert is already persisted.
type Notifier struct {
	webhookURL string
	client     *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewNotifier creates a Notifier, or nil if no webhook URL is configured.
func NewNotifier(webhookURL string) *Notifier {
	if webhookURL == "" {
		return nil
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 5),
		logger:     zap.L().With(zap.String("component", "notifier")),
	}
}

// Notify posts one alert to the webhook.
func (n *Notifier) Notify(ctx context.Context, alert *model.CalibrationDriftAlert) {
	if err := n.limiter.Wait(ctx); err != nil {
		return
	}
	if err := n.send(ctx, alert); err != nil {
		n.logger.Error("failed to deliver drift alert",
			zap.String("alert_id", alert.ID),
			zap.Error(err))
		return
	}
	n.logger.Info("drift alert delivered",
		zap.String("alert_id", alert.ID),
		zap.String("drift_type", string(alert.DriftType)))
}

func (n *Notifier) send(ctx context.Context, alert *model.CalibrationDriftAlert) error {
	payload, err := json.Marshal(alertPayload{
		AlertID:   alert.ID,
		DriftType: string(alert.DriftType),
		Pillar:    alert.Pillar,
		Severity:  "high",
		Message:   alertMessage(alert),
		Expected:  alert.ExpectedValue,
		Observed:  alert.ObservedValue,
		Magnitude: alert.DriftMagnitude,
		Timestamp: alert.CreatedAt,
	})
	if err != nil {
		return eris.Wrap(err, "notifier: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notifier: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notifier: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("notifier: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func alertMessage(a *model.CalibrationDriftAlert) string {
	switch a.DriftType {
	case model.DriftTypeAccuracy:
		return fmt.Sprintf("Calibration accuracy dropped from %.1f%% to %.1f%% over the last window",
			a.ExpectedValue*100, a.ObservedValue*100)
	case model.DriftTypeOptimism:
		return fmt.Sprintf("Optimistic prediction rate %.1f%% exceeds threshold %.1f%%",
			a.ObservedValue*100, a.ExpectedValue*100)
	case model.DriftTypePessimism:
		return fmt.Sprintf("Pessimistic prediction rate %.1f%% exceeds threshold %.1f%%",
			a.ObservedValue*100, a.ExpectedValue*100)
	case model.DriftTypePillar:
		return fmt.Sprintf("Mean %s pillar score moved from %.1f to %.1f",
			a.Pillar, a.ExpectedValue, a.ObservedValue)
	default:
		return fmt.Sprintf("Calibration drift detected: %s", a.DriftType)
	}
}
