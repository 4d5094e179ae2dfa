// Package notify delivers outbound side effects: chat-webhook messages for
// approval prompts and resolutions, and incident lifecycle events on a
// NATS subject for downstream consumers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/incident"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

// Notifier sends human-facing messages and machine-facing events.
type Notifier struct {
	cfg    config.NotifyConfig
	http   *http.Client
	nc     *nats.Conn
	logger *logging.Logger
}

// New creates a notifier. nc may be nil (degraded store mode); event
// publishing then becomes a logged no-op while webhooks keep working.
func New(cfg config.NotifyConfig, nc *nats.Conn, logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		nc:     nc,
		logger: logger,
	}
}

// approvalMessage is the webhook payload for an approval prompt.
type approvalMessage struct {
	Type       string `json:"type"`
	IncidentID string `json:"incident_id"`
	Title      string `json:"title,omitempty"`
	Service    string `json:"service,omitempty"`
	Hypothesis string `json:"hypothesis,omitempty"`
	Code       string `json:"code"`
	Risk       string `json:"risk"`
	Reason     string `json:"reason,omitempty"`
}

// resolutionMessage is the webhook payload for a terminal outcome.
type resolutionMessage struct {
	Type       string `json:"type"`
	IncidentID string `json:"incident_id"`
	Title      string `json:"title,omitempty"`
	Stage      string `json:"stage"`
	Resolution string `json:"resolution,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NotifyApproval posts the approval prompt to the approval channel.
// Returns an opaque message handle when the channel provides one.
func (n *Notifier) NotifyApproval(ctx context.Context, snap *incident.ApprovalSnapshot) (string, error) {
	if n.cfg.ApprovalWebhookURL == "" {
		n.logger.Warn(ctx, "approval webhook not configured, prompt not delivered",
			zap.String("incident_id", snap.IncidentID))
		return "", nil
	}

	handle, err := n.postWebhook(ctx, n.cfg.ApprovalWebhookURL, approvalMessage{
		Type:       "approval_request",
		IncidentID: snap.IncidentID,
		Title:      snap.Title,
		Service:    snap.Service,
		Hypothesis: snap.Hypothesis,
		Code:       snap.Code,
		Risk:       string(snap.Risk),
		Reason:     snap.Reason,
	})
	if err != nil {
		return "", incident.NewExternalServiceError("notification", err)
	}
	return handle, nil
}

// NotifyResolution posts the terminal outcome to the resolution channel.
// Best effort: a delivery failure is logged, never escalates an already
// terminal incident.
func (n *Notifier) NotifyResolution(ctx context.Context, rec *incident.Record) {
	if n.cfg.ResolutionWebhookURL == "" {
		return
	}

	_, err := n.postWebhook(ctx, n.cfg.ResolutionWebhookURL, resolutionMessage{
		Type:       "resolution",
		IncidentID: rec.IncidentID,
		Title:      rec.Title,
		Stage:      string(rec.CurrentStage),
		Resolution: rec.Resolution,
		Error:      rec.Error,
	})
	if err != nil {
		n.logger.Warn(ctx, "resolution notification failed",
			zap.String("incident_id", rec.IncidentID),
			zap.Error(err))
	}
}

// Event is one incident lifecycle event on the fan-out subject.
type Event struct {
	IncidentID string         `json:"incident_id"`
	Stage      incident.Stage `json:"stage"`
	Timestamp  time.Time      `json:"timestamp"`
	Detail     string         `json:"detail,omitempty"`
}

// PublishEvent emits a stage-change event. Best effort.
func (n *Notifier) PublishEvent(ctx context.Context, ev Event) {
	if n.nc == nil || n.cfg.EventSubject == "" {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.Warn(ctx, "encoding incident event failed", zap.Error(err))
		return
	}
	if err := n.nc.Publish(n.cfg.EventSubject, data); err != nil {
		n.logger.Warn(ctx, "publishing incident event failed",
			zap.String("incident_id", ev.IncidentID),
			zap.Error(err))
	}
}

// webhookReply is the optional channel reply carrying a message handle.
type webhookReply struct {
	MessageID string `json:"message_id"`
}

func (n *Notifier) postWebhook(ctx context.Context, url string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := n.http.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("webhook returned %d", res.StatusCode)
	}

	var reply webhookReply
	if err := json.NewDecoder(io.LimitReader(res.Body, 4096)).Decode(&reply); err != nil {
		// Channels that reply with an empty body are fine.
		return "", nil
	}
	return reply.MessageID, nil
}
