package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultTimeout = 10 * time.Second

// WhatsAppNotifier posts template dispatch requests to the WhatsApp gateway
// the clinic platform fronts its messaging provider with.
type WhatsAppNotifier struct {
	gatewayURL string
	apiKey     string
	client     *http.Client
	logger     *slog.Logger
}

func NewWhatsAppNotifier(gatewayURL, apiKey string, logger *slog.Logger) *WhatsAppNotifier {
	return &WhatsAppNotifier{
		gatewayURL: gatewayURL,
		apiKey:     apiKey,
		client:     &http.Client{Timeout: defaultTimeout},
		logger:     logger.With("module", "whatsapp_notifier"),
	}
}

type dispatchRequest struct {
	Template string  `json:"template"`
	Payload  Payload `json:"payload"`
}

func (n *WhatsAppNotifier) Send(ctx context.Context, template string, payload Payload) error {
	body, err := json.Marshal(dispatchRequest{Template: template, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if n.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.apiKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification gateway returned %d", resp.StatusCode)
	}

	n.logger.InfoContext(ctx, "Notification dispatched",
		"template", template,
		"patient_id", payload.PatientID,
		"execution_id", payload.ExecutionID,
	)

	return nil
}

// LogNotifier logs instead of sending, for development and tests.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("module", "log_notifier")}
}

func (n *LogNotifier) Send(ctx context.Context, template string, payload Payload) error {
	n.logger.InfoContext(ctx, "Notification (log only)",
		"template", template,
		"patient_id", payload.PatientID,
		"form_name", payload.FormName,
		"execution_id", payload.ExecutionID,
	)

	return nil
}
