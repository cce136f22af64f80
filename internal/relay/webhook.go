package relay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"switchboard/internal/config"
	"switchboard/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// Headers set on webhook deliveries.
const (
	HeaderEntity    = "X-Switchboard-Entity"
	HeaderAction    = "X-Switchboard-Action"
	HeaderDelivery  = "X-Switchboard-Delivery"
	HeaderSignature = "X-Switchboard-Signature"
)

type WebhookSink struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewWebhookSink(hook config.WebhookConfig) *WebhookSink {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &WebhookSink{URL: hook.URL, Secret: hook.Secret, Client: &http.Client{Timeout: timeout}}
}

func (w *WebhookSink) Name() string { return "webhook:" + w.URL }

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (w *WebhookSink) Deliver(ctx context.Context, ev domain.LifecycleAuditEvent) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEntity, ev.EntityType)
	req.Header.Set(HeaderAction, ev.Action)
	req.Header.Set(HeaderDelivery, strconv.FormatInt(ev.ID, 10))
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set(HeaderSignature, Sign(w.Secret, data))
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
