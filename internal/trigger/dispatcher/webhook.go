package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	"github.com/smallbiznis/casc/internal/observability/tracing"
	triggerdomain "github.com/smallbiznis/casc/internal/trigger/domain"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	// SignatureHeader carries the HMAC-SHA256 of the body when the webhook
	// has a secret.
	SignatureHeader = "X-CASC-Signature"

	maxResponseBytes = 1024
	userAgent        = "casc-webhooks/1.0"
)

var errAttemptFailed = errors.New("webhook attempt failed")

// deliverWithRetry posts payload up to maxAttempts times. Transport errors
// and 5xx responses are retried with exponential backoff; anything else is
// final. Every attempt is logged.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, eventID snowflake.ID, trigger triggerdomain.Trigger, lead leaddomain.Lead, cfg triggerdomain.WebhookConfig, payload triggerdomain.WebhookPayload) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.retryInterval
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.2

	attempt := 0
	var logErr error
	_, err := backoff.Retry(ctx, func() (attemptResult, error) {
		attempt++
		res := d.post(ctx, cfg, payload)
		if err := d.appendLog(ctx, trigger, lead, eventID, attempt, res, payload); err != nil {
			logErr = err
			return res, backoff.Permanent(err)
		}
		d.metrics.RecordWebhookDelivery(ctx, string(res.status))
		switch {
		case res.status == triggerdomain.LogSuccess:
			return res, nil
		case res.retryable:
			return res, errAttemptFailed
		default:
			return res, backoff.Permanent(errAttemptFailed)
		}
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(d.maxAttempts))

	if logErr != nil {
		return logErr
	}
	if err != nil {
		d.log.Info("webhook delivery failed",
			zap.String("trigger_id", trigger.ID.String()),
			zap.String("lead_id", lead.ID.String()),
			zap.Int("attempts", attempt),
		)
	}
	return nil
}

// Deliver posts payload once. Transport failures are reported as
// ErrUpstreamTimeout or ErrUpstreamError alongside the attempt result.
func (d *Dispatcher) Deliver(ctx context.Context, cfg triggerdomain.WebhookConfig, payload triggerdomain.WebhookPayload) (triggerdomain.TestResult, error) {
	res := d.post(ctx, cfg, payload)
	out := triggerdomain.TestResult{
		Status:     res.status,
		HTTPStatus: res.httpStatus,
		Response:   truncate(res.response),
		DurationMS: res.duration.Milliseconds(),
	}
	switch {
	case res.httpStatus != nil:
		return out, nil
	case res.timeout:
		return out, triggerdomain.ErrUpstreamTimeout
	default:
		return out, triggerdomain.ErrUpstreamError
	}
}

func (d *Dispatcher) post(ctx context.Context, cfg triggerdomain.WebhookConfig, payload triggerdomain.WebhookPayload) attemptResult {
	start := d.clock.Now()
	body, err := json.Marshal(payload)
	if err != nil {
		return attemptResult{status: triggerdomain.LogFailed, response: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSpace(cfg.URL), bytes.NewReader(body))
	if err != nil {
		return attemptResult{status: triggerdomain.LogFailed, response: err.Error()}
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if cfg.Secret != "" {
		req.Header.Set(SignatureHeader, sign([]byte(cfg.Secret), body))
	}
	tracing.InjectContext(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	elapsed := d.clock.Now().Sub(start)
	if err != nil {
		return attemptResult{
			status:    triggerdomain.LogFailed,
			response:  err.Error(),
			duration:  elapsed,
			retryable: true,
			timeout:   isTimeout(err),
		}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	code := resp.StatusCode
	res := attemptResult{
		status:     triggerdomain.LogFailed,
		httpStatus: &code,
		response:   string(raw),
		duration:   elapsed,
		retryable:  code >= http.StatusInternalServerError,
	}
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		res.status = triggerdomain.LogSuccess
	}
	return res
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// truncate caps s at 1 KiB without splitting a UTF-8 sequence.
func truncate(s string) string {
	if len(s) <= maxResponseBytes {
		return s
	}
	cut := maxResponseBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
