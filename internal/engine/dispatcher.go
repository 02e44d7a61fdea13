package engine

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"integration-hub/internal/config"
	"integration-hub/internal/metadata"
	"integration-hub/internal/ssrf"
)

const (
	maxResponseBody    = 64 * 1024
	maxRedirects       = 3
	signaturePrefix    = "sha256="
	defaultUserAgent   = "O9Cart-Webhook/1.0"
	defaultSigHeader   = "X-O9Cart-Signature"
	defaultHTTPTimeout = 30 * time.Second
)

// DispatchResult holds the outcome of a single webhook HTTP call. Error is
// set for transport failures, in which case StatusCode is zero.
type DispatchResult struct {
	StatusCode   int
	ResponseBody string
	Error        string
}

func (r *DispatchResult) Succeeded() bool {
	return r.Error == "" && r.StatusCode >= 200 && r.StatusCode < 300
}

// Dispatcher sends signed webhook requests.
type Dispatcher struct {
	client          *resty.Client
	userAgent       string
	signatureHeader string
}

func NewDispatcher(cfg config.WebhookConfig, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	client := resty.New().
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(maxRedirects)).
		SetLogger(log.Named("webhook.http").Sugar())
	if cfg.BlockPrivateNetworks {
		client.SetTransport(ssrf.NewTransport())
	}

	d := &Dispatcher{client: client, userAgent: cfg.UserAgent, signatureHeader: cfg.SignatureHeader}
	if d.userAgent == "" {
		d.userAgent = defaultUserAgent
	}
	if d.signatureHeader == "" {
		d.signatureHeader = defaultSigHeader
	}
	return d
}

// Dispatch sends body to the webhook. The body is attached only for POST,
// PUT and PATCH; the signature always covers body. Custom headers are sent
// as stored; Content-Type, User-Agent and the signature header override them.
func (d *Dispatcher) Dispatch(ctx context.Context, wh *metadata.Webhook, body []byte) *DispatchResult {
	timeout := wh.TimeoutDuration()
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(wh.Method)
	if method == "" {
		method = "POST"
	}

	req := d.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeaders(wh.Headers).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", d.userAgent).
		SetHeader(d.signatureHeader, Sign(wh.Secret, body))
	switch method {
	case "POST", "PUT", "PATCH":
		req.SetBody(body)
	}

	resp, err := req.Execute(method, wh.URL)
	if err != nil {
		return &DispatchResult{Error: fmt.Sprintf("http call: %v", err)}
	}
	raw := resp.RawBody()
	defer raw.Close()

	respBody, _ := io.ReadAll(io.LimitReader(raw, maxResponseBody))
	return &DispatchResult{StatusCode: resp.StatusCode(), ResponseBody: string(respBody)}
}

// Sign returns the signature header value for body: sha256=<hex HMAC>.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header in constant time.
// Receivers must verify against the exact bytes of the request body.
func VerifySignature(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(strings.TrimSpace(header)))
}
