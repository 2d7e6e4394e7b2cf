package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body, "sha256=<hex>".
const SignatureHeader = "X-Signature-256"

// Sign computes the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value in constant time.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// Deliver POSTs one job to its webhook. Any non-2xx answer is a failure.
func (o *Outbox) Deliver(ctx context.Context, job *Job) error {
	hook, ok := o.hooks[job.Target]
	if !ok {
		// Webhook removed from config since the job was queued.
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(job.Payload))
	if err != nil {
		return fmt.Errorf("notify: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tagflow-Delivery", job.ID)
	if hook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(hook.Secret, job.Payload))
	}

	resp, err := o.opts.Client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post %s: %w", hook.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: %s answered %d", hook.Name, resp.StatusCode)
	}
	return nil
}
