// Copyright 2026 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package errhandler

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/tijob/model"
	cerror "github.com/pingcap/tijob/pkg/errors"
	"github.com/pingcap/tijob/pkg/logutil"
)

// webhook handler props
const (
	PropWebhookURL       = "webhook.url"
	PropWebhookSecret    = "webhook.secret"
	PropWebhookTimeoutMs = "webhook.timeout-ms"
)

const defaultWebhookTimeout = 3 * time.Second

// webhookHandler posts the failure as JSON to a chat webhook. When a secret
// is configured the URL is signed the way Dingtalk style endpoints expect:
// HMAC-SHA256 over "timestamp\nsecret", base64 then query encoded, appended
// as timestamp and sign parameters.
type webhookHandler struct {
	webhookURL string
	secret     string
	client     *http.Client
	now        func() time.Time
}

func newWebhookHandler(cfg *model.JobConfig) (Handler, error) {
	webhookURL := cfg.Props[PropWebhookURL]
	if webhookURL == "" {
		return nil, cerror.ErrConfigInvalid.GenWithStackByArgs(
			fmt.Sprintf("error handler %s requires prop %q", TypeWebhook, PropWebhookURL))
	}
	if _, err := url.Parse(webhookURL); err != nil {
		return nil, cerror.ErrConfigInvalid.GenWithStackByArgs(
			fmt.Sprintf("prop %q: %s", PropWebhookURL, err))
	}
	timeout := defaultWebhookTimeout
	if raw, ok := cfg.Props[PropWebhookTimeoutMs]; ok {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return nil, cerror.ErrConfigInvalid.GenWithStackByArgs(
				fmt.Sprintf("prop %q: %q is not a positive integer", PropWebhookTimeoutMs, raw))
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	return &webhookHandler{
		webhookURL: webhookURL,
		secret:     cfg.Props[PropWebhookSecret],
		client:     &http.Client{Timeout: timeout},
		now:        time.Now,
	}, nil
}

type webhookPayload struct {
	Job       string `json:"job"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// HandleException implements Handler. Delivery failures are logged, never
// propagated, the failing job is already in trouble.
func (h *webhookHandler) HandleException(jobName string, cause error) {
	now := h.now()
	body, err := json.Marshal(webhookPayload{
		Job:       jobName,
		Error:     cause.Error(),
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		log.Warn("webhook notification not sent",
			zap.String("job", jobName), zap.Error(err))
		return
	}
	resp, err := h.client.Post(h.requestURL(now), "application/json", bytes.NewReader(body))
	if err != nil {
		// the URL inside the error carries the access token and signature
		log.Warn("webhook notification failed", zap.String("job", jobName),
			zap.String("error", logutil.HideSensitive(err.Error())))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		log.Warn("webhook notification rejected",
			zap.String("job", jobName), zap.Int("status", resp.StatusCode))
		return
	}
	log.Info("webhook notification sent", zap.String("job", jobName))
}

func (h *webhookHandler) requestURL(now time.Time) string {
	if h.secret == "" {
		return h.webhookURL
	}
	timestamp := now.UnixMilli()
	sep := "?"
	if bytes.ContainsRune([]byte(h.webhookURL), '?') {
		sep = "&"
	}
	return fmt.Sprintf("%s%stimestamp=%d&sign=%s",
		h.webhookURL, sep, timestamp, sign(timestamp, h.secret))
}

func sign(timestamp int64, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d\n%s", timestamp, secret)))
	return url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))
}
