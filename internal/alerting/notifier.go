package alerting

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Message 是一条发往单个设备的推送。
type Message struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

// SendResult mirrors the push gateway's per-request counters.
type SendResult struct {
	SuccessCount int
	FailureCount int
}

// Delivered reports whether at least one device accepted the push.
func (r SendResult) Delivered() bool { return r.SuccessCount > 0 }

// Sender 定义推送输送接口。
type Sender interface {
	Send(ctx context.Context, msg Message) (SendResult, error)
}

// PushSender posts messages to an FCM-compatible HTTP push gateway.
type PushSender struct {
	endpoint  string
	serverKey string
	client    *http.Client
	logger    zerolog.Logger
}

// NewPushSender 构造推送发送器。
func NewPushSender(endpoint, serverKey string, timeout time.Duration, logger zerolog.Logger) *PushSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if endpoint == "" {
		endpoint = "https://fcm.googleapis.com/fcm/send"
	}

	return &PushSender{
		endpoint:  strings.TrimRight(endpoint, "/"),
		serverKey: serverKey,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With().Str("component", "push_sender").Logger(),
	}
}

type pushPayload struct {
	To           string            `json:"to"`
	Priority     string            `json:"priority"`
	Notification pushNotification  `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type pushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Sound string `json:"sound"`
}

type pushResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// Send 调用推送网关发送单条消息。
func (p *PushSender) Send(ctx context.Context, msg Message) (SendResult, error) {
	if msg.Token == "" {
		return SendResult{FailureCount: 1}, fmt.Errorf("push target token is empty")
	}

	body, err := json.Marshal(pushPayload{
		To:           msg.Token,
		Priority:     "high",
		Notification: pushNotification{Title: msg.Title, Body: msg.Body, Sound: "default"},
		Data:         msg.Data,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("marshal push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.serverKey != "" {
		req.Header.Set("Authorization", "key="+p.serverKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return SendResult{FailureCount: 1}, fmt.Errorf("send push request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return SendResult{FailureCount: 1}, fmt.Errorf("read push response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SendResult{FailureCount: 1}, fmt.Errorf("push gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var result pushResponse
	if err := json.Unmarshal(payload, &result); err != nil {
		return SendResult{FailureCount: 1}, fmt.Errorf("decode push response: %w", err)
	}

	out := SendResult{SuccessCount: result.Success, FailureCount: result.Failure}
	p.logger.Debug().Int("success", out.SuccessCount).Int("failure", out.FailureCount).Msg("push sent")
	return out, nil
}

// LogSender only logs messages; used when push delivery is disabled.
type LogSender struct {
	logger zerolog.Logger
}

// NewLogSender constructs a LogSender.
func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "log_sender").Logger()}
}

// Send logs msg and reports it as delivered.
func (l *LogSender) Send(_ context.Context, msg Message) (SendResult, error) {
	l.logger.Info().Str("title", msg.Title).Str("body", msg.Body).Interface("data", msg.Data).Msg("push delivery disabled; message logged")
	return SendResult{SuccessCount: 1}, nil
}

var (
	_ Sender = (*PushSender)(nil)
	_ Sender = (*LogSender)(nil)
)
