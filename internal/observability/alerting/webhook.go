package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

const webhookTimeout = 10 * time.Second

// SlackWebhook 通过 Incoming Webhook 投递 Slack 消息。
type SlackWebhook struct {
	URL    string
	Client *http.Client
}

// Send 实现 SlackSender。
func (w *SlackWebhook) Send(ctx context.Context, channel, content string) error {
	return postJSON(ctx, w.Client, w.URL, map[string]any{"channel": channel, "text": content})
}

// DingTalkWebhook 通过自定义机器人投递钉钉消息。
type DingTalkWebhook struct {
	URL    string
	Client *http.Client
}

// Send 实现 DingTalkSender。
func (w *DingTalkWebhook) Send(ctx context.Context, content string) error {
	return postJSON(ctx, w.Client, w.URL, map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
}

// SMTPSender 使用 PLAIN 认证发送纯文本邮件。
type SMTPSender struct {
	Addr     string
	Username string
	Password string
	From     string
}

// Send 实现 EmailSender。
func (s *SMTPSender) Send(_ context.Context, subject, content string, to []string) error {
	host := s.Addr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, host)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		s.From, strings.Join(to, ", "), subject, content)
	return smtp.SendMail(s.Addr, auth, s.From, to, []byte(msg))
}

func postJSON(ctx context.Context, client *http.Client, url string, body any) error {
	if url == "" {
		return fmt.Errorf("webhook url is empty")
	}
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

var (
	_ SlackSender    = (*SlackWebhook)(nil)
	_ DingTalkSender = (*DingTalkWebhook)(nil)
	_ EmailSender    = (*SMTPSender)(nil)
)
