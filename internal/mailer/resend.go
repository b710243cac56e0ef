package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// defaultResendEndpoint はResendのメール送信APIのエンドポイント。
	defaultResendEndpoint = "https://api.resend.com/emails"
	// maxErrorBodySize はエラーレスポンスから読み取る最大バイト数。
	maxErrorBodySize = 4096
)

// ResendSender はResendのHTTP APIを使用するSender。
type ResendSender struct {
	httpClient *http.Client
	apiKey     string
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// ResendOption はResendSenderの任意設定。
type ResendOption func(*ResendSender)

// WithResendEndpoint は送信先のエンドポイントを差し替える。空文字は無視する。
func WithResendEndpoint(endpoint string) ResendOption {
	return func(s *ResendSender) {
		if endpoint != "" {
			s.endpoint = endpoint
		}
	}
}

// WithResendHTTPClient はHTTPクライアントを差し替える。
func WithResendHTTPClient(c *http.Client) ResendOption {
	return func(s *ResendSender) { s.httpClient = c }
}

// NewResendSender はResendSenderを生成する。
func NewResendSender(apiKey string, opts ...ResendOption) *ResendSender {
	s := &ResendSender{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		apiKey:     apiKey,
		endpoint:   defaultResendEndpoint,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
	ReplyTo string   `json:"reply_to,omitempty"`
}

// Send はメールを1通送信する。2xx以外のレスポンスはエラーとして返す。
func (s *ResendSender) Send(ctx context.Context, msg Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}

	payload, err := json.Marshal(resendRequest{
		From:    msg.From,
		To:      msg.To,
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
		ReplyTo: msg.ReplyTo,
	})
	if err != nil {
		return fmt.Errorf("リクエストJSONの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Resend APIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return fmt.Errorf("Resend APIがステータス %d を返しました: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	// コネクション再利用のためボディを読み捨てる
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// コンパイル時にインターフェースの実装を検証する。
var _ Sender = (*ResendSender)(nil)
