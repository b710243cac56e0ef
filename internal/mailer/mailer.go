// Package mailer はトランザクションメールの生成と送信を提供する。
// 送信プロバイダーとしてResend（HTTP API）とAWS SESに対応する。
package mailer

import (
	"context"
	"errors"
	"fmt"

	"github.com/advogando/enfermagem/internal/config"
)

// Message は送信する1通のメール。
type Message struct {
	From    string
	To      []string
	ReplyTo string
	Subject string
	HTML    string
	Text    string
}

// Sender はメール送信のインターフェース。
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// ErrNoRecipients は宛先が空のメッセージを送信しようとした場合に返される。
var ErrNoRecipients = errors.New("mailer: message has no recipients")

// NewSenderFromConfig は設定に応じた送信プロバイダーを生成する。
// 資格情報が未設定の場合は nil, nil を返し、呼び出し側はメール送信を無効として扱う。
func NewSenderFromConfig(ctx context.Context, cfg *config.Config) (Sender, error) {
	if !cfg.EmailEnabled() {
		return nil, nil
	}

	switch cfg.EmailProvider {
	case "ses":
		s, err := NewSESSender(ctx, cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "resend":
		return NewResendSender(cfg.ResendAPIKey, WithResendEndpoint(cfg.ResendAPIURL)), nil
	default:
		return nil, fmt.Errorf("unsupported email provider: %q", cfg.EmailProvider)
	}
}

func validateMessage(msg Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}
	if msg.From == "" {
		return errors.New("mailer: message has no sender")
	}
	return nil
}
