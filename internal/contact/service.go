// Package contact はお問い合わせフォームの処理を提供する。
// 入力を検証し、運営者への通知メールと依頼者への受付確認メールを同期的に送信する。
package contact

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/advogando/enfermagem/internal/logger"
	"github.com/advogando/enfermagem/internal/mailer"
	"github.com/advogando/enfermagem/internal/model"
	"github.com/advogando/enfermagem/internal/validation"
)

// 入力値の長さ制限（文字数）。
const (
	maxNameLength    = 100
	minPhoneLength   = 10
	maxPhoneLength   = 20
	maxMessageLength = 5000
)

// お問い合わせ結果のメトリクスラベル。
const (
	OutcomeSent         = "sent"
	OutcomeInvalidInput = "invalid_input"
	OutcomeFailed       = "failed"
)

// Enroller はニュースレターへの登録を行う。newsletter.Service が実装する。
type Enroller interface {
	Enroll(ctx context.Context, email string) (*model.Subscriber, error)
}

// Metrics はお問い合わせ処理の計測値を記録する。
type Metrics interface {
	ObserveContact(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveContact(string) {}

// Service はお問い合わせフォームのサービス層。
type Service struct {
	sender    mailer.Sender
	renderer  *mailer.Renderer
	enroller  Enroller
	metrics   Metrics
	from      string
	operators []string
	timeout   time.Duration
	logger    *slog.Logger
}

// Option はServiceの任意設定。
type Option func(*Service)

// WithEnroller はニュースレター同意時の登録先を設定する。
func WithEnroller(e Enroller) Option {
	return func(s *Service) { s.enroller = e }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithTimeout はメール送信1通ごとのタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewService はServiceを生成する。senderがnilの場合、全ての送信は失敗として扱う。
func NewService(sender mailer.Sender, renderer *mailer.Renderer, from string, operators []string, opts ...Option) *Service {
	s := &Service{
		sender:    sender,
		renderer:  renderer,
		metrics:   nopMetrics{},
		from:      from,
		operators: operators,
		timeout:   10 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit はお問い合わせを処理する。失敗時は *model.APIError を返す。
func (s *Service) Submit(ctx context.Context, body []byte) error {
	req, details := Parse(body)
	if details != nil {
		s.metrics.ObserveContact(OutcomeInvalidInput)
		s.logger.Info("お問い合わせの入力検証に失敗しました", slog.Int("field_count", len(details)))
		return model.NewInvalidContactError(details)
	}

	if s.sender == nil {
		s.metrics.ObserveContact(OutcomeFailed)
		s.logger.Error("メール送信が設定されていないためお問い合わせを処理できません")
		return model.NewContactFailedError()
	}

	data := map[string]any{
		"name":         req.Name,
		"email":        req.Email,
		"phone":        req.Phone,
		"phone_digits": digitsOnly(req.Phone),
		"message":      req.Message,
		"newsletter":   req.Newsletter,
	}

	if err := s.send(ctx, mailer.TemplateContactNotification, s.operators, data, req.Email); err != nil {
		return s.fail(req, "operator_notification", err)
	}
	if err := s.send(ctx, mailer.TemplateContactConfirmation, []string{req.Email}, data, ""); err != nil {
		return s.fail(req, "confirmation", err)
	}

	if req.Newsletter {
		s.enroll(ctx, req.Email)
	}

	s.metrics.ObserveContact(OutcomeSent)
	s.logger.Info("お問い合わせメールを送信しました",
		slog.String("email", logger.RedactEmail(req.Email)),
		slog.Bool("newsletter", req.Newsletter),
	)
	return nil
}

func (s *Service) send(ctx context.Context, tpl mailer.Template, to []string, data map[string]any, replyTo string) error {
	msg, err := s.renderer.Compose(tpl, s.from, to, data)
	if err != nil {
		return err
	}
	msg.ReplyTo = replyTo

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.sender.Send(sendCtx, msg)
}

func (s *Service) fail(req *model.ContactRequest, step string, err error) error {
	s.metrics.ObserveContact(OutcomeFailed)
	s.logger.Error("お問い合わせメールの送信に失敗しました",
		slog.String("step", step),
		slog.String("email", logger.RedactEmail(req.Email)),
		slog.String("error", err.Error()),
	)
	return model.NewContactFailedError()
}

// enroll はニュースレター同意時に購読者として登録する。
// 登録済みの場合やエラーはお問い合わせの結果に影響しない。
func (s *Service) enroll(ctx context.Context, email string) {
	if s.enroller == nil {
		return
	}
	if _, err := s.enroller.Enroll(ctx, email); err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Kind == model.KindDuplicateEmail {
			return
		}
		s.logger.Warn("お問い合わせからのニュースレター登録に失敗しました",
			slog.String("email", logger.RedactEmail(email)),
			slog.String("error", err.Error()),
		)
	}
}

// Parse はJSONボディを検証し、trim済みのContactRequestを返す。
// 検証エラーがある場合はフィールドごとのメッセージを返す。
func Parse(body []byte) (*model.ContactRequest, map[string][]string) {
	var raw struct {
		Name       any `json:"name"`
		Email      any `json:"email"`
		Phone      any `json:"phone"`
		Message    any `json:"message"`
		Newsletter any `json:"newsletter"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, map[string][]string{"body": {"JSON inválido"}}
	}

	details := map[string][]string{}
	add := func(field, msg string) {
		details[field] = append(details[field], msg)
	}

	req := &model.ContactRequest{}

	if name, ok := trimmedString(raw.Name); !ok {
		add("name", "Obrigatório")
	} else {
		req.Name = name
		if validation.Length(name) < 1 {
			add("name", "Nome é obrigatório")
		}
		if validation.Length(name) > maxNameLength {
			add("name", "Nome muito longo")
		}
	}

	if email, ok := trimmedString(raw.Email); !ok {
		add("email", "Obrigatório")
	} else {
		req.Email = email
		if !validation.IsEmail(email) {
			add("email", "Email inválido")
		}
		if validation.Length(email) > validation.MaxEmailLength {
			add("email", "Email muito longo")
		}
	}

	if phone, ok := trimmedString(raw.Phone); !ok {
		add("phone", "Obrigatório")
	} else {
		req.Phone = phone
		if validation.Length(phone) < minPhoneLength {
			add("phone", "Telefone inválido")
		}
		if validation.Length(phone) > maxPhoneLength {
			add("phone", "Telefone muito longo")
		}
	}

	if message, ok := trimmedString(raw.Message); !ok {
		add("message", "Obrigatório")
	} else {
		req.Message = message
		if validation.Length(message) < 1 {
			add("message", "Mensagem é obrigatória")
		}
		if validation.Length(message) > maxMessageLength {
			add("message", "Mensagem muito longa")
		}
	}

	if newsletter, ok := raw.Newsletter.(bool); !ok {
		add("newsletter", "Obrigatório")
	} else {
		req.Newsletter = newsletter
	}

	if len(details) > 0 {
		return nil, details
	}
	return req, nil
}

func trimmedString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}

// digitsOnly は電話番号から数字以外を除去する。WhatsAppリンクの生成に使用する。
func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
