package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/advogando/enfermagem/internal/logger"
	"github.com/advogando/enfermagem/internal/mailer"
)

// Notifier は購読成立時に歓迎メールと運営者向け通知を送出する。
// newsletter.Notifier を実装する。
type Notifier struct {
	sender     mailer.Sender
	renderer   *mailer.Renderer
	dispatcher *Dispatcher
	from       string
	operators  []string
	logger     *slog.Logger
}

// NewNotifier はNotifierを生成する。
// senderがnilの場合、メール送信は無効となり通知はログのみとなる。
func NewNotifier(
	sender mailer.Sender,
	renderer *mailer.Renderer,
	dispatcher *Dispatcher,
	from string,
	operators []string,
	logger *slog.Logger,
) *Notifier {
	return &Notifier{
		sender:     sender,
		renderer:   renderer,
		dispatcher: dispatcher,
		from:       from,
		operators:  operators,
		logger:     logger,
	}
}

// SubscriberJoined は歓迎メールと運営者向け通知をそれぞれ独立したタスクとして投入する。
// 一方の失敗が他方の送信を妨げることはない。
func (n *Notifier) SubscriberJoined(email string, at time.Time) {
	if n.sender == nil {
		n.logger.Info("メール送信が無効のため通知をスキップしました",
			slog.String("email", logger.RedactEmail(email)),
		)
		return
	}

	n.enqueue(mailer.TemplateWelcome, []string{email}, map[string]any{
		"email": email,
	})

	if len(n.operators) > 0 {
		n.enqueue(mailer.TemplateOperatorAlert, n.operators, map[string]any{
			"email":         email,
			"subscribed_at": mailer.FormatTimestamp(at),
		})
	}
}

func (n *Notifier) enqueue(tpl mailer.Template, to []string, data map[string]any) {
	_ = n.dispatcher.Go(string(tpl), func(ctx context.Context) error {
		msg, err := n.renderer.Compose(tpl, n.from, to, data)
		if err != nil {
			return err
		}
		return n.sender.Send(ctx, msg)
	})
}
