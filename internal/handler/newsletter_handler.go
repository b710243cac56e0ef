package handler

import (
	"context"
	"net/http"

	"github.com/advogando/enfermagem/internal/middleware"
	"github.com/advogando/enfermagem/internal/model"
	"github.com/advogando/enfermagem/internal/newsletter"
)

// subscribeSuccessMessage は購読成功時に返すメッセージ。
const subscribeSuccessMessage = "Inscrição realizada com sucesso!"

// NewsletterServiceInterface は購読ハンドラーが必要とするサービスインターフェース。
type NewsletterServiceInterface interface {
	// Subscribe はレート制限・検証・登録・通知を行う。
	Subscribe(ctx context.Context, in newsletter.SubscribeInput) (*model.Subscriber, error)
}

// NewsletterHandler はニュースレター購読のHTTPハンドラー。
// メソッドとオリジンの検証はOriginGuardミドルウェアで行われる前提。
type NewsletterHandler struct {
	service NewsletterServiceInterface
}

// NewNewsletterHandler はNewsletterHandlerを生成する。
func NewNewsletterHandler(service NewsletterServiceInterface) *NewsletterHandler {
	return &NewsletterHandler{service: service}
}

// Subscribe はニュースレターの購読を登録する。
// POST /newsletter-subscribe
func (h *NewsletterHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidEmailError())
		return
	}

	_, err = h.service.Subscribe(r.Context(), newsletter.SubscribeInput{
		ClientIP: middleware.ClientIP(r),
		Body:     body,
	})
	if err != nil {
		handleServiceError(w, err, model.NewSubscriptionFailedError())
		return
	}

	writeSuccess(w, subscribeSuccessMessage)
}
