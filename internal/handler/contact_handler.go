package handler

import (
	"context"
	"net/http"

	"github.com/advogando/enfermagem/internal/middleware"
	"github.com/advogando/enfermagem/internal/model"
)

const contactSuccessMessage = "Emails enviados com sucesso"

// ContactServiceInterface はお問い合わせハンドラーが必要とするサービスインターフェース。
type ContactServiceInterface interface {
	Submit(ctx context.Context, body []byte) error
}

// ContactHandler はお問い合わせフォームのHTTPハンドラー。
type ContactHandler struct {
	service ContactServiceInterface
}

// NewContactHandler はContactHandlerを生成する。
func NewContactHandler(service ContactServiceInterface) *ContactHandler {
	return &ContactHandler{service: service}
}

// Submit はお問い合わせを受け付け、運営者への通知と送信者への確認メールを送る。
// POST /contact
func (h *ContactHandler) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidContactError(map[string][]string{
			"body": {"Requisição muito grande"},
		}))
		return
	}

	if err := h.service.Submit(r.Context(), body); err != nil {
		handleServiceError(w, err, model.NewContactFailedError())
		return
	}

	writeSuccess(w, contactSuccessMessage)
}
