package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/advogando/enfermagem/internal/broadcast"
	"github.com/advogando/enfermagem/internal/middleware"
	"github.com/advogando/enfermagem/internal/model"
)

// BroadcastServiceInterface は記事告知ハンドラーが必要とするサービスインターフェース。
type BroadcastServiceInterface interface {
	Announce(ctx context.Context, ann model.PostAnnouncement) (*broadcast.Result, error)
}

// BroadcastHandler は記事告知配信のHTTPハンドラー。
// Bearerトークンで認証し、apiKeyが空の場合はエンドポイント自体を無効とする。
type BroadcastHandler struct {
	service BroadcastServiceInterface
	apiKey  string
}

// NewBroadcastHandler はBroadcastHandlerを生成する。
func NewBroadcastHandler(service BroadcastServiceInterface, apiKey string) *BroadcastHandler {
	return &BroadcastHandler{service: service, apiKey: apiKey}
}

// Send は記事の公開を全購読者へ告知する。
// POST /send-newsletter
func (h *BroadcastHandler) Send(w http.ResponseWriter, r *http.Request) {
	if h.apiKey == "" {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewBroadcastDisabledError())
		return
	}
	if !h.authorized(r) {
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewBroadcastUnauthorizedError())
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidAnnouncementError(map[string][]string{
			"body": {"Requisição muito grande"},
		}))
		return
	}

	var ann model.PostAnnouncement
	if err := json.Unmarshal(body, &ann); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidAnnouncementError(map[string][]string{
			"body": {"JSON inválido"},
		}))
		return
	}

	result, err := h.service.Announce(r.Context(), ann)
	if err != nil {
		handleServiceError(w, err, model.NewBroadcastFailedError())
		return
	}

	writeJSON(w, http.StatusOK, successResponse{
		Success: true,
		Message: result.Message,
		Stats:   result.Stats,
	})
}

// authorized はAuthorizationヘッダーのBearerトークンを定数時間で比較する。
func (h *BroadcastHandler) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.apiKey)) == 1
}
