package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/advogando/enfermagem/internal/middleware"
	"github.com/advogando/enfermagem/internal/model"
)

// maxRequestBodySize はリクエストボディの最大サイズ（64KB）。
const maxRequestBodySize = 64 * 1024

// successResponse は成功時のレスポンスボディ。
type successResponse struct {
	Success bool                  `json:"success"`
	Message string                `json:"message"`
	Stats   *model.BroadcastStats `json:"stats,omitempty"`
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// writeSuccess は {success:true, message} 形式の200レスポンスを書き込む。
func writeSuccess(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, successResponse{Success: true, Message: message})
}

// readBody はサイズ上限付きでリクエストボディを読み込む。
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
// fallback はAPIError以外のエラーに対して返すエラー。
func handleServiceError(w http.ResponseWriter, err error, fallback *model.APIError) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteErrorResponse(w, http.StatusInternalServerError, fallback)
}

// mapAPIErrorToHTTPStatus はAPIErrorの分類からHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Kind {
	case model.KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case model.KindUnauthorized:
		return http.StatusForbidden
	case model.KindRateLimited:
		return http.StatusTooManyRequests
	case model.KindInvalidInput:
		return http.StatusBadRequest
	case model.KindDuplicateEmail, model.KindAlreadyBroadcast:
		return http.StatusConflict
	case model.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
