package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/advogando/enfermagem/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// error は必須、message と details は値がある場合のみ出力する。
type ErrorResponseBody struct {
	Error   string              `json:"error"`
	Message string              `json:"message,omitempty"`
	Details map[string][]string `json:"details,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Error:   apiErr.Title,
		Message: apiErr.Message,
		Details: apiErr.Details,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、利用者には一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Kind:    model.KindInternalError,
		Title:   "Erro interno",
		Message: "Ocorreu um erro. Tente novamente mais tarde.",
	})
}
