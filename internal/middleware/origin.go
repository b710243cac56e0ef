package middleware

import (
	"net/http"
	"strings"

	"github.com/advogando/enfermagem/internal/model"
)

// CORSで許可するリクエストヘッダーとメソッド。
const (
	corsAllowHeaders = "authorization, x-client-info, apikey, content-type"
	corsAllowMethods = "POST, OPTIONS"
)

// OriginGuardOptions はオリジン検証ミドルウェアの任意設定。
type OriginGuardOptions struct {
	// AllowServerToServer がtrueの場合、Originヘッダーがなく
	// Bearer形式のAuthorizationヘッダーまたはapikeyヘッダーを持つリクエストを許可する。
	AllowServerToServer bool
}

// NewOriginGuard はPOST専用エンドポイントのCORS処理と呼び出し元の検証を行うミドルウェアを返す。
//
//   - 全てのレスポンスにCORSヘッダーを付与する。Access-Control-Allow-Origin は
//     許可リストに含まれるオリジンの場合のみエコーし、それ以外は空にする。
//   - OPTIONSプリフライトには本文なしの200で応答する。
//   - POST以外は405で拒否する。
//   - 許可されていない呼び出し元は403で拒否する。
func NewOriginGuard(allowedOrigins []string, opts OriginGuardOptions) func(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			originAllowed := origin != "" && allowed[origin]

			h := w.Header()
			if originAllowed {
				h.Set("Access-Control-Allow-Origin", origin)
			} else {
				h.Set("Access-Control-Allow-Origin", "")
			}
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Add("Vary", "Origin")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			if r.Method != http.MethodPost {
				WriteErrorResponse(w, http.StatusMethodNotAllowed, model.NewMethodNotAllowedError())
				return
			}

			if !originAllowed && !(opts.AllowServerToServer && isServerToServer(r, origin)) {
				WriteErrorResponse(w, http.StatusForbidden, model.NewUnauthorizedOriginError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// isServerToServer はOriginヘッダーがなく、資格情報ヘッダーを持つリクエストかを判定する。
func isServerToServer(r *http.Request, origin string) bool {
	if origin != "" {
		return false
	}
	if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		return true
	}
	return r.Header.Get("apikey") != ""
}
