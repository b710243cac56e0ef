package middleware

import "net/http"

// NewSecurityHeadersMiddleware はJSON APIとしてのセキュリティ関連ヘッダーを付与するミドルウェアを返す。
// レスポンスにHTMLを含まないため、CSPで全てのリソース読み込みを禁止しキャッシュも無効にする。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r)
		})
	}
}
