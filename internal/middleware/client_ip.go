package middleware

import (
	"net/http"
	"strings"
)

// UnknownClientIP はクライアントIPを特定できない場合に使う値。
// 該当するリクエストは全て同じレート制限の枠を共有する。
const UnknownClientIP = "unknown"

// ClientIP はリバースプロキシ配下でのクライアントIPを返す。
// X-Forwarded-For の先頭要素、X-Real-IP の順に参照し、どちらもなければ "unknown" を返す。
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return UnknownClientIP
}
