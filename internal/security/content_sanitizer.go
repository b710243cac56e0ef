// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ExcerptSanitizer は記事告知メールに埋め込む抜粋HTMLをサニタイズする。
// SSRFガードはブログフィード取得時の外部リクエストを保護する。
package security

import (
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ExcerptSanitizer は記事抜粋のサニタイズ機能のインターフェース。
type ExcerptSanitizer interface {
	// Sanitize は抜粋HTMLをインライン要素のみのHTMLに変換する。
	// 許可タグ（a, br, strong, em, b, i, code）以外は除去し、テキストのみ残す。
	// aタグのhrefはhttpsのみ許可し、target="_blank" と rel="noopener noreferrer" を付与する。
	Sanitize(rawHTML string) string
}

// excerptSanitizer はExcerptSanitizerの実装。bluemondayのポリシーは並行利用できる。
type excerptSanitizer struct {
	policy *bluemonday.Policy
}

// NewExcerptSanitizer はExcerptSanitizerを生成する。
// 抜粋は告知メールの段落内に埋め込まれるため、ブロック要素と画像は許可しない。
func NewExcerptSanitizer() *excerptSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements("br", "strong", "em", "b", "i", "code")

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return u.Host != ""
	})
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &excerptSanitizer{policy: p}
}

// Sanitize は抜粋HTMLをサニタイズし、前後の空白を除去して返す。
func (s *excerptSanitizer) Sanitize(rawHTML string) string {
	if strings.TrimSpace(rawHTML) == "" {
		return ""
	}
	return strings.TrimSpace(s.policy.Sanitize(rawHTML))
}

var _ ExcerptSanitizer = (*excerptSanitizer)(nil)
