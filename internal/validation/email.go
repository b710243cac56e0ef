// Package validation は外部入力の形式検証と正規化を提供する。
package validation

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxEmailLength はメールアドレスの最大文字数。
const MaxEmailLength = 255

// emailPattern はローカル部とドメイン部の形を検証する。
// 先頭のドットと連続するドットは IsEmail で別途拒否する（RE2に先読みがないため）。
var emailPattern = regexp.MustCompile(`(?i)^[A-Z0-9_'+\-.]*[A-Z0-9_+\-]@([A-Z0-9][A-Z0-9\-]*\.)+[A-Z]{2,}$`)

// IsEmail は文字列がメールアドレスの形をしているかを返す。
// 前後の空白は許容しないため、呼び出し側でtrimしてから渡すこと。
func IsEmail(s string) bool {
	if s == "" || strings.HasPrefix(s, ".") || strings.Contains(s, "..") {
		return false
	}
	return emailPattern.MatchString(s)
}

// NormalizeEmail は入力をtrimして検証し、小文字化したメールアドレスを返す。
// 形式が不正、または MaxEmailLength 文字を超える場合は ok=false を返す。
func NormalizeEmail(raw string) (email string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if !IsEmail(trimmed) || utf8.RuneCountInString(trimmed) > MaxEmailLength {
		return "", false
	}
	return strings.ToLower(trimmed), true
}

// Length は文字列の文字数（rune数）を返す。
func Length(s string) int {
	return utf8.RuneCountInString(s)
}
