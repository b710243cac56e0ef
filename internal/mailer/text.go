package mailer

import (
	"strings"

	"golang.org/x/net/html"
)

// blockElements は前後で改行するHTML要素。
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "hr": true, "li": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"tr": true, "table": true,
}

// HTMLToText はメール本文のHTMLからプレーンテキスト版を生成する。
// style/script/head要素は除去し、リンクはテキストの後ろにURLを括弧書きで添える。
func HTMLToText(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))

	var (
		b        strings.Builder
		skip     int
		hrefs    []string
		lastLine bool
	)

	newline := func() {
		if !lastLine {
			b.WriteString("\n")
			lastLine = true
		}
	}

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return tidyText(b.String())

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "style", "script", "head", "title":
				if tt == html.StartTagToken {
					skip++
				}
				continue
			case "a":
				if tt == html.StartTagToken {
					hrefs = append(hrefs, attr(tok, "href"))
				}
			case "li":
				newline()
				b.WriteString("- ")
				lastLine = false
				continue
			case "img":
				if alt := attr(tok, "alt"); alt != "" && skip == 0 {
					b.WriteString(alt)
					lastLine = false
				}
			}
			if blockElements[tok.Data] {
				newline()
			}

		case html.EndTagToken:
			tok := z.Token()
			switch tok.Data {
			case "style", "script", "head", "title":
				if skip > 0 {
					skip--
				}
				continue
			case "a":
				if n := len(hrefs); n > 0 {
					href := hrefs[n-1]
					hrefs = hrefs[:n-1]
					if href != "" && !strings.HasPrefix(href, "mailto:") && skip == 0 {
						b.WriteString(" (" + href + ")")
						lastLine = false
					}
				}
			}
			if blockElements[tok.Data] {
				newline()
			}

		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := strings.Join(strings.Fields(string(z.Text())), " ")
			if text == "" {
				continue
			}
			if cur := b.String(); cur != "" && !strings.HasSuffix(cur, " ") && !strings.HasSuffix(cur, "\n") {
				b.WriteString(" ")
			}
			b.WriteString(text)
			lastLine = false
		}
	}
}

func attr(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// tidyText は行頭・行末の空白を除き、連続する空行を1つにまとめる。
func tidyText(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
