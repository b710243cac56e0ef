package mailer

import (
	"embed"
	"fmt"
	"time"

	"github.com/osteele/liquid"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Template はメールテンプレートの識別子。メトリクスのラベルにも使用する。
type Template string

const (
	TemplateWelcome             Template = "welcome"
	TemplateOperatorAlert       Template = "operator_alert"
	TemplateContactNotification Template = "contact_notification"
	TemplateContactConfirmation Template = "contact_confirmation"
	TemplatePostAnnouncement    Template = "post_announcement"
)

// subjects は件名のLiquidテンプレート。件名はプレーンテキストなのでエスケープしない。
var subjects = map[Template]string{
	TemplateWelcome:             "Bem-vindo(a) à Newsletter do Advogando para Enfermagem! 🩺⚖️",
	TemplateOperatorAlert:       "📬 Nova inscrição na Newsletter!",
	TemplateContactNotification: "Nova solicitação de {{ name }}",
	TemplateContactConfirmation: "Recebemos sua solicitação - Advogando para Enfermagem",
	TemplatePostAnnouncement:    "📰 Novo Artigo: {{ title }}",
}

// SiteInfo は全テンプレートに共通で渡すサイト情報。
type SiteInfo struct {
	SiteURL     string
	WhatsAppURL string
}

// Rendered はレンダリング済みのメール内容。
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

type compiledTemplate struct {
	subject *liquid.Template
	body    *liquid.Template
}

// Renderer は埋め込みのLiquidテンプレートからメール内容を生成する。
// テンプレートは生成時に全てパースされ、以降は読み取り専用で並行利用できる。
type Renderer struct {
	site      SiteInfo
	templates map[Template]compiledTemplate
}

// NewRenderer は全テンプレートをパースしてRendererを生成する。
func NewRenderer(site SiteInfo) (*Renderer, error) {
	engine := liquid.NewEngine()

	r := &Renderer{
		site:      site,
		templates: make(map[Template]compiledTemplate, len(subjects)),
	}

	for name, subjectSrc := range subjects {
		bodySrc, err := templatesFS.ReadFile("templates/" + string(name) + ".html")
		if err != nil {
			return nil, fmt.Errorf("テンプレート %s の読み込みに失敗しました: %w", name, err)
		}

		body, perr := engine.ParseTemplate(bodySrc)
		if perr != nil {
			return nil, fmt.Errorf("テンプレート %s のパースに失敗しました: %w", name, perr)
		}
		subject, perr := engine.ParseString(subjectSrc)
		if perr != nil {
			return nil, fmt.Errorf("件名テンプレート %s のパースに失敗しました: %w", name, perr)
		}

		r.templates[name] = compiledTemplate{subject: subject, body: body}
	}

	return r, nil
}

// Render は指定テンプレートをレンダリングする。
// dataにはテンプレート固有の値を渡す。site_url と whatsapp_url は自動で追加される。
func (r *Renderer) Render(name Template, data map[string]any) (Rendered, error) {
	tpl, ok := r.templates[name]
	if !ok {
		return Rendered{}, fmt.Errorf("未知のテンプレートです: %s", name)
	}

	bindings := liquid.Bindings{
		"site_url":     r.site.SiteURL,
		"whatsapp_url": r.site.WhatsAppURL,
	}
	for k, v := range data {
		bindings[k] = v
	}

	subject, serr := tpl.subject.RenderString(bindings)
	if serr != nil {
		return Rendered{}, fmt.Errorf("件名 %s のレンダリングに失敗しました: %w", name, serr)
	}
	html, serr := tpl.body.RenderString(bindings)
	if serr != nil {
		return Rendered{}, fmt.Errorf("本文 %s のレンダリングに失敗しました: %w", name, serr)
	}

	return Rendered{
		Subject: subject,
		HTML:    html,
		Text:    HTMLToText(html),
	}, nil
}

// Compose はテンプレートをレンダリングして送信用のMessageを組み立てる。
func (r *Renderer) Compose(name Template, from string, to []string, data map[string]any) (Message, error) {
	out, err := r.Render(name, data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		From:    from,
		To:      to,
		Subject: out.Subject,
		HTML:    out.HTML,
		Text:    out.Text,
	}, nil
}

// saoPaulo は運営者向け通知の時刻表示に使うタイムゾーン。
var saoPaulo = loadSaoPaulo()

func loadSaoPaulo() *time.Location {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		return time.FixedZone("BRT", -3*60*60)
	}
	return loc
}

// FormatTimestamp は時刻をサンパウロ時間のブラジル式表記（dd/mm/yyyy, hh:mm:ss）に整形する。
func FormatTimestamp(t time.Time) string {
	return t.In(saoPaulo).Format("02/01/2006, 15:04:05")
}
