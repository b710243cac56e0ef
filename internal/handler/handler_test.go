package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/advogando/enfermagem/internal/broadcast"
	"github.com/advogando/enfermagem/internal/middleware"
	"github.com/advogando/enfermagem/internal/model"
	"github.com/advogando/enfermagem/internal/newsletter"
)

// --- モック定義 ---

// mockNewsletterService はNewsletterServiceInterfaceのモック実装。
type mockNewsletterService struct {
	subscribeFn func(ctx context.Context, in newsletter.SubscribeInput) (*model.Subscriber, error)
	calls       []newsletter.SubscribeInput
}

func (m *mockNewsletterService) Subscribe(ctx context.Context, in newsletter.SubscribeInput) (*model.Subscriber, error) {
	m.calls = append(m.calls, in)
	if m.subscribeFn != nil {
		return m.subscribeFn(ctx, in)
	}
	return &model.Subscriber{ID: "sub-1", Email: "nurse@example.com", IsActive: true}, nil
}

// mockContactService はContactServiceInterfaceのモック実装。
type mockContactService struct {
	submitFn func(ctx context.Context, body []byte) error
	called   bool
}

func (m *mockContactService) Submit(ctx context.Context, body []byte) error {
	m.called = true
	if m.submitFn != nil {
		return m.submitFn(ctx, body)
	}
	return nil
}

// mockBroadcastService はBroadcastServiceInterfaceのモック実装。
type mockBroadcastService struct {
	announceFn func(ctx context.Context, ann model.PostAnnouncement) (*broadcast.Result, error)
	got        *model.PostAnnouncement
}

func (m *mockBroadcastService) Announce(ctx context.Context, ann model.PostAnnouncement) (*broadcast.Result, error) {
	m.got = &ann
	if m.announceFn != nil {
		return m.announceFn(ctx, ann)
	}
	return &broadcast.Result{Message: "No subscribers to notify"}, nil
}

// mockHealthChecker はHealthCheckerのモック実装。
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

// --- テストヘルパー ---

const testOrigin = "https://advogandoparaenfermagem.com.br"

type testDeps struct {
	newsletter *mockNewsletterService
	contact    *mockContactService
	broadcast  *mockBroadcastService
	health     *mockHealthChecker
}

func newTestRouter(t *testing.T, apiKey string) (http.Handler, *testDeps) {
	t.Helper()
	d := &testDeps{
		newsletter: &mockNewsletterService{},
		contact:    &mockContactService{},
		broadcast:  &mockBroadcastService{},
		health:     &mockHealthChecker{},
	}
	limiter := middleware.NewRateLimiter(middleware.PerMinuteRateLimiterConfig(2))
	t.Cleanup(limiter.Stop)

	router := NewRouter(&RouterDeps{
		AllowedOrigins:     []string{testOrigin},
		ContactRateLimiter: limiter,
		HealthChecker:      d.health,
		NewsletterService:  d.newsletter,
		ContactService:     d.contact,
		BroadcastService:   d.broadcast,
		BroadcastAPIKey:    apiKey,
	})
	return router, d
}

func doRequest(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v (raw: %s)", err, w.Body.String())
	}
	return body
}

func decodeSuccess(t *testing.T, w *httptest.ResponseRecorder) successResponse {
	t.Helper()
	var body successResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode success body: %v (raw: %s)", err, w.Body.String())
	}
	return body
}

// --- /newsletter-subscribe ---

func TestNewsletterSubscribe_Success(t *testing.T) {
	router, d := newTestRouter(t, "")

	w := doRequest(router, http.MethodPost, "/newsletter-subscribe", `{"email":"nurse@example.com"}`, map[string]string{
		"Origin":          testOrigin,
		"X-Forwarded-For": "203.0.113.7, 10.0.0.1",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body: %s)", w.Code, http.StatusOK, w.Body.String())
	}
	body := decodeSuccess(t, w)
	if !body.Success || body.Message != "Inscrição realizada com sucesso!" {
		t.Errorf("body = %+v", body)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != testOrigin {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, testOrigin)
	}
	if len(d.newsletter.calls) != 1 {
		t.Fatalf("Subscribe called %d times, want 1", len(d.newsletter.calls))
	}
	if got := d.newsletter.calls[0].ClientIP; got != "203.0.113.7" {
		t.Errorf("ClientIP = %q, want %q", got, "203.0.113.7")
	}
	if got := string(d.newsletter.calls[0].Body); got != `{"email":"nurse@example.com"}` {
		t.Errorf("Body = %q", got)
	}
}

func TestNewsletterSubscribe_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"レート制限", model.NewRateLimitedError(), http.StatusTooManyRequests, "Muitas tentativas"},
		{"不正なメールアドレス", model.NewInvalidEmailError(), http.StatusBadRequest, "E-mail inválido"},
		{"登録済み", model.NewDuplicateEmailError(), http.StatusConflict, "E-mail já cadastrado"},
		{"内部エラー", model.NewSubscriptionFailedError(), http.StatusInternalServerError, "Erro ao processar inscrição"},
		{"APIError以外", errors.New("boom"), http.StatusInternalServerError, "Erro ao processar inscrição"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, d := newTestRouter(t, "")
			d.newsletter.subscribeFn = func(ctx context.Context, in newsletter.SubscribeInput) (*model.Subscriber, error) {
				return nil, tt.err
			}

			w := doRequest(router, http.MethodPost, "/newsletter-subscribe", `{"email":"x"}`, map[string]string{"Origin": testOrigin})

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			body := decodeError(t, w)
			if body.Error != tt.wantError {
				t.Errorf("error = %q, want %q", body.Error, tt.wantError)
			}
			if strings.Contains(w.Body.String(), "boom") {
				t.Error("内部エラーの詳細がレスポンスに含まれてはならない")
			}
		})
	}
}

func TestNewsletterSubscribe_MethodAndOrigin(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		headers    map[string]string
		wantStatus int
	}{
		{"プリフライト", http.MethodOptions, map[string]string{"Origin": testOrigin}, http.StatusOK},
		{"GETは405", http.MethodGet, map[string]string{"Origin": testOrigin}, http.StatusMethodNotAllowed},
		{"未許可オリジンは403", http.MethodPost, map[string]string{"Origin": "https://evil.example"}, http.StatusForbidden},
		{"サーバー間呼び出しは許可", http.MethodPost, map[string]string{"apikey": "anon"}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, d := newTestRouter(t, "")

			w := doRequest(router, tt.method, "/newsletter-subscribe", `{"email":"nurse@example.com"}`, tt.headers)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			wantCalled := tt.method == http.MethodPost && tt.wantStatus == http.StatusOK
			if (len(d.newsletter.calls) == 1) != wantCalled {
				t.Errorf("Subscribe called = %d, want called %v", len(d.newsletter.calls), wantCalled)
			}
			if w.Header().Get("Access-Control-Allow-Headers") == "" {
				t.Error("CORSヘッダーが付与されていない")
			}
		})
	}
}

// --- /contact ---

func TestContact_Success(t *testing.T) {
	router, d := newTestRouter(t, "")

	w := doRequest(router, http.MethodPost, "/contact", `{"name":"Ana"}`, map[string]string{"Origin": testOrigin})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if body := decodeSuccess(t, w); body.Message != "Emails enviados com sucesso" {
		t.Errorf("message = %q", body.Message)
	}
	if !d.contact.called {
		t.Error("Submit が呼ばれていない")
	}
}

func TestContact_ValidationError(t *testing.T) {
	router, d := newTestRouter(t, "")
	d.contact.submitFn = func(ctx context.Context, body []byte) error {
		return model.NewInvalidContactError(map[string][]string{"name": {"Nome é obrigatório"}})
	}

	w := doRequest(router, http.MethodPost, "/contact", `{}`, map[string]string{"Origin": testOrigin})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	body := decodeError(t, w)
	if body.Error != "Dados inválidos" {
		t.Errorf("error = %q", body.Error)
	}
	if got := body.Details["name"]; len(got) != 1 || got[0] != "Nome é obrigatório" {
		t.Errorf("details[name] = %v", got)
	}
}

func TestContact_DeliveryFailure(t *testing.T) {
	router, d := newTestRouter(t, "")
	d.contact.submitFn = func(ctx context.Context, body []byte) error {
		return model.NewContactFailedError()
	}

	w := doRequest(router, http.MethodPost, "/contact", `{}`, map[string]string{"Origin": testOrigin})

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if body := decodeError(t, w); body.Error != "Erro ao processar solicitação" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestContact_RejectsServerToServer(t *testing.T) {
	router, d := newTestRouter(t, "")

	w := doRequest(router, http.MethodPost, "/contact", `{}`, map[string]string{"Authorization": "Bearer token"})

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if d.contact.called {
		t.Error("Submit が呼ばれてはならない")
	}
}

func TestContact_RateLimited(t *testing.T) {
	router, _ := newTestRouter(t, "")
	headers := map[string]string{"Origin": testOrigin, "X-Real-IP": "198.51.100.20"}

	for i := 0; i < 2; i++ {
		if w := doRequest(router, http.MethodPost, "/contact", `{}`, headers); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	w := doRequest(router, http.MethodPost, "/contact", `{}`, headers)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After ヘッダーが必要")
	}
}

// --- /send-newsletter ---

func TestSendNewsletter_Disabled(t *testing.T) {
	router, d := newTestRouter(t, "")

	w := doRequest(router, http.MethodPost, "/send-newsletter", `{"title":"t","slug":"s"}`, map[string]string{
		"Authorization": "Bearer ",
	})

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if d.broadcast.got != nil {
		t.Error("Announce が呼ばれてはならない")
	}
}

func TestSendNewsletter_Authorization(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"ヘッダーなし", "", http.StatusForbidden},
		{"トークン不一致", "Bearer wrong", http.StatusForbidden},
		{"Bearer以外", "Basic secret-key", http.StatusForbidden},
		{"一致", "Bearer secret-key", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(t, "secret-key")

			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			w := doRequest(router, http.MethodPost, "/send-newsletter", `{"title":"t","slug":"s"}`, headers)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestSendNewsletter_Success(t *testing.T) {
	router, d := newTestRouter(t, "secret-key")
	d.broadcast.announceFn = func(ctx context.Context, ann model.PostAnnouncement) (*broadcast.Result, error) {
		return &broadcast.Result{
			Message: "Newsletter enviada para 2 inscritos",
			Stats:   &model.BroadcastStats{Successful: 2, Failed: 1, Total: 3},
		}, nil
	}

	w := doRequest(router, http.MethodPost, "/send-newsletter",
		`{"post_id":"42","title":"Direitos","slug":"direitos","excerpt":"<b>x</b>"}`,
		map[string]string{"Authorization": "Bearer secret-key"})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body: %s)", w.Code, http.StatusOK, w.Body.String())
	}
	body := decodeSuccess(t, w)
	if body.Stats == nil || body.Stats.Successful != 2 || body.Stats.Failed != 1 || body.Stats.Total != 3 {
		t.Errorf("stats = %+v", body.Stats)
	}
	if d.broadcast.got == nil || d.broadcast.got.PostID != "42" || d.broadcast.got.Slug != "direitos" {
		t.Errorf("announcement = %+v", d.broadcast.got)
	}
}

func TestSendNewsletter_NoSubscribersOmitsStats(t *testing.T) {
	router, _ := newTestRouter(t, "secret-key")

	w := doRequest(router, http.MethodPost, "/send-newsletter", `{"title":"t","slug":"s"}`,
		map[string]string{"Authorization": "Bearer secret-key"})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if strings.Contains(w.Body.String(), "stats") {
		t.Errorf("body should not contain stats: %s", w.Body.String())
	}
}

func TestSendNewsletter_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{"不正なJSON", `{`, nil, http.StatusBadRequest},
		{"検証エラー", `{}`, model.NewInvalidAnnouncementError(map[string][]string{"title": {"Título é obrigatório"}}), http.StatusBadRequest},
		{"配信済み", `{"title":"t","slug":"s"}`, model.NewAlreadyBroadcastError("s"), http.StatusConflict},
		{"内部エラー", `{"title":"t","slug":"s"}`, model.NewBroadcastFailedError(), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, d := newTestRouter(t, "secret-key")
			d.broadcast.announceFn = func(ctx context.Context, ann model.PostAnnouncement) (*broadcast.Result, error) {
				return nil, tt.err
			}

			w := doRequest(router, http.MethodPost, "/send-newsletter", tt.body,
				map[string]string{"Authorization": "Bearer secret-key"})

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body: %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestSendNewsletter_WrongMethod(t *testing.T) {
	router, _ := newTestRouter(t, "secret-key")

	w := doRequest(router, http.MethodGet, "/send-newsletter", "", nil)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
	if body := decodeError(t, w); body.Error != "Método não permitido" {
		t.Errorf("error = %q", body.Error)
	}
}

// --- /health, 未定義ルート ---

func TestHealth(t *testing.T) {
	router, d := newTestRouter(t, "")

	if w := doRequest(router, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	d.health.err = errors.New("connection refused")
	if w := doRequest(router, http.MethodGet, "/health", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestNotFound(t *testing.T) {
	router, _ := newTestRouter(t, "")

	w := doRequest(router, http.MethodPost, "/unknown", "", nil)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}

func TestRouter_RecoversPanics(t *testing.T) {
	router, d := newTestRouter(t, "")
	d.contact.submitFn = func(ctx context.Context, body []byte) error {
		panic("unexpected")
	}

	w := doRequest(router, http.MethodPost, "/contact", `{}`, map[string]string{"Origin": testOrigin})

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestMapAPIErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		kind model.ErrorKind
		want int
	}{
		{model.KindMethodNotAllowed, http.StatusMethodNotAllowed},
		{model.KindUnauthorized, http.StatusForbidden},
		{model.KindRateLimited, http.StatusTooManyRequests},
		{model.KindInvalidInput, http.StatusBadRequest},
		{model.KindDuplicateEmail, http.StatusConflict},
		{model.KindInternalError, http.StatusInternalServerError},
		{model.KindNotFound, http.StatusNotFound},
		{model.KindAlreadyBroadcast, http.StatusConflict},
		{model.KindDeliveryFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := mapAPIErrorToHTTPStatus(&model.APIError{Kind: tt.kind}); got != tt.want {
			t.Errorf("mapAPIErrorToHTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
