package model

import "fmt"

// ErrorKind はAPIエラーの分類を表す。
// 各分類はちょうど1つのHTTPステータスに対応する。
type ErrorKind string

const (
	KindMethodNotAllowed ErrorKind = "METHOD_NOT_ALLOWED"
	KindUnauthorized     ErrorKind = "UNAUTHORIZED"
	KindRateLimited      ErrorKind = "RATE_LIMITED"
	KindInvalidInput     ErrorKind = "INVALID_INPUT"
	KindDuplicateEmail   ErrorKind = "DUPLICATE_EMAIL"
	KindInternalError    ErrorKind = "INTERNAL_ERROR"

	// 以下はお問い合わせ・記事告知エンドポイントで使用する。
	KindNotFound         ErrorKind = "NOT_FOUND"
	KindAlreadyBroadcast ErrorKind = "ALREADY_BROADCAST"
	KindDeliveryFailed   ErrorKind = "DELIVERY_FAILED"
)

// APIError は統一エラーフォーマットを表す。
// Titleはレスポンスの"error"フィールド、Messageは"message"フィールドとして
// 利用者にそのまま表示される。内部エラーの詳細は含めない。
type APIError struct {
	Kind    ErrorKind
	Title   string              // エラー見出し（"error"フィールド）
	Message string              // 利用者向けメッセージ（空の場合は省略）
	Details map[string][]string // フィールドごとのバリデーションエラー
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Title)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Title, e.Message)
}

// NewMethodNotAllowedError はPOST以外のメソッドに対するエラーを生成する。
func NewMethodNotAllowedError() *APIError {
	return &APIError{
		Kind:  KindMethodNotAllowed,
		Title: "Método não permitido",
	}
}

// NewUnauthorizedOriginError は許可されていないオリジンからのリクエストに対するエラーを生成する。
func NewUnauthorizedOriginError() *APIError {
	return &APIError{
		Kind:  KindUnauthorized,
		Title: "Origem não autorizada",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Kind:    KindRateLimited,
		Title:   "Muitas tentativas",
		Message: "Você atingiu o limite de inscrições. Aguarde antes de tentar novamente.",
	}
}

// NewInvalidEmailError はメールアドレスの形式エラーを生成する。
// パーサーのエラーメッセージは含めない。
func NewInvalidEmailError() *APIError {
	return &APIError{
		Kind:    KindInvalidInput,
		Title:   "E-mail inválido",
		Message: "Por favor, insira um e-mail válido.",
	}
}

// NewDuplicateEmailError は登録済みメールアドレスのエラーを生成する。
func NewDuplicateEmailError() *APIError {
	return &APIError{
		Kind:    KindDuplicateEmail,
		Title:   "E-mail já cadastrado",
		Message: "Este e-mail já está inscrito na nossa newsletter.",
	}
}

// NewSubscriptionFailedError は購読処理の内部エラーを生成する。
// 詳細はサーバーログのみに記録する。
func NewSubscriptionFailedError() *APIError {
	return &APIError{
		Kind:    KindInternalError,
		Title:   "Erro ao processar inscrição",
		Message: "Ocorreu um erro. Tente novamente mais tarde.",
	}
}

// NewInvalidContactError はお問い合わせフォームのバリデーションエラーを生成する。
func NewInvalidContactError(details map[string][]string) *APIError {
	return &APIError{
		Kind:    KindInvalidInput,
		Title:   "Dados inválidos",
		Details: details,
	}
}

// NewContactFailedError はお問い合わせ処理の内部エラーを生成する。
func NewContactFailedError() *APIError {
	return &APIError{
		Kind:  KindDeliveryFailed,
		Title: "Erro ao processar solicitação",
	}
}

// NewContactRateLimitedError はお問い合わせフォームの送信頻度超過エラーを生成する。
func NewContactRateLimitedError() *APIError {
	return &APIError{
		Kind:    KindRateLimited,
		Title:   "Muitas tentativas",
		Message: "Aguarde alguns instantes antes de enviar uma nova mensagem.",
	}
}

// NewBroadcastUnauthorizedError は記事告知APIの認証エラーを生成する。
func NewBroadcastUnauthorizedError() *APIError {
	return &APIError{
		Kind:  KindUnauthorized,
		Title: "Não autorizado",
	}
}

// NewNotFoundError は存在しないエンドポイントへのリクエストに対するエラーを生成する。
func NewNotFoundError() *APIError {
	return &APIError{
		Kind:  KindNotFound,
		Title: "Recurso não encontrado",
	}
}

// NewBroadcastDisabledError は記事告知APIが無効化されている場合のエラーを生成する。
// エンドポイントの存在を明かさないため、未定義ルートと同じ応答にする。
func NewBroadcastDisabledError() *APIError {
	return NewNotFoundError()
}

// NewInvalidAnnouncementError は記事告知ペイロードのバリデーションエラーを生成する。
func NewInvalidAnnouncementError(details map[string][]string) *APIError {
	return &APIError{
		Kind:    KindInvalidInput,
		Title:   "Dados inválidos",
		Details: details,
	}
}

// NewAlreadyBroadcastError は配信済み記事の再配信エラーを生成する。
func NewAlreadyBroadcastError(postID string) *APIError {
	return &APIError{
		Kind:    KindAlreadyBroadcast,
		Title:   "Newsletter já enviada",
		Message: fmt.Sprintf("O artigo %s já foi enviado aos inscritos.", postID),
	}
}

// NewBroadcastFailedError は記事告知処理の内部エラーを生成する。
func NewBroadcastFailedError() *APIError {
	return &APIError{
		Kind:  KindInternalError,
		Title: "Erro ao enviar newsletter",
	}
}
