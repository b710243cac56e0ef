package announce

import "time"

// FetchResult はHTTPステータスコードに基づくフェッチ結果の分類。
type FetchResult int

const (
	// FetchResultOK は正常取得（200）。
	FetchResultOK FetchResult = iota
	// FetchResultNotModified は未変更（304）。
	FetchResultNotModified
	// FetchResultBackoff は一時的なエラー（429, 5xx）。次回の取得を遅らせる。
	FetchResultBackoff
	// FetchResultFailed はその他のエラー（4xxなど）。設定の誤りとして通常間隔で再試行する。
	FetchResultFailed
)

const (
	// maxBackoff はバックオフの上限。
	maxBackoff = 6 * time.Hour
)

// ClassifyHTTPStatus はHTTPステータスコードからフェッチ結果を分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode == 200:
		return FetchResultOK
	case statusCode == 304:
		return FetchResultNotModified
	case statusCode == 429 || statusCode >= 500:
		return FetchResultBackoff
	default:
		return FetchResultFailed
	}
}

// CalculateBackoff は連続エラー回数に応じた待機時間を返す。
// base × 2^consecutiveErrors で増加し、maxBackoff で頭打ちになる。
func CalculateBackoff(base time.Duration, consecutiveErrors int) time.Duration {
	delay := base
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// fetchState はフィード取得の条件付きリクエスト情報とバックオフ状態を保持する。
type fetchState struct {
	etag              string
	lastModified      string
	consecutiveErrors int
	nextFetchAt       time.Time
}

// applyBackoff は連続エラー回数を加算し、次回取得時刻を遅らせる。
func (s *fetchState) applyBackoff(now time.Time, base time.Duration) {
	s.consecutiveErrors++
	s.nextFetchAt = now.Add(CalculateBackoff(base, s.consecutiveErrors-1))
}

// applySuccess は連続エラー回数をリセットする。
func (s *fetchState) applySuccess() {
	s.consecutiveErrors = 0
	s.nextFetchAt = time.Time{}
}

// due は現在時刻で取得を実行してよいかを返す。
func (s *fetchState) due(now time.Time) bool {
	return !now.Before(s.nextFetchAt)
}
