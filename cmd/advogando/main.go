// Command advogando はAdvogando para Enfermagemのニュースレター・お問い合わせAPIを起動する。
//
// サブコマンド:
//
//	serve        APIサーバーを起動する（デフォルト）
//	worker       試行記録のクリーンアップと新着記事の告知を実行する
//	migrate      データベースマイグレーションを適用する
//	healthcheck  /health を呼び出し、結果を終了コードで返す
package main

import (
	"fmt"
	"os"

	"github.com/advogando/enfermagem/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "advogando: %v\n", err)
		os.Exit(1)
	}
}
