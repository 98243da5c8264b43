// notifyctlは通知ゲートウェイの運用CLI。
// 通知の送信、配信状態の照会、サービストークンの発行を行う。
package main

import (
	"fmt"
	"os"

	"github.com/nao1215/notifygw/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "notifyctl:", err)
		os.Exit(1)
	}
}
