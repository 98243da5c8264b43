package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/notifygw/pkg/httpclient"
)

var (
	version = "dev"
	commit  = "none"
)

// globalOptions は全サブコマンド共通のフラグ。
type globalOptions struct {
	baseURL string
	timeout time.Duration
}

func (o *globalOptions) client(opts ...httpclient.Option) *httpclient.Client {
	return httpclient.New(o.baseURL, append([]httpclient.Option{httpclient.WithTimeout(o.timeout)}, opts...)...)
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "notifyctl",
		Short:         "Operate the notification gateway",
		Long:          "notifyctl submits notifications, queries their delivery status and mints service tokens for the notification gateway.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.baseURL, "url", envOr("NOTIFYGW_URL", "http://localhost:8080"), "gateway base URL")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newSendCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newRedriveCmd(opts))
	return cmd
}

// NewRootCmdForTest はテスト用にルートコマンドを返す。
func NewRootCmdForTest() *cobra.Command {
	return newRootCmd()
}

// Execute はnotifyctlを実行する。
func Execute() error {
	return newRootCmd().Execute()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show notifyctl version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "notifyctl %s (%s)\n", version, commit)
			return nil
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// printResult は応答を整形して出力する。
// ゲートウェイがエラー応答を返した場合もボディを出力してからエラーを返す。
func printResult(w io.Writer, result any, err error) error {
	if err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) {
			_, _ = w.Write(se.Body)
			if len(se.Body) > 0 && se.Body[len(se.Body)-1] != '\n' {
				_, _ = io.WriteString(w, "\n")
			}
			return fmt.Errorf("gateway returned %d", se.StatusCode)
		}
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
