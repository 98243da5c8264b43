package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nao1215/notifygw/pkg/httpclient"
	"github.com/nao1215/notifygw/pkg/middleware"
)

func newTokenCmd() *cobra.Command {
	var (
		service string
		secret  string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a service token for the internal API",
		Long:  "Mint an HS256 service token that delivery workers present when reporting status to the gateway.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				secret = os.Getenv("JWT_SECRET")
			}
			token, err := middleware.GenerateServiceToken(secret, service, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "name of the calling service (e.g. email-worker)")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (defaults to $JWT_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func newSendCmd(opts *globalOptions) *cobra.Command {
	var (
		requestID string
		userID    string
		channel   string
		template  string
		data      string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Submit a notification",
		Long:  "Submit a notification. Re-running with the same --request-id never creates a second notification.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload := map[string]any{}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &payload); err != nil {
					return fmt.Errorf("--data must be a JSON object: %w", err)
				}
			}
			if requestID == "" {
				requestID = uuid.NewString()
				fmt.Fprintf(cmd.ErrOrStderr(), "request id: %s\n", requestID)
			}

			body := map[string]any{
				"user_id":       userID,
				"channel":       channel,
				"template_code": template,
				"data":          payload,
			}
			ctx := httpclient.WithRequestID(cmd.Context(), requestID)
			var result map[string]any
			err := opts.client().PostJSON(ctx, "/api/v1/notifications/send", body, &result)
			return printResult(cmd.OutOrStdout(), result, err)
		},
	}
	cmd.Flags().StringVar(&requestID, "request-id", "", "idempotency key (generated when omitted)")
	cmd.Flags().StringVar(&userID, "user", "", "recipient user id")
	cmd.Flags().StringVar(&channel, "channel", "email", "delivery channel (email or push)")
	cmd.Flags().StringVar(&template, "template", "", "template code")
	cmd.Flags().StringVar(&data, "data", "", "template variables as a JSON object")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <request_id>",
		Short: "Show the delivery status of a notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]any
			err := opts.client().GetJSON(cmd.Context(), "/api/v1/notifications/status?request_id="+url.QueryEscape(args[0]), &result)
			return printResult(cmd.OutOrStdout(), result, err)
		},
	}
}

func newRedriveCmd(opts *globalOptions) *cobra.Command {
	var secret string

	cmd := &cobra.Command{
		Use:   "redrive <request_id>",
		Short: "Re-publish a notification that is still queued",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("JWT_SECRET")
			}
			if secret == "" {
				return errors.New("--secret or $JWT_SECRET is required")
			}
			token, err := middleware.GenerateServiceToken(secret, "notifyctl", 5*time.Minute)
			if err != nil {
				return err
			}

			var result map[string]any
			path := "/api/v1/internal/notifications/" + url.PathEscape(args[0]) + "/redrive"
			err = opts.client(httpclient.WithBearerToken(token)).PostJSON(cmd.Context(), path, nil, &result)
			return printResult(cmd.OutOrStdout(), result, err)
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (defaults to $JWT_SECRET)")
	return cmd
}
