package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/marketws/pkg/marketws/protocol"
	"github.com/tsarna/marketws/pkg/marketws/socket"
	"go.uber.org/zap"
)

var sendCmd = &cobra.Command{
	Use:   "send <route> [payload]",
	Short: "Send one request",
	Long: `Connect, send a request on the given route and disconnect. The payload is
sent as JSON when it parses as JSON and as a string otherwise.

With --wait, the command waits for the response referencing the request and
prints its payload.

Examples:
  marketws send "@wfm|user/set-status" '{"status":"invisible"}'
  marketws send --dialect legacy "@WS/USER/SET_STATUS" '"online"'
  marketws send --wait "@wfm|chat/send" '{"chat_id":"c1","text":"hi"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

var (
	sendURL     string
	sendDialect string
	sendWait    bool
	sendTimeout time.Duration
	sendHeaders map[string]string
)

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVar(&sendURL, "url", "", "WebSocket URL (default: the dialect's endpoint)")
	sendCmd.Flags().StringVar(&sendDialect, "dialect", "current", "wire dialect, legacy or current")
	sendCmd.Flags().BoolVar(&sendWait, "wait", false, "wait for the response and print it")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "total operation timeout")
	sendCmd.Flags().StringToStringVarP(&sendHeaders, "header", "H", nil, "extra handshake header, key=value (repeatable)")
}

func runSend(cmd *cobra.Command, args []string) error {
	logger, _, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	return send(ctx, cmd.OutOrStdout(), logger, args)
}

func send(ctx context.Context, out io.Writer, logger *zap.Logger, args []string) error {
	route := args[0]
	var payload any
	if len(args) > 1 {
		payload = parsePayload(args[1])
	}

	dialect, err := protocol.ParseDialect(sendDialect)
	if err != nil {
		return err
	}

	closed := make(chan struct{})
	builder := socket.NewClient().
		WithLogger(logger).
		WithDialect(dialect).
		WithDialTimeout(sendTimeout).
		WithRoutes(func(r *socket.Router) error {
			r.OnDisconnected(socket.HandlerFunc(func(protocol.Envelope, socket.MessageSender) error {
				close(closed)
				return nil
			}))
			return nil
		})
	if sendURL != "" {
		builder.WithURL(sendURL)
	}
	for key, value := range sendHeaders {
		builder.WithHeader(key, value)
	}

	client, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if err := client.Disconnect(); err != nil {
			logger.Debug("Client already disconnected", zap.Error(err))
		}
		select {
		case <-closed:
		case <-ctx.Done():
			logger.Warn("Timed out waiting for the connection to close")
		}
	}()

	if !sendWait {
		id, err := client.SendRequest(route, payload)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		if err := client.Flush(ctx); err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		logger.Info("Request sent", zap.String("route", route), zap.String("id", id))
		return nil
	}

	resp, err := client.Call(ctx, route, payload)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	printed := string(resp.Payload)
	if printed == "" {
		printed = "null"
	}
	fmt.Fprintf(out, "%s\t%s\n", resp.Route, printed)
	return nil
}
