package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/marketws/pkg/marketws/bus"
	"github.com/tsarna/marketws/pkg/marketws/config"
	"github.com/tsarna/marketws/pkg/marketws/market"
	"github.com/tsarna/marketws/pkg/marketws/o11y"
	"github.com/tsarna/marketws/pkg/marketws/otel"
	"github.com/tsarna/marketws/pkg/marketws/protocol"
	"github.com/tsarna/marketws/pkg/marketws/socket"
	"github.com/tsarna/marketws/pkg/marketws/subutils"
	"github.com/tsarna/marketws/pkg/marketws/transform"
	"go.uber.org/zap"
)

var listenCmd = &cobra.Command{
	Use:   "listen [routes...]",
	Short: "Print events pushed by the server",
	Long: `Connect, forward the given routes and any routes subscribed in the config
file onto an in-process event bus, and print every event as
"<topic>\t<route>\t<payload>" until interrupted.

Examples:
  marketws listen "@wfm|orders/update"
  marketws listen --dialect legacy "@WS/USER/SET_STATUS"
  marketws listen --config market.hcl --jq '{id: .id, price: .platinum}'`,
	RunE: runListen,
}

var (
	listenURL             string
	listenDialect         string
	listenConfigPaths     []string
	listenJq              string
	listenDelta           bool
	listenDrop            []string
	listenOnly            string
	listenRateLimit       time.Duration
	listenStatus          string
	listenMetricsInterval time.Duration
	listenOtel            bool
)

func init() {
	rootCmd.AddCommand(listenCmd)

	listenCmd.Flags().StringVar(&listenURL, "url", "", "WebSocket URL (default: the dialect's endpoint)")
	listenCmd.Flags().StringVar(&listenDialect, "dialect", "", "wire dialect, legacy or current (default: from config, else current)")
	listenCmd.Flags().StringSliceVarP(&listenConfigPaths, "config", "c", nil, "HCL config file or directory (repeatable)")
	listenCmd.Flags().StringVar(&listenJq, "jq", "", "jq query applied to the payload of routes given as arguments")
	listenCmd.Flags().BoolVar(&listenDelta, "delta", false, "print only what changed since the previous payload on each route")
	listenCmd.Flags().StringSliceVar(&listenDrop, "drop", nil, "do not print events whose topic matches this pattern (repeatable)")
	listenCmd.Flags().StringVar(&listenOnly, "only", "", "print only events whose topic matches this pattern")
	listenCmd.Flags().DurationVar(&listenRateLimit, "rate-limit", 0, "print at most one event per topic in this interval (0 disables)")
	listenCmd.Flags().StringVar(&listenStatus, "status", "", "set the account status after connecting (online, ingame, invisible)")
	listenCmd.Flags().DurationVar(&listenMetricsInterval, "metrics-interval", 0, "log a metrics snapshot at this interval (0 disables)")
	listenCmd.Flags().BoolVar(&listenOtel, "otel", false, "report metrics and traces through the global OpenTelemetry providers")
}

func runListen(cmd *cobra.Command, args []string) error {
	logger, level, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return listen(ctx, cmd.OutOrStdout(), logger, level, levelFromFlags(cmd), args)
}

// listen prints events until ctx is done.
func listen(ctx context.Context, out io.Writer, logger *zap.Logger, level zap.AtomicLevel, levelSet bool, args []string) error {
	cfg, diags := config.NewConfig().
		WithLogger(logger).
		WithSources(stringSliceToAnySlice(listenConfigPaths)...).
		Build()
	if diags.HasErrors() {
		return fmt.Errorf("failed to load config: %w", diags)
	}
	if cfg.LogLevel != nil && !levelSet {
		level.SetLevel(*cfg.LogLevel)
	}

	cliTransforms, err := buildTransforms(logger, listenJq, listenDelta)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics, tracing, stopMetrics := setupObservability(logger)
	defer stopMetrics()

	eb, err := bus.NewEventBus().
		WithLogger(logger).
		WithName("listen").
		WithMetrics(metrics).
		WithTracing(tracing).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	if err := eb.Start(); err != nil {
		return err
	}
	defer eb.Stop()

	async := subutils.NewAsyncQueueingSubscriber(newPrintingSubscriber(out, logger), 1000).
		WithLogger(logger).
		Start()
	defer async.Close()

	var printer bus.Subscriber = async
	if filter := buildOutputFilter(listenDrop, listenOnly, listenRateLimit); filter != nil {
		printer = subutils.NewTransformingSubscriber(async, filter)
	}

	if err := cfg.Subscribe(ctx, eb, printer); err != nil {
		return err
	}

	cliRoutes, err := extraRoutes(cfg.Routes(), args)
	if err != nil {
		return err
	}
	for _, route := range cliRoutes {
		topic, _ := bus.Topic(route)
		if err := eb.Subscribe(ctx, subutils.NewTransformingSubscriber(printer, cliTransforms...), topic); err != nil {
			return err
		}
	}

	lifecycle := subutils.NewNamedLoggingSubscriber(nil, logger, zap.InfoLevel, "lifecycle")
	if err := eb.Subscribe(ctx, lifecycle, protocol.InternalProtocol+"/#"); err != nil {
		return err
	}

	closed := make(chan struct{})
	builder := cfg.ClientBuilder().
		WithRoutes(cfg.RouteSetup(eb)).
		WithRoutes(bus.ForwardRoutes(eb, cliRoutes...)).
		WithRoutes(bus.ForwardLifecycle(eb)).
		WithRoutes(func(r *socket.Router) error {
			r.OnDisconnected(socket.HandlerFunc(func(protocol.Envelope, socket.MessageSender) error {
				close(closed)
				return nil
			}))
			return nil
		}).
		WithErrorHandler(func(err error) {
			logger.Debug("Client error", zap.Error(err))
		}).
		WithMetrics(metrics).
		WithTracing(tracing)
	if listenDialect != "" {
		d, err := protocol.ParseDialect(listenDialect)
		if err != nil {
			return err
		}
		builder.WithDialect(d)
	}
	if listenURL != "" {
		builder.WithURL(listenURL)
	}

	client, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	cfg.SetSender(client)
	cfg.Start()
	defer cfg.Stop()

	// The connection outlives ctx so that shutdown goes through Disconnect.
	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer connCancel()

	if err := client.Connect(connCtx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	logger.Info("Connected",
		zap.String("url", client.URL()),
		zap.Stringer("dialect", client.Dialect()),
		zap.Int("routes", len(cfg.Routes())+len(cliRoutes)),
	)

	if listenStatus != "" {
		go setStatus(ctx, client, logger, market.Status(listenStatus))
	}

	logger.Info("Listening for events... (Press Ctrl+C to exit)")

	select {
	case <-ctx.Done():
		logger.Debug("Interrupted, exiting")
		if err := client.Disconnect(); err != nil {
			logger.Warn("Error during client disconnect", zap.Error(err))
		}
		select {
		case <-closed:
		case <-time.After(5 * time.Second):
			logger.Warn("Timed out waiting for the connection to close")
		}
	case <-closed:
		logger.Warn("Connection closed by peer")
	}

	logger.Info("Shutdown complete")
	return nil
}

func setStatus(ctx context.Context, client *socket.Client, logger *zap.Logger, status market.Status) {
	session, err := market.NewSession(client)
	if err != nil {
		logger.Error("Failed to create session", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := session.SetStatus(ctx, status); err != nil {
		logger.Warn("Failed to set status", zap.String("status", string(status)), zap.Error(err))
		return
	}
	logger.Info("Status set", zap.String("status", string(status)))
}

func setupObservability(logger *zap.Logger) (o11y.MetricsProvider, o11y.TracingProvider, func()) {
	if listenOtel {
		provider := otel.NewProvider("marketws", "")
		return provider, provider, func() {}
	}

	if listenMetricsInterval <= 0 {
		return nil, nil, func() {}
	}

	provider := o11y.NewStandaloneMetricsProvider(logger, &o11y.StandaloneMetricsConfig{
		Interval: listenMetricsInterval,
	})
	if err := provider.Start(); err != nil {
		logger.Warn("Failed to start metrics", zap.Error(err))
	}
	return provider, nil, func() { _ = provider.Stop() }
}

func buildTransforms(logger *zap.Logger, jq string, delta bool) ([]transform.MessageTransformFunc, error) {
	var transforms []transform.MessageTransformFunc
	if delta {
		transforms = append(transforms, transform.DeltaTransform(logger))
	}
	if jq != "" {
		t, err := transform.JqTransform(jq, logger)
		if err != nil {
			return nil, err
		}
		transforms = append(transforms, t)
	}
	return transforms, nil
}

// buildOutputFilter combines the topic filters applied to everything listen
// prints. It returns nil when no filter is set.
func buildOutputFilter(drop []string, only string, rateLimit time.Duration) transform.MessageTransformFunc {
	var filters []transform.MessageTransformFunc
	for _, pattern := range drop {
		filters = append(filters, transform.DropTopicPattern(pattern))
	}
	if only != "" {
		filters = append(filters, transform.OnlyTopicPattern(only))
	}
	if rateLimit > 0 {
		filters = append(filters, transform.RateLimitByTopic(rateLimit))
	}
	if len(filters) == 0 {
		return nil
	}
	return transform.ChainTransforms(filters...)
}

// extraRoutes validates routes and returns those not already in existing,
// compared by protocol and base path.
func extraRoutes(existing, routes []string) ([]string, error) {
	seen := make(map[string]bool)
	for _, route := range existing {
		r, err := protocol.ParseRoute(route)
		if err != nil {
			return nil, err
		}
		seen[baseKey(r)] = true
	}

	var extra []string
	for _, route := range routes {
		r, err := protocol.ParseRoute(route)
		if err != nil {
			return nil, err
		}
		if r.IsInternal() {
			return nil, fmt.Errorf("%q: %w", route, protocol.ErrReservedPath)
		}
		if key := baseKey(r); !seen[key] {
			seen[key] = true
			extra = append(extra, route)
		}
	}
	return extra, nil
}

func baseKey(r protocol.Route) string {
	return r.Protocol + "|" + r.Path
}

type printingSubscriber struct {
	bus.BaseSubscriber
	out    io.Writer
	logger *zap.Logger
}

func newPrintingSubscriber(out io.Writer, logger *zap.Logger) *printingSubscriber {
	return &printingSubscriber{out: out, logger: logger}
}

func (s *printingSubscriber) OnEvent(ctx context.Context, topic string, env protocol.Envelope, fields map[string]string) error {
	payload := string(env.Payload)
	if payload == "" {
		payload = "null"
	}
	if _, err := fmt.Fprintf(s.out, "%s\t%s\t%s\n", topic, env.Route, payload); err != nil {
		s.logger.Warn("Failed to print event", zap.String("topic", topic), zap.Error(err))
	}
	return nil
}

func stringSliceToAnySlice(strs []string) []any {
	anys := make([]any, len(strs))
	for i, s := range strs {
		anys[i] = s
	}
	return anys
}
