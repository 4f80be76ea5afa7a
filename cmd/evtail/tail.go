package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/altastream/evsource"
)

var (
	tailEvents    []string
	tailRetryBase time.Duration
	tailRetryMax  time.Duration
	tailNoRetry   bool
	tailWebSocket bool
	tailToken     string
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringArrayVarP(&tailEvents, "event", "e", []string{evsource.EventMessage}, "event name to subscribe to (repeatable)")
	tailCmd.Flags().DurationVar(&tailRetryBase, "retry-base", 0, "base reconnect delay (default from config, else 500ms)")
	tailCmd.Flags().DurationVar(&tailRetryMax, "retry-max", 0, "maximum reconnect delay (default from config, else 30s)")
	tailCmd.Flags().BoolVar(&tailNoRetry, "no-retry", false, "disable automatic reconnection")
	tailCmd.Flags().BoolVar(&tailWebSocket, "ws", false, "connect over WebSocket instead of SSE")
	tailCmd.Flags().StringVar(&tailToken, "token", "", "bearer token (default from config or EVTAIL_TOKEN)")
}

var tailCmd = &cobra.Command{
	Use:   "tail [url]",
	Short: "Subscribe to a stream and print events as they arrive",
	Long:  "Connects to an event stream and prints every subscribed event to stdout.\nThe connection reconnects automatically with exponential backoff until interrupted.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTail,
}

func runTail(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	url := cfg.Default.URL
	if len(args) == 1 {
		url = args[0]
	}
	if url == "" {
		return fmt.Errorf("no stream URL given and none configured (run 'evtail init <url>')")
	}

	token := tailToken
	if token == "" {
		token = os.Getenv("EVTAIL_TOKEN")
	}
	if token == "" {
		token = cfg.Default.Token
	}

	logger := newLogger()
	opts := []evsource.Option{
		evsource.WithLogger(logger),
		evsource.WithStateListener(func(old, new evsource.State) {
			logger.Info().Stringer("from", old).Stringer("to", new).Msg("connection state")
		}),
	}
	if token != "" {
		opts = append(opts, evsource.WithHeader("Authorization", "Bearer "+token))
	}
	if tailWebSocket {
		opts = append(opts, evsource.WithTransportFactory(evsource.WebSocketFactory))
	}

	switch {
	case tailNoRetry || cfg.Retry.Disabled:
		opts = append(opts, evsource.WithRetryDisabled())
	default:
		base, max := tailRetryBase, tailRetryMax
		if base == 0 && cfg.Retry.BaseMs > 0 {
			base = time.Duration(cfg.Retry.BaseMs) * time.Millisecond
		}
		if max == 0 && cfg.Retry.MaxMs > 0 {
			max = time.Duration(cfg.Retry.MaxMs) * time.Millisecond
		}
		if base > 0 || max > 0 {
			opts = append(opts, evsource.WithRetry(base, max))
		}
	}

	conn, err := evsource.NewConnection(url, opts...)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, event := range tailEvents {
		name := event
		conn.On(name, func(payload json.RawMessage) {
			fmt.Printf("%s\t%s\n", name, payload)
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("url", url).Strs("events", tailEvents).Msg("tailing stream, ctrl-c to stop")
	<-ctx.Done()
	return nil
}
