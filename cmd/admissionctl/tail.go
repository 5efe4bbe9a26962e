package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"admission/pkg/eventbus"
)

var newConsumer = func(cfg eventbus.KafkaConfig) (eventbus.Consumer, error) {
	return eventbus.NewKafkaConsumer(cfg)
}

type tailOptions struct {
	brokers string
	topic   string
	group   string
	types   []string
	max     int
	json    bool
}

func newTailCmd() *cobra.Command {
	opts := tailOptions{}
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow admission events (SLO alerts, abuse patterns, breakers) from Kafka",
		Example: `  admissionctl tail --brokers kafka:9092
  admissionctl tail --types slo_alert,abuse_pattern --max 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			consumer, err := newConsumer(eventbus.KafkaConfig{
				Brokers:  strings.Split(opts.brokers, ","),
				Topic:    opts.topic,
				GroupID:  opts.group,
				ClientID: "admissionctl",
			})
			if err != nil {
				return err
			}
			defer func() { _ = consumer.Close() }()
			return tailEvents(ctx, consumer, cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.brokers, "brokers", os.Getenv("KAFKA_BROKERS"), "comma-separated Kafka brokers")
	cmd.Flags().StringVar(&opts.topic, "topic", envOr("KAFKA_ALERT_TOPIC", "admission.events"), "event topic")
	cmd.Flags().StringVar(&opts.group, "group", "admissionctl", "consumer group")
	cmd.Flags().StringSliceVar(&opts.types, "types", nil, "only show these event types")
	cmd.Flags().IntVar(&opts.max, "max", 0, "stop after this many events (0 follows forever)")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print raw envelopes")
	return cmd
}

func tailEvents(ctx context.Context, c eventbus.Consumer, out, errOut io.Writer, opts tailOptions) error {
	want := map[string]bool{}
	for _, t := range opts.types {
		if t = strings.TrimSpace(t); t != "" {
			want[t] = true
		}
	}
	seen := 0
	for opts.max <= 0 || seen < opts.max {
		msg, err := c.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if len(want) > 0 && msg.Type != "" && !want[msg.Type] {
			continue
		}
		env, err := eventbus.Decode(msg)
		if err != nil {
			fmt.Fprintf(errOut, "skipping message: %v\n", err)
			continue
		}
		if len(want) > 0 && !want[env.Type] {
			continue
		}
		seen++
		if opts.json {
			if err := printJSON(out, env); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(out, "%s %-14s %s %s\n", env.At.Format("2006-01-02T15:04:05Z07:00"), env.Type, env.Source, string(env.Data))
	}
	return nil
}
