package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/feedback-gateway/internal/bootstrap"
	"github.com/jmehdipour/feedback-gateway/internal/ingest"
	"github.com/jmehdipour/feedback-gateway/internal/kafka"
	"github.com/jmehdipour/feedback-gateway/internal/metrics"
	"github.com/jmehdipour/feedback-gateway/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var withDLQ bool

// NewWorkerCmd returns the parent "worker" command with its subcommands.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}

	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Consume events.ingest and correlate events into issues",
		RunE:  runIngest,
	}
	ingestCmd.Flags().BoolVar(&withDLQ, "dlq", true, "publish poison messages to <topic>.dlq before skipping them")
	cmd.AddCommand(ingestCmd)

	return cmd
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Load(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())
	cfg, log := rt.Config, rt.Log

	metrics.MustRegister(prometheus.DefaultRegisterer)

	corr, err := rt.Correlator()
	if err != nil {
		return err
	}
	dec, err := ingest.NewDecoder()
	if err != nil {
		return err
	}

	topic := cfg.Kafka.Topic
	if topic == "" {
		topic = worker.IngestTopic
	}
	groupID := cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "fbgw-ingest"
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is empty")
	}

	consumer := kafka.NewConsumerFromConfig(kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       cfg.Kafka.MinBytes,
		MaxBytes:       cfg.Kafka.MaxBytes,
		CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
	})
	defer consumer.Close()

	w := worker.NewIngestWorker(consumer, dec, corr, log)
	if cfg.Ingest.Workers > 0 {
		w.Workers = cfg.Ingest.Workers
	}
	if withDLQ {
		dlq := kafka.NewProducer(cfg.Kafka.Brokers, topic+".dlq")
		defer dlq.Close()
		w.DLQ = dlq
	}

	log.Info("ingest worker started",
		zap.String("topic", topic),
		zap.String("group", groupID),
		zap.Int("workers", w.Workers),
		zap.String("store", cfg.Store.Driver))

	return w.Run(ctx)
}
