package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"txvault/internal/domain"
	"txvault/internal/infrastructure/telemetry"
	"txvault/internal/streaming"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Producer emits backup lifecycle events to the audit topic.
type Producer struct {
	writer *kafka.Writer
	prefix string
}

type ProducerConfig struct {
	Brokers     []string
	TopicPrefix string
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.TopicPrefix) == "" {
		cfg.TopicPrefix = "txvault-audit"
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 500 * time.Millisecond,
	}
	return &Producer{writer: writer, prefix: cfg.TopicPrefix}, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func (p *Producer) PublishSegment(ctx context.Context, network string, chainID uint64, segmentID string, lastBlock uint64, txCount int) error {
	tracer := otel.Tracer("txvault/kafka")
	traceID, traceIDHex, ok := telemetry.NewTraceID()
	if !ok {
		traceIDHex = ""
	}
	traceCtx := ctx
	if ok {
		if spanCtx, ok := telemetry.NewSpanContext(traceID); ok {
			traceCtx = trace.ContextWithSpanContext(ctx, spanCtx)
		}
	}
	traceCtx, span := tracer.Start(traceCtx, "audit.publish_segment", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("network", network),
		attribute.Int64("chain.id", int64(chainID)),
		attribute.String("segment.id", segmentID),
		attribute.Int64("segment.last_block", int64(lastBlock)),
		attribute.Int("segment.transactions", txCount),
	)

	payload, err := streaming.Encode(streaming.Message{
		Type:            streaming.MessageTypeSegment,
		Network:         network,
		ChainID:         chainID,
		TraceID:         traceIDHex,
		SegmentID:       segmentID,
		LastBackupBlock: lastBlock,
		Transactions:    txCount,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	headers := make([]kafka.Header, 0, 2)
	telemetry.InjectKafkaHeaders(traceCtx, &headers)
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   p.topicForNetwork(network),
		Key:     []byte(segmentID),
		Value:   payload,
		Headers: headers,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Producer) PublishRetention(ctx context.Context, network string, chainID uint64, deleted []string) error {
	if len(deleted) == 0 {
		return nil
	}
	payload, err := streaming.Encode(streaming.Message{
		Type:            streaming.MessageTypeRetention,
		Network:         network,
		ChainID:         chainID,
		RemovedSegments: deleted,
	})
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topicForNetwork(network),
		Key:   []byte("retention"),
		Value: payload,
	})
}

func (p *Producer) PublishRecovery(ctx context.Context, network string, chainID uint64, report domain.RecoveryReport) error {
	tracer := otel.Tracer("txvault/kafka")
	ctx, span := tracer.Start(ctx, "audit.publish_recovery", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("network", network),
		attribute.String("recovery.mode", string(report.Mode)),
		attribute.Int("recovery.ingested", report.RecordsIngested),
		attribute.Bool("recovery.valid", report.Valid),
	)

	payload, err := streaming.Encode(streaming.Message{
		Type:            streaming.MessageTypeRecovery,
		Network:         network,
		ChainID:         chainID,
		RecoveryMode:    string(report.Mode),
		RecordsIngested: report.RecordsIngested,
		Valid:           report.Valid,
		Fingerprint:     report.StateFingerprint,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	headers := make([]kafka.Header, 0, 2)
	telemetry.InjectKafkaHeaders(ctx, &headers)
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   p.topicForNetwork(network),
		Key:     []byte(fmt.Sprintf("recovery:%s", report.Mode)),
		Value:   payload,
		Headers: headers,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Producer) topicForNetwork(network string) string {
	return fmt.Sprintf("%s-%s", p.prefix, network)
}
