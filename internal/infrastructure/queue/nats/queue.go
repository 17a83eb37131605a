package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/rag-tutor/internal/infrastructure/resilience"
)

const (
	DefaultIngestSubject = "documents.ingested"
	DefaultIndexSubject  = "index.invalidated"
	workersQueueGroup    = "workers"
)

// IndexEvent tells every process holding a similarity index that the
// content store changed underneath it.
type IndexEvent struct {
	Reason string    `json:"reason"`
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

type Queue struct {
	conn         *nats.Conn
	subject      string
	indexSubject string
	origin       string
	executor     *resilience.Executor
}

func New(url, subject string) (*Queue, error) {
	return NewWithOptions(url, subject, Options{})
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	IndexSubject         string
	// Origin identifies this process in published index events.
	Origin string
}

func NewWithOptions(url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	if subject == "" {
		subject = DefaultIngestSubject
	}
	indexSubject := options.IndexSubject
	if indexSubject == "" {
		indexSubject = DefaultIndexSubject
	}

	conn, err := nats.Connect(
		url,
		nats.Name("rag-tutor"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:         conn,
		subject:      subject,
		indexSubject: indexSubject,
		origin:       options.Origin,
		executor:     options.ResilienceExecutor,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishDocumentIngested(ctx context.Context, documentID string) error {
	return q.publish(ctx, q.subject, []byte(documentID))
}

func (q *Queue) PublishIndexInvalidated(ctx context.Context, reason string) error {
	payload, err := encodeIndexEvent(IndexEvent{Reason: reason, Origin: q.origin, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	return q.publish(ctx, q.indexSubject, payload)
}

func (q *Queue) publish(ctx context.Context, subject string, payload []byte) error {
	err := q.executor.Execute(ctx, publishOperation, func(context.Context) error {
		if err := q.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}, classifyNATSError)
	return wrapTemporaryIfNeeded(err)
}

// SubscribeDocumentIngested consumes ingestion jobs in the workers queue
// group, so each job reaches one worker. It blocks until ctx is done.
func (q *Queue) SubscribeDocumentIngested(ctx context.Context, handler func(context.Context, string) error) error {
	return q.subscribe(ctx, q.subject, workersQueueGroup, func(msg *nats.Msg) {
		if err := handler(ctx, string(msg.Data)); err != nil {
			slog.Error("worker_handler_failed", "document_id", string(msg.Data), "error", err)
		}
	})
}

// SubscribeIndexInvalidated delivers every index event to this process.
// Events published by the same origin are skipped. It blocks until ctx is
// done.
func (q *Queue) SubscribeIndexInvalidated(ctx context.Context, handler func(context.Context, IndexEvent)) error {
	return q.subscribe(ctx, q.indexSubject, "", func(msg *nats.Msg) {
		event, err := decodeIndexEvent(msg.Data)
		if err != nil {
			slog.Warn("index_event_invalid", "error", err)
			return
		}
		if q.origin != "" && event.Origin == q.origin {
			return
		}
		handler(ctx, event)
	})
}

func (q *Queue) subscribe(ctx context.Context, subject, group string, cb func(*nats.Msg)) error {
	wrapped := func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		cb(msg)
	}

	var (
		sub *nats.Subscription
		err error
	)
	if group != "" {
		sub, err = q.conn.QueueSubscribe(subject, group, wrapped)
	} else {
		sub, err = q.conn.Subscribe(subject, wrapped)
	}
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func encodeIndexEvent(event IndexEvent) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal index event: %w", err)
	}
	return payload, nil
}

func decodeIndexEvent(raw []byte) (IndexEvent, error) {
	var event IndexEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return IndexEvent{}, fmt.Errorf("unmarshal index event: %w", err)
	}
	return event, nil
}
