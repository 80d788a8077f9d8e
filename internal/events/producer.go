package events

import (
	"context"
	"io"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	StatusMessageKind        string = "asset.pipeline.events.status"
	NotificationMessageKind  string = "asset.pipeline.events.notification"
	SecurityAlertMessageKind string = "asset.pipeline.events.security_alert"
	BatchMessageKind         string = "asset.pipeline.events.batch"
	defaultTopic             string = "asset.pipeline.events"
	defaultSource            string = "stagehand.asset-pipeline"
)

// Writer is the interface to be implemented by the underlying writer.
type Writer interface {
	Write(ctx context.Context, topic string, e cloudevents.Event) error
	Close(ctx context.Context) error
}

// EventProducer buffers events so callers never wait on the writer.
type EventProducer struct {
	buffer   *buffer
	signalCh chan struct{}
	doneCh   chan struct{}
	stopped  chan struct{}
	writer   Writer
	topic    string
	source   string
}

func NewEventProducer(w Writer, opts ...ProducerOptions) *EventProducer {
	ep := &EventProducer{
		buffer:   newBuffer(),
		signalCh: make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
		writer:   w,
		topic:    defaultTopic,
		source:   defaultSource,
	}

	for _, o := range opts {
		o(ep)
	}

	go ep.run()
	return ep
}

func (ep *EventProducer) Write(ctx context.Context, kind string, body io.Reader) error {
	return ep.WriteSubject(ctx, kind, "", body)
}

// WriteSubject queues an event whose subject is used as the partition key.
func (ep *EventProducer) WriteSubject(_ context.Context, kind, subject string, body io.Reader) error {
	d, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	ep.buffer.PushBack(&message{Kind: kind, Subject: subject, Data: d})
	select {
	case ep.signalCh <- struct{}{}:
	default:
	}
	return nil
}

// Close drains pending events and closes the writer.
func (ep *EventProducer) Close() error {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(closeCtx)
	g.Go(func() error {
		close(ep.doneCh)
		select {
		case <-ep.stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
		return ep.writer.Close(ctx)
	})
	if err := g.Wait(); err != nil {
		zap.S().Named("event_producer").Errorw("event producer closed with error", "error", err)
		return err
	}

	zap.S().Named("event_producer").Info("event producer closed")
	return nil
}

func (ep *EventProducer) run() {
	defer close(ep.stopped)
	for {
		msg := ep.buffer.Pop()
		if msg == nil {
			select {
			case <-ep.signalCh:
				continue
			case <-ep.doneCh:
				ep.drain()
				return
			}
		}
		ep.send(msg)
	}
}

func (ep *EventProducer) drain() {
	for msg := ep.buffer.Pop(); msg != nil; msg = ep.buffer.Pop() {
		ep.send(msg)
	}
}

func (ep *EventProducer) send(msg *message) {
	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSource(ep.source)
	e.SetType(msg.Kind)
	if msg.Subject != "" {
		e.SetSubject(msg.Subject)
	}
	_ = e.SetData(*cloudevents.StringOfApplicationJSON(), msg.Data)

	if err := ep.writer.Write(context.TODO(), ep.topic, e); err != nil {
		zap.S().Named("event_producer").Errorw("failed to send message", "error", err, "event_type", msg.Kind)
	}
}
