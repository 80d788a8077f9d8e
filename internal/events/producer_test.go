package events

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("producer", func() {
	It("delivers every event and drains on close", func() {
		w := newTestWriter()
		ep := NewEventProducer(w, WithOutputTopic("assets"))

		Expect(ep.Write(context.TODO(), StatusMessageKind, bytes.NewReader([]byte(`{"a":1}`)))).To(Succeed())
		Expect(ep.WriteSubject(context.TODO(), SecurityAlertMessageKind, "user-1", bytes.NewReader([]byte(`{"b":2}`)))).To(Succeed())

		Eventually(w.count).Should(Equal(2))
		Expect(ep.Close()).To(Succeed())

		events := w.all()
		Expect(events[0].Type()).To(Equal(StatusMessageKind))
		Expect(events[1].Subject()).To(Equal("user-1"))
		Expect(w.topics).To(ConsistOf("assets", "assets"))
		Expect(w.closed).To(BeTrue())
	})
})

var _ = Describe("kafka writer", func() {
	It("publishes the structured event keyed by subject", func() {
		mp := mocks.NewSyncProducer(GinkgoT(), nil)
		mp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			Expect(msg.Topic).To(Equal("assets"))
			key, err := msg.Key.Encode()
			Expect(err).To(BeNil())
			Expect(string(key)).To(Equal("user-9"))

			value, err := msg.Value.Encode()
			Expect(err).To(BeNil())
			var decoded map[string]any
			Expect(json.Unmarshal(value, &decoded)).To(Succeed())
			Expect(decoded["type"]).To(Equal(NotificationMessageKind))
			return nil
		})

		e := cloudevents.NewEvent()
		e.SetID("1")
		e.SetSource(defaultSource)
		e.SetType(NotificationMessageKind)
		e.SetSubject("user-9")
		Expect(e.SetData(cloudevents.ApplicationJSON, map[string]string{"message": "ready"})).To(Succeed())

		kw := NewKafkaWriterFromProducer(mp)
		Expect(kw.Write(context.TODO(), "assets", e)).To(Succeed())
		Expect(kw.Close(context.TODO())).To(Succeed())
	})
})

type testwriter struct {
	mu       sync.Mutex
	messages []cloudevents.Event
	topics   []string
	closed   bool
}

func newTestWriter() *testwriter {
	return &testwriter{}
}

func (t *testwriter) Write(_ context.Context, topic string, e cloudevents.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, e)
	t.topics = append(t.topics, topic)
	return nil
}

func (t *testwriter) Close(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *testwriter) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

func (t *testwriter) all() []cloudevents.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]cloudevents.Event(nil), t.messages...)
}
