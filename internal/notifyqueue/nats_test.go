package notifyqueue

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dqalarm/internal/config"
	"dqalarm/internal/notify"
	"dqalarm/internal/permanent"
	"dqalarm/test/testutil"

	"github.com/nats-io/nats.go"
)

func newTestQueueConfig(t *testing.T, maxDeliver int, dlq bool) config.NotifyQueue {
	suffix := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return config.NotifyQueue{
		Enabled:       true,
		Subject:       "test.notify." + suffix,
		Stream:        "TEST_NOTIFY_" + suffix,
		ConsumerName:  "test-notify",
		DeliverGroup:  "test-notify-workers",
		DLQSubject:    "test.notify.dlq." + suffix,
		DLQStream:     "TEST_NOTIFY_DLQ_" + suffix,
		AckWaitSec:    2,
		NackDelayMS:   10,
		MaxDeliver:    maxDeliver,
		MaxAckPending: 128,
		DLQ:           dlq,
	}
}

func testEmail(to string) notify.Email {
	return notify.Email{To: to, Subject: "s", Body: "b", TriggerID: "lat.high", AlertID: 3, InAlarm: true}
}

func TestBuildJobIDDeterministic(t *testing.T) {
	t.Parallel()

	a := BuildJobID(testEmail("a@example.org"))
	if a == "" || a != BuildJobID(testEmail("a@example.org")) {
		t.Fatalf("expected deterministic non-empty id, got %q", a)
	}
	if a == BuildJobID(testEmail("b@example.org")) {
		t.Fatalf("expected recipient to change the id")
	}
	other := testEmail("a@example.org")
	other.AlertID = 4
	if a == BuildJobID(other) {
		t.Fatalf("expected alert id to change the id")
	}
}

func TestIsMaxDeliverExceeded(t *testing.T) {
	t.Parallel()

	if isMaxDeliverExceeded(10, -1) {
		t.Fatalf("unlimited deliveries never exceed")
	}
	if isMaxDeliverExceeded(2, 3) || !isMaxDeliverExceeded(3, 3) {
		t.Fatalf("unexpected max deliver classification")
	}
}

func TestNATSProducerWorkerRedelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := newTestQueueConfig(t, 3, false)
	producer, err := NewNATSProducer([]string{natsURL}, cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	var (
		mu       sync.Mutex
		attempts = map[string]int{}
		doneCh   = make(chan Job, 1)
	)
	worker, err := NewNATSWorker([]string{natsURL}, cfg, nil, func(_ context.Context, job Job) error {
		mu.Lock()
		attempts[job.ID]++
		current := attempts[job.ID]
		mu.Unlock()
		if current == 1 {
			return context.DeadlineExceeded
		}
		select {
		case doneCh <- job:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer func() { _ = worker.Close() }()

	if err := producer.Deliver(context.Background(), testEmail("ops@example.org")); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	select {
	case job := <-doneCh:
		if job.Email.To != "ops@example.org" || job.ID != BuildJobID(job.Email) {
			t.Fatalf("unexpected job %+v", job)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for redelivery success")
	}
}

func TestNATSWorkerRoutesPermanentErrorsToDLQ(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := newTestQueueConfig(t, -1, true)
	producer, err := NewNATSProducer([]string{natsURL}, cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	var calls int32
	worker, err := NewNATSWorker([]string{natsURL}, cfg, nil, func(_ context.Context, _ Job) error {
		atomic.AddInt32(&calls, 1)
		return permanent.Errorf("550 no such user")
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	defer func() { _ = worker.Close() }()

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	dlqSub, err := js.SubscribeSync(cfg.DLQSubject, nats.BindStream(cfg.DLQStream))
	if err != nil {
		t.Fatalf("subscribe dlq: %v", err)
	}

	if err := producer.Deliver(context.Background(), testEmail("gone@example.org")); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	msg, err := dlqSub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("wait dlq entry: %v", err)
	}
	var entry DLQEntry
	if err := json.Unmarshal(msg.Data, &entry); err != nil {
		t.Fatalf("decode dlq entry: %v", err)
	}
	if entry.Reason != DLQReasonPermanentError || entry.Job.Email.To != "gone@example.org" {
		t.Fatalf("unexpected dlq entry %+v", entry)
	}
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("permanent errors must not be redelivered, got %d calls", got)
	}
}
