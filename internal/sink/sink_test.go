package sink

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"

	"github.com/gyaneshwarpardhi/linkreach/internal/batcher"
	"github.com/gyaneshwarpardhi/linkreach/internal/event"
	"github.com/gyaneshwarpardhi/linkreach/internal/integrity"
	"github.com/gyaneshwarpardhi/linkreach/internal/pubsub"
	"github.com/gyaneshwarpardhi/linkreach/internal/route"
	"github.com/gyaneshwarpardhi/linkreach/internal/storage"
)

var _ integrity.Archiver = (*S3)(nil)

func testBatch(part int) batcher.Batch {
	evs := []*event.Event{{ID: "e1", Type: event.TypeProfileViewed, Timestamp: 1}}
	return batcher.Batch{
		ID:        "b-1",
		Part:      part,
		Parts:     2,
		Events:    evs,
		Payload:   []byte(`[{"eventId":"e1"}]`),
		Encoding:  batcher.EncodingIdentity,
		RawBytes:  18,
		CreatedAt: time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC),
	}
}

type funcSink struct {
	name string
	fn   func(batcher.Batch) error
}

func (f funcSink) Name() string { return f.name }
func (f funcSink) Deliver(_ context.Context, b batcher.Batch) error {
	return f.fn(b)
}

func TestFanout_ContinuesPastFailure(t *testing.T) {
	var got []string
	record := func(name string, err error) Sink {
		return funcSink{name: name, fn: func(batcher.Batch) error {
			got = append(got, name)
			return err
		}}
	}
	cb := Fanout(nil, record("a", nil), record("b", errors.New("down")), record("c", nil))

	err := cb(context.Background(), testBatch(1))
	if err == nil || !strings.Contains(err.Error(), "b: down") {
		t.Fatalf("err = %v", err)
	}
	if strings.Join(got, ",") != "a,b,c" {
		t.Fatalf("delivered to %v", got)
	}
}

func startTestNATS(t *testing.T) string {
	t.Helper()
	s, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("starting nats server: %v", err)
	}
	go s.Start()
	t.Cleanup(s.Shutdown)
	if !s.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	return s.ClientURL()
}

func TestNATS_DeliverAndRelay(t *testing.T) {
	url := startTestNATS(t)

	n, err := NewNATS(url, "")
	if err != nil {
		t.Fatalf("NewNATS: %v", err)
	}
	defer n.Close()

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connecting subscriber: %v", err)
	}
	defer nc.Close()

	batches := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("linkreach.batches", batches)
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer sub.Unsubscribe() //nolint:errcheck
	events := make(chan *nats.Msg, 1)
	sub2, err := nc.ChanSubscribe("linkreach.events.>", events)
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer sub2.Unsubscribe() //nolint:errcheck
	nc.Flush()

	if err := n.Deliver(context.Background(), testBatch(2)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	select {
	case msg := <-batches:
		if msg.Header.Get("Batch-Id") != "b-1" || msg.Header.Get("Batch-Part") != "2" {
			t.Fatalf("headers = %v", msg.Header)
		}
		if string(msg.Data) != `[{"eventId":"e1"}]` {
			t.Fatalf("data = %s", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
	}

	bus := pubsub.New(nil)
	bus.Subscribe(pubsub.All, n.Relay())
	bus.Publish(pubsub.TopicStateChanged, map[string]bool{"isActive": true})

	select {
	case msg := <-events:
		if msg.Subject != "linkreach.events.stateChanged" {
			t.Fatalf("subject = %s", msg.Subject)
		}
		if string(msg.Data) != `{"isActive":true}` {
			t.Fatalf("data = %s", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed event")
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("expected a write deadline")
	}
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafka_Deliver(t *testing.T) {
	w := &fakeWriter{}
	k := NewKafkaWithWriter(w)
	if err := k.Deliver(context.Background(), testBatch(1)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages", len(w.msgs))
	}
	m := w.msgs[0]
	if string(m.Key) != "b-1" || string(m.Value) != `[{"eventId":"e1"}]` {
		t.Fatalf("message = %q / %q", m.Key, m.Value)
	}
	if len(m.Headers) != 3 || string(m.Headers[2].Value) != batcher.EncodingIdentity {
		t.Fatalf("headers = %v", m.Headers)
	}

	w.err = errors.New("broker gone")
	if err := k.Deliver(context.Background(), testBatch(1)); !errors.Is(err, w.err) {
		t.Fatalf("err = %v", err)
	}
}

func TestNewKafka_RequiresTopic(t *testing.T) {
	if _, err := NewKafka([]string{"localhost:9092"}, ""); err == nil {
		t.Fatal("expected error without topic")
	}
}

type fakePutter struct {
	mu   sync.Mutex
	puts map[string]string
	ct   map[string]string
}

func (p *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.puts == nil {
		p.puts, p.ct = map[string]string{}, map[string]string{}
	}
	p.puts[*in.Bucket+"/"+*in.Key] = string(body)
	p.ct[*in.Key] = *in.ContentType
	return &s3.PutObjectOutput{}, nil
}

func TestS3_DeliverAndArchive(t *testing.T) {
	p := &fakePutter{}
	s := NewS3WithClient(p, "bucket", "analytics")

	b := testBatch(1)
	b.Encoding = batcher.EncodingGzip
	if err := s.Deliver(context.Background(), b); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	key := "analytics/batches/2026/04/02/b-1-1.json.gz"
	if _, ok := p.puts["bucket/"+key]; !ok {
		t.Fatalf("objects = %v", p.puts)
	}
	if p.ct[key] != "application/gzip" {
		t.Fatalf("content type = %s", p.ct[key])
	}

	if err := s.Archive(context.Background(), "backups/bk-1.json", []byte(`{}`)); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if p.puts["bucket/analytics/backups/bk-1.json"] != "{}" {
		t.Fatalf("objects = %v", p.puts)
	}
}

func TestStore_LedgerIsBounded(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	s := NewStore(mem, 3)

	for i := 1; i <= 5; i++ {
		if err := s.Deliver(ctx, testBatch(i)); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}
	ledger, err := s.Ledger(ctx)
	if err != nil {
		t.Fatalf("Ledger: %v", err)
	}
	if len(ledger) != 3 || ledger[0].Part != 3 || ledger[2].Part != 5 {
		t.Fatalf("ledger = %+v", ledger)
	}
	if ledger[0].Events != 1 || ledger[0].Bytes != 18 {
		t.Fatalf("entry = %+v", ledger[0])
	}
}

func TestFiltered(t *testing.T) {
	evs := []*event.Event{
		{ID: "e1", Type: event.TypeConnectionSent, Timestamp: 1},
		{ID: "e2", Type: event.TypeProfileViewed, Timestamp: 2},
		{ID: "e3", Type: event.TypeConnectionAccepted, Timestamp: 3},
	}
	b := testBatch(1)
	b.Events = evs

	var got []batcher.Batch
	s := Filtered(funcSink{name: "x", fn: func(b batcher.Batch) error {
		got = append(got, b)
		return nil
	}}, route.MustCompile(`type contains "connection"`))
	if s.Name() != "x" {
		t.Fatalf("name = %q", s.Name())
	}

	if err := s.Deliver(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("deliveries = %d", len(got))
	}
	decoded, err := batcher.Decode(got[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 2 || decoded[0].ID != "e1" || decoded[1].ID != "e3" {
		t.Fatalf("decoded = %+v", decoded)
	}
	if got[0].ID != "b-1" || got[0].RawBytes != len(got[0].Payload) {
		t.Fatalf("batch = %+v", got[0])
	}

	b.Events = evs[1:2]
	if err := s.Deliver(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatal("batch with no matching events should be skipped")
	}
}

func TestFiltered_EmptyRulePassesThrough(t *testing.T) {
	inner := funcSink{name: "x", fn: func(batcher.Batch) error { return nil }}
	if _, ok := Filtered(inner, route.MustCompile("  ")).(funcSink); !ok {
		t.Fatal("empty rule should return the sink unwrapped")
	}
}

func journalBatch(evs ...*event.Event) batcher.Batch {
	return batcher.Batch{ID: "b-j", Part: 1, Parts: 1, Events: evs, CreatedAt: time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)}
}

func validEvent(id string) *event.Event {
	return &event.Event{ID: id, SessionID: "s1", Timestamp: 1_700_000_000_000, Type: event.TypeConnectionSent, Priority: event.PriorityHigh}
}

func TestJournal_SealsValidatedBatch(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	v := integrity.New()
	j := NewJournal(v, integrity.NewTxManager(store, nil, nil), 2)

	dup := validEvent("e1")
	if err := j.Deliver(ctx, journalBatch(validEvent("e1"), dup, validEvent("e2"))); err != nil {
		t.Fatal(err)
	}
	recs, err := j.Records(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if !v.VerifyIntegrity(recs[0]) {
		t.Fatalf("stored record does not verify: %+v", recs[0])
	}
	if evs, _ := recs[0]["events"].([]interface{}); len(evs) != 2 {
		t.Fatalf("journaled %d events, want duplicates dropped to 2", len(evs))
	}

	// the journal keeps only the newest limit records
	for i := 0; i < 3; i++ {
		if err := j.Deliver(ctx, journalBatch(validEvent("e3"))); err != nil {
			t.Fatal(err)
		}
	}
	if recs, _ = j.Records(ctx); len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
}

func TestJournal_RejectsInvalidBatch(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		bad  func(*event.Event)
	}{
		{"missing id", func(ev *event.Event) { ev.ID = "" }},
		{"unknown type", func(ev *event.Event) { ev.Type = "teleported" }},
		{"unknown priority", func(ev *event.Event) { ev.Priority = "urgent" }},
		{"negative count", func(ev *event.Event) { ev.Count = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemory()
			j := NewJournal(integrity.New(), integrity.NewTxManager(store, nil, nil), 0)
			bad := validEvent("e2")
			tt.bad(bad)

			err := j.Deliver(ctx, journalBatch(validEvent("e1"), bad))
			var verr *event.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want *event.ValidationError", err)
			}
			if store.Len() != 0 {
				t.Fatal("a rejected batch must not be written")
			}
		})
	}
}
