package sender

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/obsidianstack/emitter/agent/internal/config"
	"github.com/obsidianstack/emitter/agent/internal/connection"
	"github.com/obsidianstack/emitter/agent/internal/identity"
	"github.com/obsidianstack/emitter/agent/internal/queue"
	"github.com/obsidianstack/emitter/pkg/mockcollector"
	"github.com/obsidianstack/emitter/pkg/types"
)

// --- fakes ---

type fixedIdentity types.Identity

func (f fixedIdentity) Identity() types.Identity { return types.Identity(f) }

type fakePoster struct {
	mu       sync.Mutex
	outcomes []types.Outcome // consumed in order; Delivered once exhausted
	posted   []types.Record
	ids      []types.Identity
}

func (p *fakePoster) PostForm(_ context.Context, r types.Record, id types.Identity) types.Delivery {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posted = append(p.posted, r)
	p.ids = append(p.ids, id)
	out := types.Delivered
	if len(p.outcomes) > 0 {
		out, p.outcomes = p.outcomes[0], p.outcomes[1:]
	}
	if out == types.Rejected {
		return types.Delivery{Outcome: types.Rejected, StatusCode: http.StatusNotFound}
	}
	return types.Delivery{Outcome: types.Delivered, StatusCode: http.StatusOK}
}

type fakeQueue struct {
	mu       sync.Mutex
	err      error
	appended []types.Record
}

func (q *fakeQueue) Append(r types.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.appended = append(q.appended, r)
	return nil
}

var testID = fixedIdentity{Fingerprint: "fp-1", Machine: 42}

func rec(msg string) types.Record {
	return types.NewRecord(types.Field{Key: "message", Value: msg})
}

// --- unit tests ---

func TestSend_DeliveredIsNotQueued(t *testing.T) {
	p := &fakePoster{}
	q := &fakeQueue{}
	s := New(testID, p, q)

	if err := s.Send(context.Background(), rec("a")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(q.appended) != 0 {
		t.Errorf("queue got %d records, want 0", len(q.appended))
	}
	if got := s.Stats(); got.Delivered != 1 || got.Queued != 0 {
		t.Errorf("Stats() = %+v", got)
	}
	if p.ids[0] != types.Identity(testID) {
		t.Errorf("identity = %+v, want %+v", p.ids[0], testID)
	}
}

func TestSend_RejectedIsQueued(t *testing.T) {
	p := &fakePoster{outcomes: []types.Outcome{types.Rejected}}
	q := &fakeQueue{}
	s := New(testID, p, q)

	if err := s.Send(context.Background(), rec("a")); err != nil {
		t.Fatalf("Send() error = %v, want nil for a queued record", err)
	}
	if len(q.appended) != 1 || !q.appended[0].Equal(rec("a")) {
		t.Fatalf("queue = %v, want [a]", q.appended)
	}
	// The queued record carries no identity fields.
	if _, ok := q.appended[0].Get("fingerprint"); ok {
		t.Error("queued record has a fingerprint field")
	}
	if got := s.Stats(); got.Queued != 1 || got.Delivered != 0 {
		t.Errorf("Stats() = %+v", got)
	}
}

func TestSend_QueueFailure(t *testing.T) {
	ioErr := errors.New("disk full")
	p := &fakePoster{outcomes: []types.Outcome{types.Rejected}}
	s := New(testID, p, &fakeQueue{err: ioErr})

	err := s.Send(context.Background(), rec("a"))
	if !errors.Is(err, ErrNotQueued) {
		t.Fatalf("Send() error = %v, want ErrNotQueued", err)
	}
	if !errors.Is(err, ioErr) {
		t.Errorf("Send() error = %v, want it to wrap the IO error", err)
	}
	if got := s.Stats(); got.Failed != 1 {
		t.Errorf("Stats().Failed = %d, want 1", got.Failed)
	}
}

func TestSend_CancelledBeforePosting(t *testing.T) {
	p := &fakePoster{outcomes: []types.Outcome{types.Rejected}}
	q := &fakeQueue{}
	s := New(testID, p, q)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Send(ctx, rec("a"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Send() error = %v, want context.Canceled", err)
	}
	if len(p.posted) != 0 {
		t.Errorf("poster got %d records after cancellation, want 0", len(p.posted))
	}
	if len(q.appended) != 0 {
		t.Errorf("queue got %d records after cancellation, want 0", len(q.appended))
	}
	if got := s.Stats(); got.Cancelled != 1 {
		t.Errorf("Stats().Cancelled = %d, want 1", got.Cancelled)
	}
}

// cancellingPoster cancels the send while the request is in flight and
// reports the rejection a transport would.
type cancellingPoster struct {
	cancel context.CancelFunc
	calls  int
}

func (p *cancellingPoster) PostForm(ctx context.Context, _ types.Record, _ types.Identity) types.Delivery {
	p.calls++
	p.cancel()
	return types.Delivery{Outcome: types.Rejected, Reason: ctx.Err()}
}

func TestSend_CancelledDuringPost(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &cancellingPoster{cancel: cancel}
	q := &fakeQueue{}
	s := New(testID, p, q)

	if err := s.Send(ctx, rec("a")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Send() error = %v, want context.Canceled", err)
	}
	if p.calls != 1 {
		t.Errorf("PostForm called %d times, want 1", p.calls)
	}
	if len(q.appended) != 0 {
		t.Errorf("queue got %d records, want 0", len(q.appended))
	}
	if got := s.Stats(); got.Cancelled != 1 || got.Queued != 0 {
		t.Errorf("Stats() = %+v, want 1 cancelled", got)
	}
}

func TestSend_ZeroDeliveryIsQueued(t *testing.T) {
	q := &fakeQueue{}
	s := New(testID, zeroPoster{}, q)

	if err := s.Send(context.Background(), rec("a")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(q.appended) != 1 {
		t.Errorf("queue got %d records, want 1", len(q.appended))
	}
}

type zeroPoster struct{}

func (zeroPoster) PostForm(context.Context, types.Record, types.Identity) types.Delivery {
	return types.Delivery{}
}

func TestSend_InvalidRecord(t *testing.T) {
	p := &fakePoster{}
	q := &fakeQueue{}
	s := New(testID, p, q)

	bad := types.NewRecord(types.Field{Key: "x", Value: map[string]int{"a": 1}})
	if err := s.Send(context.Background(), bad); !errors.Is(err, types.ErrUnsupportedValue) {
		t.Fatalf("Send() error = %v, want ErrUnsupportedValue", err)
	}
	if len(p.posted) != 0 || len(q.appended) != 0 {
		t.Errorf("invalid record reached poster (%d) or queue (%d)", len(p.posted), len(q.appended))
	}
}

func TestSendAsync(t *testing.T) {
	p := &fakePoster{outcomes: []types.Outcome{types.Rejected}}
	q := &fakeQueue{}
	s := New(testID, p, q)

	select {
	case err := <-s.SendAsync(context.Background(), rec("a")):
		if err != nil {
			t.Fatalf("SendAsync() result = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendAsync() did not complete")
	}
	if len(q.appended) != 1 {
		t.Errorf("queue got %d records, want 1", len(q.appended))
	}
}

func TestSend_Concurrent(t *testing.T) {
	outcomes := make([]types.Outcome, 0, 20)
	for i := 0; i < 20; i++ {
		outcomes = append(outcomes, types.Outcome(i%2))
	}
	p := &fakePoster{outcomes: outcomes}
	q := &fakeQueue{}
	s := New(testID, p, q)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Send(context.Background(), rec("x")); err != nil {
				t.Errorf("Send() error = %v", err)
			}
		}()
	}
	wg.Wait()

	st := s.Stats()
	if st.Delivered != 10 || st.Queued != 10 {
		t.Errorf("Stats() = %+v, want 10 delivered and 10 queued", st)
	}
	if len(q.appended) != 10 {
		t.Errorf("queue has %d records, want 10", len(q.appended))
	}
}

// --- end to end against the mock collector ---

type stack struct {
	coll   *mockcollector.Collector
	queue  *queue.Queue
	sender *Sender
}

func newStack(t *testing.T, b mockcollector.Behavior) stack {
	t.Helper()
	coll := mockcollector.New(mockcollector.Options{Behavior: b})
	srv := httptest.NewServer(coll)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "endpoint.json"),
		[]byte(`{"endpoint": "`+srv.URL+`"}`), 0o600); err != nil {
		t.Fatalf("write endpoint file: %v", err)
	}
	cfg := config.Defaults()
	cfg.DataDir = dir

	conn, err := connection.New(cfg)
	if err != nil {
		t.Fatalf("connection.New() error = %v", err)
	}
	q, err := queue.Open(cfg.StoragePath())
	if err != nil {
		t.Fatalf("queue.Open() error = %v", err)
	}
	return stack{
		coll:   coll,
		queue:  q,
		sender: New(identity.New(cfg.FingerprintPath()), conn, q),
	}
}

func (st stack) queued(t *testing.T) []types.Record {
	t.Helper()
	recs, err := st.queue.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return recs
}

func sendAll(t *testing.T, s *Sender, msgs ...string) {
	t.Helper()
	for _, m := range msgs {
		if err := s.Send(context.Background(), rec(m)); err != nil {
			t.Fatalf("Send(%s) error = %v", m, err)
		}
	}
}

func payloadMessages(t *testing.T, coll *mockcollector.Collector) []string {
	t.Helper()
	var out []string
	for _, msg := range coll.Messages() {
		p, ok := mockcollector.Payload(msg, config.DefaultFormParamName)
		if !ok {
			t.Fatalf("message %s has no %q member", msg, config.DefaultFormParamName)
		}
		v, _ := p.Get("message")
		out = append(out, v.(string))
	}
	return out
}

func TestEndToEnd_AlwaysAccept(t *testing.T) {
	st := newStack(t, mockcollector.AlwaysAccept)
	sendAll(t, st.sender, "R1", "R2")

	if got := st.queued(t); len(got) != 0 {
		t.Errorf("queue = %v, want empty", got)
	}
	if got := payloadMessages(t, st.coll); len(got) != 2 || got[0] != "R1" || got[1] != "R2" {
		t.Errorf("collector got %v, want [R1 R2]", got)
	}
}

func TestEndToEnd_AlwaysReject(t *testing.T) {
	st := newStack(t, mockcollector.AlwaysReject)
	sendAll(t, st.sender, "R1", "R2")

	got := st.queued(t)
	if len(got) != 2 || !got[0].Equal(rec("R1")) || !got[1].Equal(rec("R2")) {
		t.Errorf("queue = %v, want [R1 R2]", got)
	}
	if len(st.coll.Messages()) != 0 {
		t.Errorf("collector accepted %d messages, want 0", len(st.coll.Messages()))
	}
}

func TestEndToEnd_SometimesReject(t *testing.T) {
	st := newStack(t, mockcollector.SometimesReject)
	sendAll(t, st.sender, "A", "B", "C", "D")

	if got := payloadMessages(t, st.coll); len(got) != 2 || got[0] != "A" || got[1] != "D" {
		t.Errorf("delivered %v, want [A D]", got)
	}
	q := st.queued(t)
	if len(q) != 2 || !q[0].Equal(rec("B")) || !q[1].Equal(rec("C")) {
		t.Errorf("queue = %v, want [B C]", q)
	}
}

func TestEndToEnd_IdentityStable(t *testing.T) {
	st := newStack(t, mockcollector.AlwaysAccept)
	sendAll(t, st.sender, "R1", "R2", "R3")

	var fp, machine any
	for i, msg := range st.coll.Messages() {
		p, _ := mockcollector.Payload(msg, config.DefaultFormParamName)
		gotFP, ok := p.Get("fingerprint")
		if !ok {
			t.Fatalf("message %d has no fingerprint", i)
		}
		gotMachine, ok := p.Get("machine")
		if !ok {
			t.Fatalf("message %d has no machine", i)
		}
		if i == 0 {
			fp, machine = gotFP, gotMachine
			continue
		}
		if gotFP != fp || gotMachine != machine {
			t.Errorf("message %d identity (%v, %v) differs from (%v, %v)", i, gotFP, gotMachine, fp, machine)
		}
	}
}

func TestEndToEnd_CancelledNotQueued(t *testing.T) {
	st := newStack(t, mockcollector.AlwaysAccept)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := st.sender.Send(ctx, rec("late")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Send() error = %v, want context.Canceled", err)
	}
	if got := st.queued(t); len(got) != 0 {
		t.Errorf("queue = %v, want empty", got)
	}
	if n := len(st.coll.Messages()); n != 0 {
		t.Errorf("collector accepted %d messages after cancellation, want 0", n)
	}
	if n := st.coll.Calls(); n != 0 {
		t.Errorf("collector saw %d calls after cancellation, want 0", n)
	}
}

func TestEndToEnd_CorruptQueueIsNotOverwritten(t *testing.T) {
	st := newStack(t, mockcollector.AlwaysReject)
	sendAll(t, st.sender, "R1")

	// Damage the file after the queue was opened; the next append must
	// refuse to replace it.
	corrupt := []byte(`[{"message":"R1"},{"mess`)
	if err := os.WriteFile(st.queue.Path(), corrupt, 0o600); err != nil {
		t.Fatalf("write queue file: %v", err)
	}

	err := st.sender.Send(context.Background(), rec("R2"))
	if !errors.Is(err, ErrNotQueued) || !errors.Is(err, queue.ErrCorrupt) {
		t.Fatalf("Send() error = %v, want ErrNotQueued wrapping queue.ErrCorrupt", err)
	}
	after, err := os.ReadFile(st.queue.Path())
	if err != nil {
		t.Fatalf("read queue file: %v", err)
	}
	if string(after) != string(corrupt) {
		t.Errorf("queue file changed:\nbefore %s\nafter  %s", corrupt, after)
	}
	if got := st.sender.Stats(); got.Failed != 1 || got.Queued != 1 {
		t.Errorf("Stats() = %+v, want 1 queued and 1 failed", got)
	}
}
