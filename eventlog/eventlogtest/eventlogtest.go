// Package eventlogtest provides a conformance suite for eventlog.Log
// implementations.
package eventlogtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-resumable-http/eventlog"
)

// LogFactory creates a new, empty Log for testing. Each call must return an
// independent log.
type LogFactory func(t *testing.T) eventlog.Log

// RunLogTests runs the complete Log test suite against the provided factory.
func RunLogTests(t *testing.T, factory LogFactory) {
	t.Run("Append_IDsIncreaseAcrossStreams", func(t *testing.T) { testAppendIDsIncrease(t, factory) })
	t.Run("Append_CopiesPayload", func(t *testing.T) { testAppendCopiesPayload(t, factory) })
	t.Run("Append_ConcurrentAppendsKeepOrder", func(t *testing.T) { testConcurrentAppends(t, factory) })

	t.Run("Replay_AfterEachKnownID", func(t *testing.T) { testReplayAfterEachID(t, factory) })
	t.Run("Replay_AbsentIDReturnsNothing", func(t *testing.T) { testReplayAbsentID(t, factory) })
	t.Run("Replay_UnknownIDReturnsNothing", func(t *testing.T) { testReplayUnknownID(t, factory) })
	t.Run("Replay_ForeignStreamIDReturnsNothing", func(t *testing.T) { testReplayForeignStreamID(t, factory) })
	t.Run("Replay_DisconnectScenario", func(t *testing.T) { testReplayDisconnectScenario(t, factory) })
	t.Run("Replay_ConcurrentWithAppend", func(t *testing.T) { testReplayConcurrentWithAppend(t, factory) })

	t.Run("StreamOf_And_Head", func(t *testing.T) { testStreamOfAndHead(t, factory) })

	t.Run("Tail_ReplayThenLive", func(t *testing.T) { testTailReplayThenLive(t, factory) })
	t.Run("Tail_FromZeroDeliversEverything", func(t *testing.T) { testTailFromZero(t, factory) })
	t.Run("Tail_OnlyOwnStream", func(t *testing.T) { testTailOnlyOwnStream(t, factory) })
	t.Run("Tail_HandlerErrorStops", func(t *testing.T) { testTailHandlerErrorStops(t, factory) })
	t.Run("Tail_ContextCancellation", func(t *testing.T) { testTailCancellation(t, factory) })

	t.Run("Close_RejectsFurtherOperations", func(t *testing.T) { testCloseRejects(t, factory) })
	t.Run("Close_StopsTail", func(t *testing.T) { testCloseStopsTail(t, factory) })
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustAppend(t *testing.T, ctx context.Context, l eventlog.Log, stream, payload string) eventlog.EventID {
	t.Helper()
	id, err := l.Append(ctx, stream, []byte(payload))
	if err != nil {
		t.Fatalf("Append(%s, %s): %v", stream, payload, err)
	}
	return id
}

func payloads(evs []eventlog.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = string(ev.Payload)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func testAppendIDsIncrease(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := testCtx(t)

	var prev eventlog.EventID
	for i := 0; i < 20; i++ {
		stream := "s1"
		if i%3 == 0 {
			stream = "s2"
		}
		id := mustAppend(t, ctx, l, stream, fmt.Sprintf("m%d", i))
		if id.IsZero() {
			t.Fatalf("append %d returned zero id", i)
		}
		if !prev.Less(id) {
			t.Fatalf("append %d: id %v not greater than previous %v", i, id, prev)
		}
		prev = id
	}
}

func testAppendCopiesPayload(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := testCtx(t)

	buf := []byte("first")
	first := mustAppend(t, ctx, l, "s", string(buf))
	id, err := l.Append(ctx, "s", buf)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	copy(buf, "XXXXX")

	evs, err := l.ReplayAfter(ctx, "s", first)
	if err != nil {
		t.Fatalf("ReplayAfter: %v", err)
	}
	if len(evs) != 1 || evs[0].ID != id || string(evs[0].Payload) != "first" {
		t.Fatalf("expected stored payload to be unaffected by caller mutation, got %+v", evs)
	}
}

func testConcurrentAppends(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := testCtx(t)

	const writers = 4
	const perWriter = 50

	start := mustAppend(t, ctx, l, "s", "start")

	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			var last eventlog.EventID
			for i := 0; i < perWriter; i++ {
				id, err := l.Append(ctx, "s", []byte(fmt.Sprintf("w%d-%03d", w, i)))
				if err != nil {
					errCh <- err
					return
				}
				if !last.Less(id) {
					errCh <- fmt.Errorf("writer %d: id %v not after own previous %v", w, id, last)
					return
				}
				last = id
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent append: %v", err)
	}

	evs, err := l.ReplayAfter(ctx, "s", start)
	if err != nil {
		t.Fatalf("ReplayAfter: %v", err)
	}
	if len(evs) != writers*perWriter {
		t.Fatalf("expected %d events, got %d", writers*perWriter, len(evs))
	}
	if !sort.SliceIsSorted(evs, func(i, j int) bool { return evs[i].ID.Less(evs[j].ID) }) {
		t.Fatalf("replay not in ascending id order")
	}
	seen := make(map[eventlog.EventID]struct{}, len(evs))
	lastPerWriter := make(map[string]string)
	for _, ev := range evs {
		if _, dup := seen[ev.ID]; dup {
			t.Fatalf("duplicate id %v", ev.ID)
		}
		seen[ev.ID] = struct{}{}
		// Each writer's own messages must replay in the order it appended them.
		p := string(ev.Payload)
		w := p[:2]
		if prev, ok := lastPerWriter[w]; ok && prev >= p {
			t.Fatalf("writer %s: %s replayed after %s", w, p, prev)
		}
		lastPerWriter[w] = p
	}
}

func testReplayAfterEachID(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := testCtx(t)

	const n = 10
	ids := make([]eventlog.EventID, n)
	want := make([]string, n)
	for i := 0; i < n; i++ {
		want[i] = fmt.Sprintf("e%d", i)
		ids[i] = mustAppend(t, ctx, l, "main", want[i])
		// Interleave another stream to make sure it never leaks into replay.
		mustAppend(t, ctx, l, "other", fmt.Sprintf("o%d", i))
	}

	for i, id := range ids {
		evs, err := l.ReplayAfter(ctx, "main", id)
		if err != nil {
			t.Fatalf("ReplayAfter(%v): %v", id, err)
		}
		if got := payloads(evs); !equalStrings(got, want[i+1:]) {
			t.Fatalf("ReplayAfter(e%d) = %v, want %v", i, got, want[i+1:])
		}
		for j, ev := range evs {
			if ev.StreamID != "main" {
				t.Fatalf("event %d has stream %q", j, ev.StreamID)
			}
			if ev.ID != ids[i+1+j] {
				t.Fatalf("event %d has id %v, want %v", j, ev.ID, ids[i+1+j])
			}
		}
	}
}

func testReplayAbsentID(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := testCtx(t)

	mustAppend(t, ctx, l, "s", "a")
	mustAppend(t, ctx, l, "s", "b")

	evs, err := l.ReplayAfter(ctx, "s", eventlog.EventID{})
	if err != nil {
		t.Fatalf("ReplayAfter(zero): %v", err)
	}
	if len(evs) != 0 {
		t.Fatalf("expected empty replay for absent id, got %v", payloads(evs))
	}
}

func testReplayUnknownID(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := testCtx(t)

	a := mustAppend(t, ctx, l, "s", "a")
	mustAppend(t, ctx, l, "s", "b")

	// An id below every issued id but not issued itself.
	unknown := eventlog.EventID{Ms: 1, Seq: 0}
	if !unknown.Less(a) {
		t.Fatalf("test setup: expected %v < %v", unknown, a)
	}
	evs, err := l.ReplayAfter(ctx, "s", unknown)
	if err != nil {
		t.Fatalf("ReplayAfter(unknown): %v", err)
	}
	if len(evs) != 0 {
		t.Fatalf("expected empty replay for unknown id, got %v", payloads(evs))
	}

	if _, ok, err := l.StreamOf(ctx, unknown); err != nil || ok {
		t.Fatalf("StreamOf(unknown) = ok:%v err:%v, want ok:false", ok, err)
	}
}

func testReplayForeignStreamID(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := testCtx(t)

	x := mustAppend(t, ctx, l, "s1", "x")
	mustAppend(t, ctx, l, "s2", "y")
	mustAppend(t, ctx, l, "s2", "z")

	evs, err := l.ReplayAfter(ctx, "s2", x)
	if err != nil {
		t.Fatalf("ReplayAfter: %v", err)
	}
	if len(evs) != 0 {
		t.Fatalf("expected id from another stream to be treated as unknown, got %v", payloads(evs))
	}
}

func testReplayDisconnectScenario(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := testCtx(t)

	a := mustAppend(t, ctx, l, "s", "A")
	b := mustAppend(t, ctx, l, "s", "B")
	c := mustAppend(t, ctx, l, "s", "C")
	if !(a.Less(b) && b.Less(c)) {
		t.Fatalf("expected a < b < c, got %v %v %v", a, b, c)
	}

	// Client drops after receiving A and reconnects with lastId = a.
	evs, err := l.ReplayAfter(ctx, "s", a)
	if err != nil {
		t.Fatalf("ReplayAfter: %v", err)
	}
	if got := payloads(evs); !equalStrings(got, []string{"B", "C"}) {
		t.Fatalf("replay = %v, want [B C]", got)
	}

	// Replay is read-only: running it again yields the same answer.
	again, err := l.ReplayAfter(ctx, "s", a)
	if err != nil {
		t.Fatalf("ReplayAfter (again): %v", err)
	}
	if got := payloads(again); !equalStrings(got, []string{"B", "C"}) {
		t.Fatalf("second replay = %v, want [B C]", got)
	}
}

func testReplayConcurrentWithAppend(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := testCtx(t)

	first := mustAppend(t, ctx, l, "s", "000")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 100; i++ {
			if _, err := l.Append(ctx, "s", []byte(fmt.Sprintf("%03d", i))); err != nil {
				return
			}
		}
	}()

	for {
		evs, err := l.ReplayAfter(ctx, "s", first)
		if err != nil {
			t.Fatalf("ReplayAfter: %v", err)
		}
		// Whatever prefix is visible must be gap free.
		for i, ev := range evs {
			if want := fmt.Sprintf("%03d", i+1); string(ev.Payload) != want {
				t.Fatalf("replay position %d = %s, want %s", i, ev.Payload, want)
			}
		}
		select {
		case <-done:
			return
		default:
		}
	}
}

func testStreamOfAndHead(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := testCtx(t)

	head, err := l.Head(ctx)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if !head.IsZero() {
		t.Fatalf("expected zero head on empty log, got %v", head)
	}

	a := mustAppend(t, ctx, l, "alpha", "1")
	b := mustAppend(t, ctx, l, "beta", "2")

	for id, want := range map[eventlog.EventID]string{a: "alpha", b: "beta"} {
		got, ok, err := l.StreamOf(ctx, id)
		if err != nil || !ok || got != want {
			t.Fatalf("StreamOf(%v) = %q ok:%v err:%v, want %q", id, got, ok, err, want)
		}
	}

	head, err = l.Head(ctx)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head != b {
		t.Fatalf("Head = %v, want %v", head, b)
	}
}

// collector gathers tailed events and signals once want events arrived.
type collector struct {
	mu   sync.Mutex
	evs  []eventlog.Event
	want int
	done chan struct{}
}

func newCollector(want int) *collector {
	return &collector{want: want, done: make(chan struct{})}
}

func (c *collector) fn(_ context.Context, ev eventlog.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
	if len(c.evs) == c.want {
		close(c.done)
	}
	return nil
}

func (c *collector) wait(t *testing.T) []string {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(3 * time.Second):
		c.mu.Lock()
		defer c.mu.Unlock()
		t.Fatalf("timed out waiting for %d events, got %v", c.want, payloads(c.evs))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return payloads(c.evs)
}

func testTailReplayThenLive(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx, cancel := context.WithCancel(testCtx(t))
	defer cancel()

	a := mustAppend(t, ctx, l, "s", "A")
	mustAppend(t, ctx, l, "s", "B")

	c := newCollector(3)
	go func() { _ = l.Tail(ctx, "s", a, c.fn) }()

	// Appends racing with the start of the tail must be seen exactly once.
	mustAppend(t, ctx, l, "s", "C")
	mustAppend(t, ctx, l, "s", "D")

	if got := c.wait(t); !equalStrings(got, []string{"B", "C", "D"}) {
		t.Fatalf("tail = %v, want [B C D]", got)
	}

	// Nothing beyond D may show up as a duplicate.
	time.Sleep(50 * time.Millisecond)
	c.mu.Lock()
	n := len(c.evs)
	c.mu.Unlock()
	if n != 3 {
		t.Fatalf("expected exactly 3 deliveries, got %d", n)
	}
}

func testTailFromZero(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx, cancel := context.WithCancel(testCtx(t))
	defer cancel()

	mustAppend(t, ctx, l, "s", "A")
	mustAppend(t, ctx, l, "s", "B")

	c := newCollector(3)
	go func() { _ = l.Tail(ctx, "s", eventlog.EventID{}, c.fn) }()
	mustAppend(t, ctx, l, "s", "C")

	if got := c.wait(t); !equalStrings(got, []string{"A", "B", "C"}) {
		t.Fatalf("tail = %v, want [A B C]", got)
	}
}

func testTailOnlyOwnStream(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx, cancel := context.WithCancel(testCtx(t))
	defer cancel()

	c := newCollector(2)
	go func() { _ = l.Tail(ctx, "mine", eventlog.EventID{}, c.fn) }()

	mustAppend(t, ctx, l, "theirs", "x")
	mustAppend(t, ctx, l, "mine", "1")
	mustAppend(t, ctx, l, "theirs", "y")
	mustAppend(t, ctx, l, "mine", "2")

	if got := c.wait(t); !equalStrings(got, []string{"1", "2"}) {
		t.Fatalf("tail = %v, want [1 2]", got)
	}
}

func testTailHandlerErrorStops(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := testCtx(t)

	mustAppend(t, ctx, l, "s", "A")

	boom := errors.New("boom")
	calls := 0
	err := l.Tail(ctx, "s", eventlog.EventID{}, func(context.Context, eventlog.Event) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one delivery, got %d", calls)
	}
}

func testTailCancellation(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx, cancel := context.WithCancel(testCtx(t))

	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Tail(ctx, "s", eventlog.EventID{}, func(context.Context, eventlog.Event) error { return nil })
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("tail did not stop after cancellation")
	}
}

func testCloseRejects(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := testCtx(t)

	a := mustAppend(t, ctx, l, "s", "A")
	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := l.Append(ctx, "s", []byte("B")); !errors.Is(err, eventlog.ErrClosed) {
		t.Fatalf("Append after close: expected ErrClosed, got %v", err)
	}
	if _, err := l.ReplayAfter(ctx, "s", a); !errors.Is(err, eventlog.ErrClosed) {
		t.Fatalf("ReplayAfter after close: expected ErrClosed, got %v", err)
	}
	if _, _, err := l.StreamOf(ctx, a); !errors.Is(err, eventlog.ErrClosed) {
		t.Fatalf("StreamOf after close: expected ErrClosed, got %v", err)
	}
	if _, err := l.Head(ctx); !errors.Is(err, eventlog.ErrClosed) {
		t.Fatalf("Head after close: expected ErrClosed, got %v", err)
	}
}

func testCloseStopsTail(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := testCtx(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Tail(ctx, "s", eventlog.EventID{}, func(context.Context, eventlog.Event) error { return nil })
	}()

	time.Sleep(50 * time.Millisecond)
	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, eventlog.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("tail did not stop after Close")
	}
}
