package lessonflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lessonpipe/lessonpipe/internal/dedup"
)

type fakeProbe struct {
	mu         sync.Mutex
	readyAfter int // polls before Ready reports true
	polls      int
	id         dedup.LessonIdentity
	identifyErr error
}

func (p *fakeProbe) Ready(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	return p.polls > p.readyAfter, nil
}

func (p *fakeProbe) Identify(ctx context.Context) (dedup.LessonIdentity, error) {
	return p.id, p.identifyErr
}

type fakeHandler struct {
	mu       sync.Mutex
	prepares int
	sends    int
	sendErr  error
	content  string
}

func (h *fakeHandler) Prepare(ctx context.Context, id dedup.LessonIdentity) (*Package, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prepares++
	return &Package{Identity: id, Content: h.content}, nil
}

func (h *fakeHandler) Send(ctx context.Context, pkg *Package) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sends++
	return h.sendErr
}

func (h *fakeHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.prepares, h.sends
}

func lessonID(run, book, chapter string) dedup.LessonIdentity {
	return dedup.LessonIdentity{RunID: run, BookType: book, ChapterID: chapter}
}

func newTestMachine(probe Probe) (*Machine, *dedup.SentKeys) {
	sent := dedup.NewSentKeys(nil, time.Hour)
	m := New(probe, sent, nil, Config{PollInterval: 5 * time.Millisecond, MaxPolls: 5, AckTimeout: 100 * time.Millisecond})
	return m, sent
}

func TestPrepareAndSendHappyPath(t *testing.T) {
	probe := &fakeProbe{id: lessonID("run-1", "reader", "ch3")}
	m, _ := newTestMachine(probe)
	h := &fakeHandler{content: "chapter three"}
	m.RegisterHandler("reader", h)

	// The downstream ack arrives while the machine waits for it.
	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Ack()
	}()

	res, err := m.Run(context.Background(), PrepareAndSend, false)
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.False(t, res.Skipped)
	assert.Equal(t, "chapter three", res.Package.Content)

	prepares, sends := h.counts()
	assert.Equal(t, 1, prepares)
	assert.Equal(t, 1, sends)
	assert.Equal(t, StateDone, m.State())
}

func TestPrepareOnlySkipsSend(t *testing.T) {
	probe := &fakeProbe{id: lessonID("run-1", "reader", "ch1")}
	m, _ := newTestMachine(probe)
	h := &fakeHandler{}
	m.RegisterHandler("reader", h)

	res, err := m.Run(context.Background(), PrepareOnly, false)
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)

	_, sends := h.counts()
	assert.Zero(t, sends)
}

func TestSecondSendSameLessonSkipped(t *testing.T) {
	probe := &fakeProbe{id: lessonID("run-1", "reader", "ch2")}
	m, _ := newTestMachine(probe)
	h := &fakeHandler{}
	m.RegisterHandler("reader", h)

	ackSoon := func() {
		go func() {
			time.Sleep(20 * time.Millisecond)
			m.Ack()
		}()
	}

	ackSoon()
	res, err := m.Run(context.Background(), PrepareAndSend, false)
	require.NoError(t, err)
	require.False(t, res.Skipped)

	res, err = m.Run(context.Background(), PrepareAndSend, false)
	require.NoError(t, err)
	assert.True(t, res.Skipped, "same lesson identity suppressed on the second run")

	_, sends := h.counts()
	assert.Equal(t, 1, sends)
}

func TestForceResends(t *testing.T) {
	probe := &fakeProbe{id: lessonID("run-1", "reader", "ch2")}
	m, _ := newTestMachine(probe)
	h := &fakeHandler{}
	m.RegisterHandler("reader", h)

	ackSoon := func() {
		go func() {
			time.Sleep(20 * time.Millisecond)
			m.Ack()
		}()
	}

	ackSoon()
	_, err := m.Run(context.Background(), PrepareAndSend, false)
	require.NoError(t, err)

	ackSoon()
	res, err := m.Run(context.Background(), PrepareAndSend, true)
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	_, sends := h.counts()
	assert.Equal(t, 2, sends)
}

func TestCachedPackageReused(t *testing.T) {
	probe := &fakeProbe{id: lessonID("run-1", "reader", "ch5")}
	m, _ := newTestMachine(probe)
	h := &fakeHandler{content: "cached"}
	m.RegisterHandler("reader", h)

	_, err := m.Run(context.Background(), PrepareOnly, false)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Ack()
	}()
	res, err := m.Run(context.Background(), PrepareAndSend, false)
	require.NoError(t, err)
	assert.Equal(t, "cached", res.Package.Content)

	prepares, _ := h.counts()
	assert.Equal(t, 1, prepares, "prepare-only result reused for the send run")
}

func TestCacheInvalidatedWhenIdentityMoves(t *testing.T) {
	probe := &fakeProbe{id: lessonID("run-1", "reader", "ch1")}
	m, _ := newTestMachine(probe)
	h := &fakeHandler{}
	m.RegisterHandler("reader", h)

	_, err := m.Run(context.Background(), PrepareOnly, false)
	require.NoError(t, err)

	probe.id = lessonID("run-1", "reader", "ch2")
	_, err = m.Run(context.Background(), PrepareOnly, false)
	require.NoError(t, err)

	prepares, _ := h.counts()
	assert.Equal(t, 2, prepares, "a different chapter forces a fresh scrape")
}

func TestSendFailureReleasesKey(t *testing.T) {
	probe := &fakeProbe{id: lessonID("run-1", "reader", "ch9")}
	m, _ := newTestMachine(probe)
	h := &fakeHandler{sendErr: errors.New("tab closed mid-send")}
	m.RegisterHandler("reader", h)

	_, err := m.Run(context.Background(), PrepareAndSend, false)
	require.Error(t, err)
	assert.Equal(t, StateFailed, m.State())

	// The failed attempt must not shadow the retry.
	h.sendErr = nil
	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Ack()
	}()
	res, err := m.Run(context.Background(), PrepareAndSend, false)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
}

func TestNoHandlerForBookType(t *testing.T) {
	probe := &fakeProbe{id: lessonID("run-1", "atlas", "ch1")}
	m, _ := newTestMachine(probe)

	_, err := m.Run(context.Background(), PrepareAndSend, false)
	assert.ErrorIs(t, err, ErrNoHandler)
	assert.Equal(t, StateFailed, m.State())
}

func TestSourceNeverReady(t *testing.T) {
	probe := &fakeProbe{readyAfter: 1000, id: lessonID("run-1", "reader", "ch1")}
	m, _ := newTestMachine(probe)
	m.RegisterHandler("reader", &fakeHandler{})

	_, err := m.Run(context.Background(), PrepareAndSend, false)
	assert.ErrorIs(t, err, ErrSourceNotReady)
}

func TestAckTimeout(t *testing.T) {
	probe := &fakeProbe{id: lessonID("run-1", "reader", "ch1")}
	m, _ := newTestMachine(probe)
	m.RegisterHandler("reader", &fakeHandler{})

	_, err := m.Run(context.Background(), PrepareAndSend, false)
	assert.ErrorIs(t, err, ErrAckTimeout)
}

func TestLateAckDoesNotSatisfyNextRun(t *testing.T) {
	probe := &fakeProbe{id: lessonID("run-1", "reader", "ch1")}
	m, _ := newTestMachine(probe)
	m.RegisterHandler("reader", &fakeHandler{})

	_, err := m.Run(context.Background(), PrepareAndSend, false)
	require.ErrorIs(t, err, ErrAckTimeout)

	// The downstream ack from the timed-out send arrives after the fact.
	m.Ack()

	_, err = m.Run(context.Background(), PrepareAndSend, true)
	assert.ErrorIs(t, err, ErrAckTimeout, "an ack for a previous send never confirms a new one")
}

func TestOverlappingRunsRejected(t *testing.T) {
	probe := &fakeProbe{readyAfter: 3, id: lessonID("run-1", "reader", "ch1")}
	m, _ := newTestMachine(probe)
	m.RegisterHandler("reader", &fakeHandler{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(context.Background(), PrepareOnly, false)
	}()

	require.Eventually(t, func() bool {
		return m.State() == StateWaitingSrc
	}, time.Second, time.Millisecond)

	_, err := m.Run(context.Background(), PrepareOnly, false)
	assert.ErrorIs(t, err, ErrInFlight)
	<-done
}
