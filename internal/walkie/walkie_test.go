package walkie

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T, ttl time.Duration) (*Service, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	svc := New(ttl, nil)
	svc.now = clock.Now
	return svc, clock
}

// paired opens a session and joins it, returning everything both sides need.
func paired(t *testing.T, svc *Service) (sessionID, recvTok, xmitTok string) {
	t.Helper()
	created, err := svc.Create("run-1")
	require.NoError(t, err)
	joined, err := svc.Join(created.PairCode)
	require.NoError(t, err)
	return created.SessionID, created.ReceiverToken, joined.TransmitterToken
}

func TestCreateAndJoin(t *testing.T) {
	svc, _ := newTestService(t, 0)

	created, err := svc.Create("run-7")
	require.NoError(t, err)
	assert.Len(t, created.PairCode, 6)
	assert.NotEmpty(t, created.ReceiverToken)
	assert.Equal(t, "run-7", created.FlowRunID)

	joined, err := svc.Join(created.PairCode)
	require.NoError(t, err)
	assert.Equal(t, created.SessionID, joined.SessionID)
	assert.NotEmpty(t, joined.TransmitterToken)
	assert.NotEqual(t, created.ReceiverToken, joined.TransmitterToken)
	assert.Equal(t, "run-7", joined.FlowRunID)
	assert.Equal(t, 1, svc.SessionCount())
}

func TestJoinUnknownCode(t *testing.T) {
	svc, _ := newTestService(t, 0)
	_, err := svc.Join("000000")
	assert.ErrorIs(t, err, ErrPairCodeNotFound)
}

func TestRejoinReplacesTransmitterToken(t *testing.T) {
	svc, _ := newTestService(t, 0)
	created, err := svc.Create("")
	require.NoError(t, err)

	first, err := svc.Join(created.PairCode)
	require.NoError(t, err)
	second, err := svc.Join(created.PairCode)
	require.NoError(t, err)
	assert.NotEqual(t, first.TransmitterToken, second.TransmitterToken)

	// The replaced token no longer authenticates.
	err = svc.Push(created.SessionID, first.TransmitterToken, Receiver, "ptt_state", nil)
	assert.ErrorIs(t, err, ErrInvalidToken)
	err = svc.Push(created.SessionID, second.TransmitterToken, Receiver, "ptt_state", nil)
	assert.NoError(t, err)
}

func TestPushAndPull(t *testing.T) {
	svc, _ := newTestService(t, 0)
	sid, recvTok, xmitTok := paired(t, svc)

	require.NoError(t, svc.Push(sid, xmitTok, Receiver, "offer", map[string]any{"sdp": "x"}))
	require.NoError(t, svc.Push(sid, xmitTok, Receiver, "ptt_state", map[string]any{"talking": true}))

	sigs, side, err := svc.Pull(context.Background(), sid, recvTok, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Receiver, side)
	require.Len(t, sigs, 2)
	assert.Equal(t, "offer", sigs[0].Type)
	assert.Equal(t, "ptt_state", sigs[1].Type)
	assert.Equal(t, Transmitter, sigs[0].From)

	// Second pull finds nothing and times out cleanly.
	sigs, _, err = svc.Pull(context.Background(), sid, recvTok, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestPushValidation(t *testing.T) {
	svc, _ := newTestService(t, 0)
	sid, recvTok, xmitTok := paired(t, svc)

	assert.ErrorIs(t, svc.Push(sid, xmitTok, Side("speaker"), "offer", nil), ErrInvalidSide)
	assert.ErrorIs(t, svc.Push(sid, xmitTok, Receiver, "disco", nil), ErrInvalidSignal)
	assert.ErrorIs(t, svc.Push(sid, xmitTok, Transmitter, "offer", nil), ErrSameSide)
	assert.ErrorIs(t, svc.Push(sid, recvTok, Receiver, "offer", nil), ErrSameSide)
	assert.ErrorIs(t, svc.Push(sid, "", Receiver, "offer", nil), ErrMissingToken)
	assert.ErrorIs(t, svc.Push(sid, "nope", Receiver, "offer", nil), ErrInvalidToken)
	assert.ErrorIs(t, svc.Push("walkie-bogus", xmitTok, Receiver, "offer", nil), ErrSessionNotFound)
}

func TestPullWakesOnPush(t *testing.T) {
	svc, _ := newTestService(t, 0)
	sid, recvTok, xmitTok := paired(t, svc)

	got := make(chan []Signal, 1)
	go func() {
		sigs, _, err := svc.Pull(context.Background(), sid, recvTok, 5*time.Second)
		if err == nil {
			got <- sigs
		}
	}()

	// Give the poller a moment to park on the notify channel.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, svc.Push(sid, xmitTok, Receiver, "answer", nil))

	select {
	case sigs := <-got:
		require.Len(t, sigs, 1)
		assert.Equal(t, "answer", sigs[0].Type)
	case <-time.After(2 * time.Second):
		t.Fatal("pull did not wake on push")
	}
}

func TestQueueCapDropsOldest(t *testing.T) {
	svc, _ := newTestService(t, 0)
	sid, recvTok, xmitTok := paired(t, svc)

	for i := 0; i < maxSignalQueue+10; i++ {
		require.NoError(t, svc.Push(sid, xmitTok, Receiver, "ptt_state", map[string]any{"seq": i}))
	}

	sigs, _, err := svc.Pull(context.Background(), sid, recvTok, time.Second)
	require.NoError(t, err)
	assert.Len(t, sigs, maxSignalQueue)
	first, ok := sigs[0].Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 10, first["seq"], "oldest signals beyond the cap are dropped")
}

func TestClose(t *testing.T) {
	svc, _ := newTestService(t, 0)
	sid, recvTok, xmitTok := paired(t, svc)

	require.NoError(t, svc.Close(sid, recvTok))
	assert.Equal(t, 0, svc.SessionCount())

	err := svc.Push(sid, xmitTok, Receiver, "offer", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestExpiry(t *testing.T) {
	svc, clock := newTestService(t, 10*time.Minute)
	created, err := svc.Create("")
	require.NoError(t, err)
	joined, err := svc.Join(created.PairCode)
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)

	err = svc.Push(created.SessionID, joined.TransmitterToken, Receiver, "offer", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound, "expired sessions are pruned before auth")
	assert.Equal(t, 0, svc.SessionCount())

	// The freed pair code is redeemable by a new session.
	fresh, err := svc.Create("")
	require.NoError(t, err)
	assert.NotEqual(t, created.SessionID, fresh.SessionID)
}

func TestExpiryWakesParkedPoller(t *testing.T) {
	svc, clock := newTestService(t, time.Minute)
	sid, recvTok, _ := paired(t, svc)

	errCh := make(chan error, 1)
	go func() {
		_, _, err := svc.Pull(context.Background(), sid, recvTok, 10*time.Second)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	clock.Advance(2 * time.Minute)
	// Any mutation path prunes and wakes pollers of dead sessions.
	_, err := svc.Create("")
	require.NoError(t, err)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSessionNotFound)
	case <-time.After(2 * time.Second):
		t.Fatal("poller not woken after expiry")
	}
}

func TestPairCodesAreDigits(t *testing.T) {
	svc, _ := newTestService(t, 0)
	for i := 0; i < 5; i++ {
		created, err := svc.Create(fmt.Sprintf("run-%d", i))
		require.NoError(t, err)
		require.Len(t, created.PairCode, 6)
		for _, ch := range created.PairCode {
			assert.True(t, ch >= '0' && ch <= '9')
		}
	}
}
