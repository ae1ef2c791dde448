package voice

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dumpnet/dump/internal/audio"
	"github.com/dumpnet/dump/internal/domain"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	failed bool
	closed bool
}

func (c *fakeConn) TrySend(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed {
		return errors.New("send buffer full")
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.failed
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) events(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) countType(t *testing.T, typ string) int {
	t.Helper()
	n := 0
	for _, ev := range c.events(t) {
		if ev["type"] == typ {
			n++
		}
	}
	return n
}

type fakePair struct {
	mu       sync.Mutex
	rendered [][]byte
	closed   bool
}

func (p *fakePair) Render(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rendered = append(p.rendered, data)
	return nil
}

func (p *fakePair) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

type fakeDevice struct {
	mu     sync.Mutex
	pairs  map[streamKey]*fakePair
	opened int
	fail   bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{pairs: make(map[streamKey]*fakePair)}
}

func (d *fakeDevice) Open(ch domain.ChannelID, user domain.UserID) (audio.StreamPair, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("no capture device")
	}
	d.opened++
	p := &fakePair{}
	d.pairs[streamKey{Channel: ch, User: user}] = p
	return p, nil
}

func (d *fakeDevice) pair(ch domain.ChannelID, user domain.UserID) *fakePair {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pairs[streamKey{Channel: ch, User: user}]
}

func TestJoinRegistersMembershipAndStream(t *testing.T) {
	dev := newFakeDevice()
	reg := NewRegistry(dev)
	conn := &fakeConn{}

	require.NoError(t, reg.Join(conn, 1, 10))

	ch, ok := reg.ChannelOf(10)
	require.True(t, ok)
	assert.Equal(t, domain.ChannelID(1), ch)
	require.Len(t, reg.Participants(1), 1)
	got := reg.Participants(1)[0]
	assert.Equal(t, domain.UserID(10), got.ID)
	assert.False(t, got.IsMuted)
	assert.False(t, got.IsDeafened)
	assert.NotNil(t, dev.pair(1, 10))
}

func TestJoinMovesUserBetweenChannels(t *testing.T) {
	dev := newFakeDevice()
	reg := NewRegistry(dev)
	a := &fakeConn{}
	peer := &fakeConn{}

	require.NoError(t, reg.Join(peer, 1, 20))
	require.NoError(t, reg.Join(a, 1, 10))
	require.NoError(t, reg.Join(a, 2, 10))

	ch, ok := reg.ChannelOf(10)
	require.True(t, ok)
	assert.Equal(t, domain.ChannelID(2), ch)
	assert.Len(t, reg.Participants(1), 1)
	assert.Len(t, reg.Participants(2), 1)

	// The old channel's remaining peer saw the departure.
	assert.Equal(t, 1, peer.countType(t, "participant_left"))
	// The old stream pair was released.
	assert.True(t, dev.pair(1, 10).closed)
}

func TestLeaveIsIdempotent(t *testing.T) {
	dev := newFakeDevice()
	reg := NewRegistry(dev)
	a := &fakeConn{}
	peer := &fakeConn{}

	require.NoError(t, reg.Join(peer, 1, 20))
	require.NoError(t, reg.Join(a, 1, 10))

	reg.Leave(10)
	reg.Leave(10)
	reg.Leave(10)

	_, ok := reg.ChannelOf(10)
	assert.False(t, ok)
	assert.True(t, a.closed)
	assert.True(t, dev.pair(1, 10).closed)
	// The second and third leave produced no extra broadcast.
	assert.Equal(t, 1, peer.countType(t, "participant_left"))
}

func TestLeaveUnknownUserIsNoop(t *testing.T) {
	reg := NewRegistry(newFakeDevice())
	reg.Leave(99) // must not panic or broadcast
}

func TestStreamAllocationFailureLeavesNothingBehind(t *testing.T) {
	dev := newFakeDevice()
	dev.fail = true
	reg := NewRegistry(dev)
	conn := &fakeConn{}

	err := reg.Join(conn, 1, 10)
	require.ErrorIs(t, err, ErrStreamAllocation)

	_, ok := reg.ChannelOf(10)
	assert.False(t, ok)
	assert.Empty(t, reg.Participants(1))
	assert.False(t, conn.closed, "connection stays open so the client can retry")

	// Retry after the device recovers succeeds.
	dev.fail = false
	require.NoError(t, reg.Join(conn, 1, 10))
	assert.Len(t, reg.Participants(1), 1)
}

func TestUpdateStateMergesAndBroadcasts(t *testing.T) {
	dev := newFakeDevice()
	reg := NewRegistry(dev)
	a := &fakeConn{}
	peer := &fakeConn{}

	require.NoError(t, reg.Join(a, 1, 10))
	require.NoError(t, reg.Join(peer, 1, 20))

	muted := true
	reg.UpdateState(10, domain.StateUpdate{IsMuted: &muted})
	video := true
	reg.UpdateState(10, domain.StateUpdate{IsVideoEnabled: &video})

	var got Participant
	for _, p := range reg.Participants(1) {
		if p.ID == 10 {
			got = p
		}
	}
	assert.True(t, got.IsMuted, "first update survives the second merge")
	assert.True(t, got.IsVideoEnabled)
	assert.False(t, got.IsDeafened)

	assert.Equal(t, 2, peer.countType(t, "participant_state"))
	// The sender receives its own state echoes too.
	assert.Equal(t, 2, a.countType(t, "participant_state"))
}

func TestUpdateStateUnknownUserIsNoop(t *testing.T) {
	reg := NewRegistry(newFakeDevice())
	muted := true
	reg.UpdateState(99, domain.StateUpdate{IsMuted: &muted})
}

func TestBroadcastAudioExcludesSenderAndRenders(t *testing.T) {
	dev := newFakeDevice()
	reg := NewRegistry(dev)
	a := &fakeConn{}
	b := &fakeConn{}

	require.NoError(t, reg.Join(a, 1, 10))
	require.NoError(t, reg.Join(b, 1, 20))

	payload := json.RawMessage(`"b3B1cw=="`)
	reg.BroadcastAudio(1, 10, payload)

	assert.Equal(t, 0, a.countType(t, "audio"))
	require.Equal(t, 1, b.countType(t, "audio"))

	for _, ev := range b.events(t) {
		if ev["type"] != "audio" {
			continue
		}
		assert.Equal(t, float64(10), ev["sender_id"])
		assert.Equal(t, "b3B1cw==", ev["data"])
		assert.Equal(t, float64(1), ev["channel_id"])
		assert.Greater(t, ev["timestamp"].(float64), 0.0)
	}

	pair := dev.pair(1, 20)
	pair.mu.Lock()
	rendered := len(pair.rendered)
	pair.mu.Unlock()
	assert.Equal(t, 1, rendered, "recipient's stream pair plays the payload")

	sender := dev.pair(1, 10)
	sender.mu.Lock()
	assert.Empty(t, sender.rendered)
	sender.mu.Unlock()
}

func TestBroadcastAudioSkipsEmptyPayload(t *testing.T) {
	reg := NewRegistry(newFakeDevice())
	a := &fakeConn{}
	b := &fakeConn{}
	require.NoError(t, reg.Join(a, 1, 10))
	require.NoError(t, reg.Join(b, 1, 20))

	for _, payload := range []json.RawMessage{nil, json.RawMessage(`""`), json.RawMessage(`null`)} {
		reg.BroadcastAudio(1, 10, payload)
	}
	assert.Equal(t, 0, b.countType(t, "audio"))
}

func TestBroadcastEvictsFailedPeerOthersStillReceive(t *testing.T) {
	dev := newFakeDevice()
	reg := NewRegistry(dev)
	a := &fakeConn{}
	bad := &fakeConn{}
	c := &fakeConn{}

	require.NoError(t, reg.Join(a, 1, 10))
	require.NoError(t, reg.Join(bad, 1, 20))
	require.NoError(t, reg.Join(c, 1, 30))

	bad.mu.Lock()
	bad.failed = true
	bad.mu.Unlock()

	reg.BroadcastToChannel(1, map[string]string{"type": "probe"})

	assert.Equal(t, 1, a.countType(t, "probe"))
	assert.Equal(t, 1, c.countType(t, "probe"))

	_, ok := reg.ChannelOf(20)
	assert.False(t, ok, "failed peer was evicted")
	assert.True(t, dev.pair(1, 20).closed)
	// Survivors learned about the eviction.
	assert.Equal(t, 1, a.countType(t, "participant_left"))
}

func TestBroadcastToEmptyChannelIsNoop(t *testing.T) {
	reg := NewRegistry(newFakeDevice())
	reg.BroadcastToChannel(42, map[string]string{"type": "probe"})
	reg.BroadcastAudio(42, 10, json.RawMessage(`"x"`))
}

func TestBroadcastMediaExcludesSender(t *testing.T) {
	reg := NewRegistry(newFakeDevice())
	a := &fakeConn{}
	b := &fakeConn{}
	require.NoError(t, reg.Join(a, 1, 10))
	require.NoError(t, reg.Join(b, 1, 20))

	reg.BroadcastMedia("video", 1, 10, json.RawMessage(`"frame"`))
	reg.BroadcastMedia("screen", 1, 10, json.RawMessage(`"frame"`))

	assert.Equal(t, 0, a.countType(t, "video"))
	assert.Equal(t, 1, b.countType(t, "video"))
	assert.Equal(t, 1, b.countType(t, "screen"))
}

func TestPublishParticipantsListsWholeChannel(t *testing.T) {
	reg := NewRegistry(newFakeDevice())
	a := &fakeConn{}
	b := &fakeConn{}
	require.NoError(t, reg.Join(a, 1, 10))
	require.NoError(t, reg.Join(b, 1, 20))

	reg.PublishParticipants(1)

	var listed []any
	for _, ev := range b.events(t) {
		if ev["type"] == "participants" {
			listed = ev["participants"].([]any)
		}
	}
	assert.Len(t, listed, 2)
}

func TestRejoinSameChannelReplacesConnection(t *testing.T) {
	dev := newFakeDevice()
	reg := NewRegistry(dev)
	old := &fakeConn{}
	require.NoError(t, reg.Join(old, 1, 10))
	first := dev.pair(1, 10)

	fresh := &fakeConn{}
	require.NoError(t, reg.Join(fresh, 1, 10))

	assert.True(t, old.closed)
	assert.True(t, first.closed)
	assert.Len(t, reg.Participants(1), 1)

	reg.BroadcastToChannel(1, map[string]string{"type": "probe"})
	assert.Equal(t, 1, fresh.countType(t, "probe"))
}

func TestShutdownClosesEverything(t *testing.T) {
	dev := newFakeDevice()
	reg := NewRegistry(dev)
	a := &fakeConn{}
	b := &fakeConn{}
	require.NoError(t, reg.Join(a, 1, 10))
	require.NoError(t, reg.Join(b, 2, 20))

	reg.Shutdown()

	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.True(t, dev.pair(1, 10).closed)
	assert.True(t, dev.pair(2, 20).closed)
	assert.Empty(t, reg.Participants(1))
	assert.Empty(t, reg.Participants(2))
}

func TestConcurrentCrossChannelJoinsKeepSingleMembership(t *testing.T) {
	for i := 0; i < 300; i++ {
		reg := NewRegistry(newFakeDevice())
		connA := &fakeConn{}
		connB := &fakeConn{}

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_ = reg.Join(connA, 1, 10)
		}()
		go func() {
			defer wg.Done()
			<-start
			_ = reg.Join(connB, 2, 10)
		}()
		close(start)
		wg.Wait()

		ch, ok := reg.ChannelOf(10)
		require.True(t, ok)
		require.Equal(t, 1,
			len(reg.Participants(1))+len(reg.Participants(2)),
			"user must occupy exactly one channel")
		require.Len(t, reg.Participants(ch), 1)
		require.Empty(t, reg.orphanStreams())

		// The surviving membership keeps a live connection.
		if ch == 1 {
			assert.True(t, connA.Alive())
		} else {
			assert.True(t, connB.Alive())
		}
	}
}

func TestRejoinStreamFailureAnnouncesDeparture(t *testing.T) {
	dev := newFakeDevice()
	reg := NewRegistry(dev)
	alice := &fakeConn{}
	peer := &fakeConn{}

	require.NoError(t, reg.Join(alice, 1, 10))
	require.NoError(t, reg.Join(peer, 1, 20))

	dev.fail = true
	err := reg.Join(&fakeConn{}, 1, 10)
	require.ErrorIs(t, err, ErrStreamAllocation)

	_, ok := reg.ChannelOf(10)
	assert.False(t, ok)
	assert.False(t, alice.Alive(), "replaced connection is closed")

	// Peers had the user on their roster from the first join; the failed
	// rejoin must tear that down visibly.
	assert.Equal(t, 1, peer.countType(t, "participant_left"))
	var roster map[string]any
	for _, ev := range peer.events(t) {
		if ev["type"] == "participants" {
			roster = ev
		}
	}
	require.NotNil(t, roster)
	assert.Len(t, roster["participants"], 1)
}

func TestConcurrentJoinLeaveKeepsMapsConsistent(t *testing.T) {
	reg := NewRegistry(newFakeDevice())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		uid := domain.UserID(i + 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				ch := domain.ChannelID(j%3 + 1)
				_ = reg.Join(&fakeConn{}, ch, uid)
				if j%4 == 0 {
					reg.Leave(uid)
				}
			}
			reg.Leave(uid)
		}()
	}
	wg.Wait()

	for ch := domain.ChannelID(1); ch <= 3; ch++ {
		assert.Empty(t, reg.Participants(ch))
	}
	assert.Empty(t, reg.orphanStreams())
}
