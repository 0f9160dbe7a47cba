package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Laevateinn17/viscord-sub001/internal/domain"
	"github.com/Laevateinn17/viscord-sub001/internal/media"
	"github.com/Laevateinn17/viscord-sub001/internal/perm"
)

const (
	testGuild   = domain.GuildID("guild-1")
	testChannel = domain.ChannelID("channel-general")
)

func newTestHandler(t *testing.T) (*Handler, *fakeEngine) {
	t.Helper()
	eng := &fakeEngine{}
	return NewHandler(NewRooms(eng), perm.AllowAll{}, time.Second), eng
}

type testPeer struct {
	socket domain.SocketID
	user   domain.UserID
	conn   *fakeConn
}

func joinPeer(t *testing.T, h *Handler, name string, channel domain.ChannelID) testPeer {
	t.Helper()
	p := testPeer{
		socket: domain.SocketID("sock-" + name),
		user:   domain.UserID("user-" + name),
		conn:   &fakeConn{},
	}
	res, err := h.JoinRoom(context.Background(), p.socket, p.conn, p.user, testGuild, channel)
	require.NoError(t, err)
	require.NotEmpty(t, res.Capabilities.Codecs)
	return p
}

func produceAudio(t *testing.T, h *Handler, p testPeer) string {
	t.Helper()
	info, err := h.CreateTransport(context.Background(), p.socket, media.DirectionSend)
	require.NoError(t, err)
	res, err := h.Produce(context.Background(), p.socket, info.ID, media.KindAudio, media.RTPParameters{}, "", false)
	require.NoError(t, err)
	return res.ID
}

func consumeFrom(t *testing.T, h *Handler, p testPeer, producerID string) *ConsumeResult {
	t.Helper()
	info, err := h.CreateTransport(context.Background(), p.socket, media.DirectionRecv)
	require.NoError(t, err)
	res, err := h.Consume(context.Background(), p.socket, info.ID, producerID, testCaps())
	require.NoError(t, err)
	return res
}

func TestJoinThenEnumerate(t *testing.T) {
	h, _ := newTestHandler(t)

	alice := joinPeer(t, h, "alice", testChannel)
	producerID := produceAudio(t, h, alice)

	// A producer in a different channel must never leak into this roster.
	carol := joinPeer(t, h, "carol", domain.ChannelID("channel-other"))
	produceAudio(t, h, carol)

	bob := joinPeer(t, h, "bob", testChannel)
	roster, err := h.GetProducers(bob.socket)
	require.NoError(t, err)
	require.Len(t, roster, 1)
	require.Equal(t, producerID, roster[0].ProducerID)
	require.Equal(t, alice.user, roster[0].UserID)

	// The owner's own stream is excluded from their roster.
	own, err := h.GetProducers(alice.socket)
	require.NoError(t, err)
	require.Empty(t, own)
}

func TestJoinSameRoomIdempotent(t *testing.T) {
	h, eng := newTestHandler(t)

	alice := joinPeer(t, h, "alice", testChannel)
	res, err := h.JoinRoom(context.Background(), alice.socket, alice.conn, alice.user, testGuild, testChannel)
	require.NoError(t, err)
	require.NotEmpty(t, res.Capabilities.Codecs)

	room, ok := h.Rooms().Get(testChannel)
	require.True(t, ok)
	require.Equal(t, 1, room.PeerCount())
	require.EqualValues(t, 1, eng.routersCreated)
}

func TestJoinSwitchesRoom(t *testing.T) {
	h, _ := newTestHandler(t)

	alice := joinPeer(t, h, "alice", testChannel)
	producerID := produceAudio(t, h, alice)
	bob := joinPeer(t, h, "bob", testChannel)
	consumeFrom(t, h, bob, producerID)

	// Joining elsewhere tears the old membership down first.
	other := domain.ChannelID("channel-other")
	_, err := h.JoinRoom(context.Background(), alice.socket, alice.conn, alice.user, testGuild, other)
	require.NoError(t, err)

	room, ok := h.Rooms().Get(testChannel)
	require.True(t, ok)
	require.Equal(t, 1, room.PeerCount())
	_, ok = room.producer(producerID)
	require.False(t, ok)
	require.Len(t, bob.conn.events(t, OpCloseProducer), 1)
}

func TestJoinValidation(t *testing.T) {
	h, _ := newTestHandler(t)
	conn := &fakeConn{}

	_, err := h.JoinRoom(context.Background(), "sock-x", conn, "", testGuild, testChannel)
	require.ErrorIs(t, err, ErrValidation)

	_, err = h.JoinRoom(context.Background(), "sock-x", conn, "user-x", testGuild, "")
	require.ErrorIs(t, err, ErrValidation)
}

type denyChecker struct{}

func (denyChecker) CheckPermission(context.Context, domain.UserID, domain.GuildID, domain.ChannelID) (bool, error) {
	return false, nil
}

func TestJoinPermissionDenied(t *testing.T) {
	eng := &fakeEngine{}
	h := NewHandler(NewRooms(eng), denyChecker{}, time.Second)

	_, err := h.JoinRoom(context.Background(), "sock-x", &fakeConn{}, "user-x", testGuild, testChannel)
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.True(t, Fatal(err))

	// Denied joins must not leave a room behind.
	_, ok := h.Rooms().Get(testChannel)
	require.False(t, ok)
	require.EqualValues(t, 0, eng.routersCreated)
}

func TestCommandsRequireJoin(t *testing.T) {
	h, _ := newTestHandler(t)

	_, err := h.CreateTransport(context.Background(), "sock-x", media.DirectionSend)
	require.ErrorIs(t, err, ErrNotJoined)
	_, err = h.GetProducers("sock-x")
	require.ErrorIs(t, err, ErrNotJoined)
	require.ErrorIs(t, h.Speaking("sock-x", true), ErrNotJoined)
	require.ErrorIs(t, h.PauseProducer("sock-x", "p"), ErrNotJoined)
}

func TestConcurrentJoinCreatesOneRouter(t *testing.T) {
	h, eng := newTestHandler(t)

	const peers = 16
	var wg sync.WaitGroup
	errs := make([]error, peers)
	for i := 0; i < peers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			socket := domain.SocketID(fmt.Sprintf("sock-%d", i))
			user := domain.UserID(fmt.Sprintf("user-%d", i))
			_, errs[i] = h.JoinRoom(context.Background(), socket, &fakeConn{}, user, testGuild, testChannel)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, eng.routersCreated)
	room, ok := h.Rooms().Get(testChannel)
	require.True(t, ok)
	require.Equal(t, peers, room.PeerCount())
}

func TestProducerJoinedBroadcast(t *testing.T) {
	h, _ := newTestHandler(t)

	alice := joinPeer(t, h, "alice", testChannel)
	bob := joinPeer(t, h, "bob", testChannel)
	producerID := produceAudio(t, h, alice)

	events := bob.conn.events(t, OpProducerJoined)
	require.Len(t, events, 1)
	require.Equal(t, producerID, events[0]["producerId"])
	require.Equal(t, string(alice.user), events[0]["userId"])

	// The producing peer does not hear its own announcement.
	require.Empty(t, alice.conn.events(t, OpProducerJoined))
}

func TestConsumeUnknownProducer(t *testing.T) {
	h, _ := newTestHandler(t)

	bob := joinPeer(t, h, "bob", testChannel)
	info, err := h.CreateTransport(context.Background(), bob.socket, media.DirectionRecv)
	require.NoError(t, err)
	_, err = h.Consume(context.Background(), bob.socket, info.ID, "no-such-producer", testCaps())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeIncompatibleCapabilities(t *testing.T) {
	h, _ := newTestHandler(t)

	alice := joinPeer(t, h, "alice", testChannel)
	producerID := produceAudio(t, h, alice)
	bob := joinPeer(t, h, "bob", testChannel)
	info, err := h.CreateTransport(context.Background(), bob.socket, media.DirectionRecv)
	require.NoError(t, err)

	_, err = h.Consume(context.Background(), bob.socket, info.ID, producerID, media.RTPCapabilities{})
	require.ErrorIs(t, err, ErrIncompatible)
}

func TestConsumerInitialPauseState(t *testing.T) {
	h, _ := newTestHandler(t)

	alice := joinPeer(t, h, "alice", testChannel)
	audioID := produceAudio(t, h, alice)

	info, err := h.CreateTransport(context.Background(), alice.socket, media.DirectionSend)
	require.NoError(t, err)
	screen, err := h.Produce(context.Background(), alice.socket, info.ID, media.KindScreen, media.RTPParameters{}, "screen", false)
	require.NoError(t, err)

	bob := joinPeer(t, h, "bob", testChannel)
	audioRes := consumeFrom(t, h, bob, audioID)
	require.True(t, audioRes.Paused)
	screenRes := consumeFrom(t, h, bob, screen.ID)
	require.False(t, screenRes.Paused)
	require.Equal(t, "screen", screenRes.AppTag)
}

func TestPauseResumeNonDestructive(t *testing.T) {
	h, _ := newTestHandler(t)

	alice := joinPeer(t, h, "alice", testChannel)
	producerID := produceAudio(t, h, alice)
	bob := joinPeer(t, h, "bob", testChannel)
	res := consumeFrom(t, h, bob, producerID)

	require.NoError(t, h.PauseProducer(alice.socket, producerID))
	require.NoError(t, h.ResumeProducer(alice.socket, producerID))

	room, ok := h.Rooms().Get(testChannel)
	require.True(t, ok)
	pe, ok := room.producer(producerID)
	require.True(t, ok)
	require.False(t, pe.producer.Paused())
	_, ok = room.consumer(res.ID)
	require.True(t, ok)

	// Both toggles reach the other peer, not the sender.
	require.Len(t, bob.conn.events(t, OpPauseProducer), 1)
	require.Len(t, bob.conn.events(t, OpResumeProducer), 1)
	require.Empty(t, alice.conn.events(t, OpPauseProducer))
	require.Equal(t, string(alice.user), bob.conn.events(t, OpPauseProducer)[0]["userId"])
}

func TestPauseAllConsumers(t *testing.T) {
	h, _ := newTestHandler(t)

	alice := joinPeer(t, h, "alice", testChannel)
	p1 := produceAudio(t, h, alice)
	p2 := produceAudio(t, h, alice)
	bob := joinPeer(t, h, "bob", testChannel)
	c1 := consumeFrom(t, h, bob, p1)
	c2 := consumeFrom(t, h, bob, p2)

	require.NoError(t, h.ResumeConsumers(bob.socket, ""))
	room, _ := h.Rooms().Get(testChannel)
	for _, id := range []string{c1.ID, c2.ID} {
		ce, ok := room.consumer(id)
		require.True(t, ok)
		require.False(t, ce.consumer.Paused())
	}

	require.NoError(t, h.PauseConsumers(bob.socket, ""))
	for _, id := range []string{c1.ID, c2.ID} {
		ce, ok := room.consumer(id)
		require.True(t, ok)
		require.True(t, ce.consumer.Paused())
	}
	require.Len(t, alice.conn.events(t, OpPauseConsumer), 1)
}

func TestPauseConsumerNotOwned(t *testing.T) {
	h, _ := newTestHandler(t)

	alice := joinPeer(t, h, "alice", testChannel)
	producerID := produceAudio(t, h, alice)
	bob := joinPeer(t, h, "bob", testChannel)
	res := consumeFrom(t, h, bob, producerID)

	require.ErrorIs(t, h.PauseConsumers(alice.socket, res.ID), ErrNotFound)
	require.ErrorIs(t, h.PauseProducer(bob.socket, producerID), ErrNotFound)
}

func TestCloseProducerCascades(t *testing.T) {
	h, _ := newTestHandler(t)

	alice := joinPeer(t, h, "alice", testChannel)
	producerID := produceAudio(t, h, alice)
	bob := joinPeer(t, h, "bob", testChannel)
	carol := joinPeer(t, h, "carol", testChannel)
	bobRes := consumeFrom(t, h, bob, producerID)
	carolRes := consumeFrom(t, h, carol, producerID)

	require.NoError(t, h.CloseProducer(alice.socket, producerID))

	room, ok := h.Rooms().Get(testChannel)
	require.True(t, ok)
	_, ok = room.producer(producerID)
	require.False(t, ok)
	_, ok = room.consumer(bobRes.ID)
	require.False(t, ok)
	_, ok = room.consumer(carolRes.ID)
	require.False(t, ok)

	// Exactly one close notification per remaining peer, none for the owner.
	require.Len(t, bob.conn.events(t, OpCloseProducer), 1)
	require.Len(t, carol.conn.events(t, OpCloseProducer), 1)
	require.Empty(t, alice.conn.events(t, OpCloseProducer))
	require.Equal(t, producerID, bob.conn.events(t, OpCloseProducer)[0]["producerId"])

	// A second close of the same producer is not found.
	require.ErrorIs(t, h.CloseProducer(alice.socket, producerID), ErrNotFound)
}

func TestCloseConsumer(t *testing.T) {
	h, _ := newTestHandler(t)

	alice := joinPeer(t, h, "alice", testChannel)
	producerID := produceAudio(t, h, alice)
	bob := joinPeer(t, h, "bob", testChannel)
	res := consumeFrom(t, h, bob, producerID)

	require.NoError(t, h.CloseConsumer(bob.socket, res.ID))
	room, _ := h.Rooms().Get(testChannel)
	_, ok := room.consumer(res.ID)
	require.False(t, ok)

	// The producer is untouched.
	_, ok = room.producer(producerID)
	require.True(t, ok)
	require.ErrorIs(t, h.CloseConsumer(bob.socket, res.ID), ErrNotFound)
}

func TestSpeakerRelay(t *testing.T) {
	h, _ := newTestHandler(t)

	alice := joinPeer(t, h, "alice", testChannel)
	bob := joinPeer(t, h, "bob", testChannel)

	require.NoError(t, h.Speaking(alice.socket, true))
	require.NoError(t, h.Speaking(alice.socket, false))

	events := bob.conn.events(t, OpActiveSpeakerState)
	require.Len(t, events, 2)
	require.Equal(t, string(alice.user), events[0]["userId"])
	require.Equal(t, true, events[0]["speaking"])
	require.Equal(t, false, events[1]["speaking"])
	require.Empty(t, alice.conn.events(t, OpActiveSpeakerState))
}

func TestCloseTearsDownPeer(t *testing.T) {
	h, _ := newTestHandler(t)

	alice := joinPeer(t, h, "alice", testChannel)
	producerID := produceAudio(t, h, alice)
	bob := joinPeer(t, h, "bob", testChannel)
	res := consumeFrom(t, h, bob, producerID)

	h.Close(alice.socket)

	room, ok := h.Rooms().Get(testChannel)
	require.True(t, ok)
	require.Equal(t, 1, room.PeerCount())
	_, ok = room.producer(producerID)
	require.False(t, ok)
	_, ok = room.consumer(res.ID)
	require.False(t, ok)
	require.Len(t, bob.conn.events(t, OpCloseProducer), 1)

	// Idempotent: the disconnect path firing after an explicit close is a
	// no-op and must not duplicate the broadcast.
	h.Close(alice.socket)
	require.Len(t, bob.conn.events(t, OpCloseProducer), 1)

	_, err := h.CreateTransport(context.Background(), alice.socket, media.DirectionSend)
	require.ErrorIs(t, err, ErrNotJoined)
}

func TestLastPeerStopsRoom(t *testing.T) {
	h, _ := newTestHandler(t)

	alice := joinPeer(t, h, "alice", testChannel)
	room, ok := h.Rooms().Get(testChannel)
	require.True(t, ok)
	router := room.router.(*fakeRouter)

	h.Close(alice.socket)

	_, ok = h.Rooms().Get(testChannel)
	require.False(t, ok)
	require.True(t, router.closed.Load())
	require.Empty(t, h.Rooms().List())
}

func TestJoinRefusedByStoppedRoom(t *testing.T) {
	h, eng := newTestHandler(t)

	alice := joinPeer(t, h, "alice", testChannel)
	stale, ok := h.Rooms().Get(testChannel)
	require.True(t, ok)
	h.Close(alice.socket)

	// The stale pointer is terminal and rejects new registrations; a fresh
	// join goes through the registry and gets a new room.
	require.False(t, stale.addPeer(NewPeer("sock-late", "user-late", &fakeConn{})))
	bob := joinPeer(t, h, "bob", testChannel)
	_, err := h.GetProducers(bob.socket)
	require.NoError(t, err)
	require.EqualValues(t, 2, eng.routersCreated)

	room, ok := h.Rooms().Get(testChannel)
	require.True(t, ok)
	require.NotSame(t, stale, room)
}

func TestJoinRacingLastPeerTeardown(t *testing.T) {
	h, _ := newTestHandler(t)

	for i := 0; i < 50; i++ {
		alice := joinPeer(t, h, fmt.Sprintf("alice-%d", i), testChannel)

		done := make(chan struct{})
		go func() {
			h.Close(alice.socket)
			close(done)
		}()

		bob := joinPeer(t, h, fmt.Sprintf("bob-%d", i), testChannel)
		<-done

		// Whatever the interleaving, a successful join is bound to a live,
		// registered room.
		_, err := h.GetProducers(bob.socket)
		require.NoError(t, err)
		room, ok := h.Rooms().Get(testChannel)
		require.True(t, ok)
		require.Equal(t, 1, room.PeerCount())
		h.Close(bob.socket)
	}
}

func TestRepeatedEngineFailuresBecomeFatal(t *testing.T) {
	h, eng := newTestHandler(t)

	alice := joinPeer(t, h, "alice", testChannel)
	eng.failTransports(errors.New("ice stack down"))

	var err error
	for i := 0; i < engineFailureLimit-1; i++ {
		_, err = h.CreateTransport(context.Background(), alice.socket, media.DirectionSend)
		require.ErrorIs(t, err, ErrEngine)
		require.False(t, Fatal(err))
	}
	_, err = h.CreateTransport(context.Background(), alice.socket, media.DirectionSend)
	require.ErrorIs(t, err, ErrEngineFailing)
	require.True(t, Fatal(err))
	require.Equal(t, "engine_error", Code(err))

	// A successful call resets the budget.
	eng.failTransports(nil)
	_, err = h.CreateTransport(context.Background(), alice.socket, media.DirectionSend)
	require.NoError(t, err)
	eng.failTransports(errors.New("ice stack down"))
	_, err = h.CreateTransport(context.Background(), alice.socket, media.DirectionSend)
	require.False(t, Fatal(err))
}

func TestStalledEngineCallFailsCommand(t *testing.T) {
	eng := &fakeEngine{}
	h := NewHandler(NewRooms(eng), perm.AllowAll{}, 20*time.Millisecond)

	alice := joinPeer(t, h, "alice", testChannel)
	info, err := h.CreateTransport(context.Background(), alice.socket, media.DirectionSend)
	require.NoError(t, err)

	eng.hangConnects(true)
	err = h.ConnectTransport(context.Background(), alice.socket, info.ID, media.ConnectParams{})
	require.ErrorIs(t, err, ErrEngine)

	// The peer stays serviceable once the engine recovers.
	eng.hangConnects(false)
	require.NoError(t, h.ConnectTransport(context.Background(), alice.socket, info.ID, media.ConnectParams{}))
}

func TestBackpressureClosesPeer(t *testing.T) {
	h, _ := newTestHandler(t)

	alice := joinPeer(t, h, "alice", testChannel)
	bob := joinPeer(t, h, "bob", testChannel)
	bob.conn.mu.Lock()
	bob.conn.full = true
	bob.conn.mu.Unlock()

	produceAudio(t, h, alice)

	room, ok := h.Rooms().Get(testChannel)
	require.True(t, ok)
	require.Equal(t, 1, room.PeerCount())
	_, err := h.GetProducers(bob.socket)
	require.ErrorIs(t, err, ErrNotJoined)
}

func TestSessionScenario(t *testing.T) {
	h, _ := newTestHandler(t)

	// A joins, publishes audio; B joins, enumerates, subscribes, resumes.
	alice := joinPeer(t, h, "alice", testChannel)
	producerID := produceAudio(t, h, alice)

	bob := joinPeer(t, h, "bob", testChannel)
	roster, err := h.GetProducers(bob.socket)
	require.NoError(t, err)
	require.Len(t, roster, 1)

	res := consumeFrom(t, h, bob, roster[0].ProducerID)
	require.True(t, res.Paused)
	require.NoError(t, h.ResumeConsumers(bob.socket, res.ID))

	room, _ := h.Rooms().Get(testChannel)
	ce, ok := room.consumer(res.ID)
	require.True(t, ok)
	require.False(t, ce.consumer.Paused())

	// A starts speaking, mutes, then drops.
	require.NoError(t, h.Speaking(alice.socket, true))
	require.NoError(t, h.PauseProducer(alice.socket, producerID))
	h.Close(alice.socket)

	require.Len(t, bob.conn.events(t, OpActiveSpeakerState), 1)
	require.Len(t, bob.conn.events(t, OpPauseProducer), 1)
	require.Len(t, bob.conn.events(t, OpCloseProducer), 1)
	_, ok = room.consumer(res.ID)
	require.False(t, ok)

	// B leaves; the room winds down.
	h.Close(bob.socket)
	_, ok = h.Rooms().Get(testChannel)
	require.False(t, ok)
}

func TestErrorCodes(t *testing.T) {
	require.Equal(t, "validation_error", Code(ErrValidation))
	require.Equal(t, "not_joined", Code(ErrNotJoined))
	require.Equal(t, "resource_not_found", Code(fmt.Errorf("%w: producer x", ErrNotFound)))
	require.Equal(t, "permission_denied", Code(ErrPermissionDenied))
	require.Equal(t, "internal", Code(errors.New("boom")))
	require.False(t, Fatal(ErrNotFound))
}
