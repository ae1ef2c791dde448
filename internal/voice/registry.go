// Package voice is the session core of the voice channels: it owns the
// membership maps, the per-user connection handles and states, the audio
// stream pairs, and the fan-out to channel participants.
package voice

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dumpnet/dump/internal/audio"
	"github.com/dumpnet/dump/internal/domain"
)

var ErrStreamAllocation = errors.New("audio stream allocation failed")

// Conn is the transport seam the registry fans out to.
// Owned by the registry for the duration of the membership.
type Conn interface {
	TrySend(frame []byte) error
	Alive() bool
	Close()
}

// Participant is the read-only view of a channel member.
type Participant struct {
	ID domain.UserID `json:"id"`
	domain.ParticipantState
}

type streamKey struct {
	Channel domain.ChannelID
	User    domain.UserID
}

type participant struct {
	channel domain.ChannelID
	conn    Conn
	state   domain.ParticipantState
}

// Registry tracks which users occupy which voice channels.
// Invariants: byUser and byChannel are mutual inverses; a stream pair
// exists iff its (channel, user) key is a current member.
type Registry struct {
	device audio.Device

	mu        sync.RWMutex
	byChannel map[domain.ChannelID]map[domain.UserID]struct{}
	byUser    map[domain.UserID]*participant
	streams   map[streamKey]audio.StreamPair

	// lazily created per-channel locks serializing the join/leave
	// sequence, which spans the stream allocation
	lmu   sync.Mutex
	locks map[domain.ChannelID]*sync.Mutex
}

func NewRegistry(device audio.Device) *Registry {
	return &Registry{
		device:    device,
		byChannel: make(map[domain.ChannelID]map[domain.UserID]struct{}),
		byUser:    make(map[domain.UserID]*participant),
		streams:   make(map[streamKey]audio.StreamPair),
		locks:     make(map[domain.ChannelID]*sync.Mutex),
	}
}

func (r *Registry) channelLock(ch domain.ChannelID) *sync.Mutex {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	l, ok := r.locks[ch]
	if !ok {
		l = &sync.Mutex{}
		r.locks[ch] = l
	}
	return l
}

// Join adds the user to the channel with fresh all-false state and an
// allocated stream pair. A user is a member of at most one channel: a join
// while in a different channel leaves that channel first. On stream
// allocation failure nothing is left behind and ErrStreamAllocation is
// returned; the caller may retry.
func (r *Registry) Join(conn Conn, ch domain.ChannelID, uid domain.UserID) error {
	// Self-heal for duplicate connections: leave the previous channel
	// before taking the target channel's lock (lock order stays flat).
	if cur, ok := r.ChannelOf(uid); ok && cur != ch {
		log.Info().Str("module", "voice.registry").
			Int64("user", int64(uid)).Int64("from_channel", int64(cur)).
			Msg("user was in another channel, disconnecting")
		r.Leave(uid)
	}

	lock := r.channelLock(ch)
	lock.Lock()

	key := streamKey{Channel: ch, User: uid}

	var (
		staleCh   domain.ChannelID
		staleConn Conn
		stalePair audio.StreamPair
		purged    bool
		rejoined  bool
	)

	r.mu.Lock()
	if old, ok := r.byUser[uid]; ok {
		if old.channel == ch {
			// Rejoin of the same channel replaces the old connection and streams.
			rejoined = true
			if pair, ok := r.streams[key]; ok {
				pair.Close()
				delete(r.streams, key)
			}
			if old.conn != nil && old.conn != conn {
				old.conn.Close()
			}
		} else {
			// The pre-lock self-heal raced with a concurrent join of the
			// same user: a membership appeared since the check. Purge it
			// under the registry lock so the user never sits in two
			// byChannel sets at once.
			purged = true
			staleCh = old.channel
			staleConn = old.conn
			skey := streamKey{Channel: staleCh, User: uid}
			stalePair = r.streams[skey]
			delete(r.streams, skey)
			if set := r.byChannel[staleCh]; set != nil {
				delete(set, uid)
				if len(set) == 0 {
					delete(r.byChannel, staleCh)
				}
			}
		}
	}
	set := r.byChannel[ch]
	if set == nil {
		set = make(map[domain.UserID]struct{})
		r.byChannel[ch] = set
	}
	set[uid] = struct{}{}
	r.byUser[uid] = &participant{channel: ch, conn: conn}
	r.mu.Unlock()

	if stalePair != nil {
		stalePair.Close()
	}
	if staleConn != nil && staleConn != conn {
		staleConn.Close()
	}

	pair, err := r.device.Open(ch, uid)
	if err != nil {
		r.mu.Lock()
		// Roll back only if the membership still belongs to this join; a
		// concurrent one may have replaced it during the allocation.
		if p := r.byUser[uid]; p != nil && p.channel == ch && p.conn == conn {
			delete(r.byUser, uid)
			if set := r.byChannel[ch]; set != nil {
				delete(set, uid)
				if len(set) == 0 {
					delete(r.byChannel, ch)
				}
			}
		}
		r.mu.Unlock()
		lock.Unlock()
		log.Error().Err(err).Str("module", "voice.registry").
			Int64("user", int64(uid)).Int64("channel", int64(ch)).
			Msg("stream allocation failed, join rolled back")
		if purged {
			r.announceLeft(staleCh, uid)
			r.PublishParticipants(staleCh)
		}
		if rejoined {
			// the replaced membership was announced to peers, so its
			// teardown must be too
			r.announceLeft(ch, uid)
			r.PublishParticipants(ch)
		}
		return fmt.Errorf("%w: %v", ErrStreamAllocation, err)
	}

	r.mu.Lock()
	if p := r.byUser[uid]; p == nil || p.channel != ch || p.conn != conn {
		// superseded by a concurrent join while the stream was allocating
		r.mu.Unlock()
		lock.Unlock()
		pair.Close()
		if purged {
			r.announceLeft(staleCh, uid)
			r.PublishParticipants(staleCh)
		}
		log.Info().Str("module", "voice.registry").
			Int64("user", int64(uid)).Int64("channel", int64(ch)).
			Msg("join superseded by a concurrent join")
		return nil
	}
	r.streams[key] = pair
	r.mu.Unlock()
	lock.Unlock()

	log.Info().Str("module", "voice.registry").
		Int64("user", int64(uid)).Int64("channel", int64(ch)).Msg("user joined")

	if purged {
		r.announceLeft(staleCh, uid)
		r.PublishParticipants(staleCh)
	}
	r.announceJoined(ch, uid)
	r.PublishParticipants(ch)
	return nil
}

// Leave removes the user from their current channel. Idempotent: a user
// that is not a member is a no-op, no broadcast.
func (r *Registry) Leave(uid domain.UserID) {
	for {
		ch, ok := r.ChannelOf(uid)
		if !ok {
			return
		}
		lock := r.channelLock(ch)
		lock.Lock()

		r.mu.Lock()
		p, ok := r.byUser[uid]
		if !ok || p.channel != ch {
			// raced with a concurrent move, re-resolve the channel
			r.mu.Unlock()
			lock.Unlock()
			continue
		}
		delete(r.byUser, uid)
		if set := r.byChannel[ch]; set != nil {
			delete(set, uid)
			if len(set) == 0 {
				delete(r.byChannel, ch)
			}
		}
		key := streamKey{Channel: ch, User: uid}
		pair := r.streams[key]
		delete(r.streams, key)
		conn := p.conn
		r.mu.Unlock()
		lock.Unlock()

		if pair != nil {
			pair.Close()
		}
		if conn != nil {
			conn.Close()
		}
		log.Info().Str("module", "voice.registry").
			Int64("user", int64(uid)).Int64("channel", int64(ch)).Msg("user left")

		r.announceLeft(ch, uid)
		r.PublishParticipants(ch)
		return
	}
}

// UpdateState merges a partial state into the user's current state and
// announces the result. Unknown users are a no-op.
func (r *Registry) UpdateState(uid domain.UserID, upd domain.StateUpdate) {
	r.mu.Lock()
	p, ok := r.byUser[uid]
	if !ok {
		r.mu.Unlock()
		return
	}
	p.state.Apply(upd)
	ch := p.channel
	snap := Participant{ID: uid, ParticipantState: p.state}
	r.mu.Unlock()

	r.BroadcastToChannel(ch, stateEvent{
		Type:        "participant_state",
		Participant: snap,
		ChannelID:   ch,
	})
}

// Participants returns the current members of a channel with their flags.
// Order is not deterministic but the list is one consistent snapshot.
func (r *Registry) Participants(ch domain.ChannelID) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byChannel[ch]
	out := make([]Participant, 0, len(set))
	for uid := range set {
		p := r.byUser[uid]
		if p == nil {
			continue
		}
		out = append(out, Participant{ID: uid, ParticipantState: p.state})
	}
	return out
}

// ChannelOf reports the channel the user currently occupies, if any.
func (r *Registry) ChannelOf(uid domain.UserID) (domain.ChannelID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byUser[uid]
	if !ok {
		return 0, false
	}
	return p.channel, true
}

// Shutdown closes every connection and stream pair and empties the
// registry. Called once on process teardown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	for _, p := range r.byUser {
		if p.conn != nil {
			p.conn.Close()
		}
	}
	for _, pair := range r.streams {
		pair.Close()
	}
	r.byUser = make(map[domain.UserID]*participant)
	r.byChannel = make(map[domain.ChannelID]map[domain.UserID]struct{})
	r.streams = make(map[streamKey]audio.StreamPair)
	r.mu.Unlock()
	log.Info().Str("module", "voice.registry").Msg("registry shut down")
}

func (r *Registry) deadConns() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.UserID
	for uid, p := range r.byUser {
		if p.conn == nil || !p.conn.Alive() {
			out = append(out, uid)
		}
	}
	return out
}

func (r *Registry) orphanStreams() []streamKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []streamKey
	for key := range r.streams {
		p := r.byUser[key.User]
		if p == nil || p.channel != key.Channel {
			out = append(out, key)
		}
	}
	return out
}

func (r *Registry) releaseStream(key streamKey) {
	r.mu.Lock()
	pair := r.streams[key]
	delete(r.streams, key)
	r.mu.Unlock()
	if pair != nil {
		pair.Close()
	}
}
