package voice

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dumpnet/dump/internal/domain"
)

type joinedEvent struct {
	Type        string           `json:"type"`
	Participant Participant      `json:"participant"`
	ChannelID   domain.ChannelID `json:"channel_id"`
}

type leftEvent struct {
	Type   string        `json:"type"`
	UserID domain.UserID `json:"userId"`
}

type stateEvent struct {
	Type        string           `json:"type"`
	Participant Participant      `json:"participant"`
	ChannelID   domain.ChannelID `json:"channel_id"`
}

type participantsEvent struct {
	Type         string           `json:"type"`
	Participants []Participant    `json:"participants"`
	ChannelID    domain.ChannelID `json:"channel_id"`
}

type audioEvent struct {
	Type      string           `json:"type"`
	SenderID  domain.UserID    `json:"sender_id"`
	Data      json.RawMessage  `json:"data"`
	ChannelID domain.ChannelID `json:"channel_id"`
	Timestamp float64          `json:"timestamp"`
}

type mediaEvent struct {
	Type     string          `json:"type"`
	SenderID domain.UserID   `json:"sender_id"`
	Data     json.RawMessage `json:"data"`
}

// BroadcastToChannel sends v to every participant currently registered in
// the channel. Membership is read at call time. Each send is independent;
// a failed peer is evicted, the rest still receive the message. A channel
// with no participants is a no-op.
func (r *Registry) BroadcastToChannel(ch domain.ChannelID, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "voice.broadcast").Msg("marshal event")
		return
	}
	r.fanOut(ch, data, 0, nil)
}

// BroadcastAudio relays an audio payload to every channel member except
// the sender and renders it on each recipient's stream pair.
func (r *Registry) BroadcastAudio(ch domain.ChannelID, sender domain.UserID, payload json.RawMessage) {
	if emptyPayload(payload) {
		log.Debug().Str("module", "voice.broadcast").
			Int64("sender", int64(sender)).Msg("empty audio payload, skipped")
		return
	}
	ev := audioEvent{
		Type:      "audio",
		SenderID:  sender,
		Data:      payload,
		ChannelID: ch,
		Timestamp: float64(time.Now().UnixMilli()) / 1000,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "voice.broadcast").Msg("marshal audio event")
		return
	}
	r.fanOut(ch, data, sender, payload)
}

// BroadcastMedia relays a video or screen payload one-way to everyone but
// the sender, no local render.
func (r *Registry) BroadcastMedia(kind string, ch domain.ChannelID, sender domain.UserID, payload json.RawMessage) {
	ev := mediaEvent{Type: kind, SenderID: sender, Data: payload}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "voice.broadcast").Msg("marshal media event")
		return
	}
	r.fanOut(ch, data, sender, nil)
}

// fanOut delivers one frame to the channel's current members. exclude == 0
// means nobody is excluded. When render is non-nil it is played on each
// recipient's stream pair. Failed peers are evicted after delivery so the
// eviction's own broadcasts never run under the registry lock.
func (r *Registry) fanOut(ch domain.ChannelID, frame []byte, exclude domain.UserID, render []byte) {
	type target struct {
		uid  domain.UserID
		conn Conn
		pair interface{ Render([]byte) error }
	}

	r.mu.RLock()
	set := r.byChannel[ch]
	targets := make([]target, 0, len(set))
	for uid := range set {
		if uid == exclude {
			continue
		}
		p := r.byUser[uid]
		if p == nil || p.conn == nil {
			continue
		}
		t := target{uid: uid, conn: p.conn}
		if render != nil {
			if pair, ok := r.streams[streamKey{Channel: ch, User: uid}]; ok {
				t.pair = pair
			}
		}
		targets = append(targets, t)
	}
	r.mu.RUnlock()

	var dead []domain.UserID
	sent := 0
	for _, t := range targets {
		if err := t.conn.TrySend(frame); err != nil {
			log.Warn().Err(err).Str("module", "voice.broadcast").
				Int64("user", int64(t.uid)).Int64("channel", int64(ch)).
				Msg("peer send failed, evicting")
			dead = append(dead, t.uid)
			continue
		}
		sent++
		if t.pair != nil {
			if err := t.pair.Render(render); err != nil {
				log.Debug().Err(err).Str("module", "voice.broadcast").
					Int64("user", int64(t.uid)).Msg("local render failed")
			}
		}
	}
	log.Debug().Str("module", "voice.broadcast").
		Int64("channel", int64(ch)).Int("sent_to", sent).Int("dropped", len(dead)).
		Msg("broadcast result")

	for _, uid := range dead {
		r.Leave(uid)
	}
}

func (r *Registry) announceJoined(ch domain.ChannelID, uid domain.UserID) {
	r.mu.RLock()
	p, ok := r.byUser[uid]
	var snap Participant
	if ok {
		snap = Participant{ID: uid, ParticipantState: p.state}
	}
	r.mu.RUnlock()
	if !ok {
		return
	}
	r.BroadcastToChannel(ch, joinedEvent{
		Type:        "participant_joined",
		Participant: snap,
		ChannelID:   ch,
	})
}

func (r *Registry) announceLeft(ch domain.ChannelID, uid domain.UserID) {
	r.BroadcastToChannel(ch, leftEvent{Type: "participant_left", UserID: uid})
}

// PublishParticipants broadcasts the channel's full participant list.
// A no-op for a channel nobody occupies.
func (r *Registry) PublishParticipants(ch domain.ChannelID) {
	r.BroadcastToChannel(ch, participantsEvent{
		Type:         "participants",
		Participants: r.Participants(ch),
		ChannelID:    ch,
	})
}

func emptyPayload(p json.RawMessage) bool {
	switch string(p) {
	case "", `""`, "null":
		return true
	}
	return false
}
