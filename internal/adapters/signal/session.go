package signal

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dumpnet/dump/internal/domain"
	"github.com/dumpnet/dump/internal/voice"
)

// envelope is the inbound control frame. Only the fields valid for the
// frame's type are set; unknown keys are ignored by the decoder.
type envelope struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	State json.RawMessage `json:"state,omitempty"`
}

// runSession is the per-connection loop. States: Accepted until a join
// succeeds, Joined until leave/disconnect. Cleanup fires exactly once no
// matter which path terminates the loop.
func (ctl *Controller) runSession(ctx context.Context, conn *wsConn, adm admission) {
	uid := adm.user.ID
	ch := adm.channel.ID

	var leaveOnce sync.Once
	leave := func() {
		leaveOnce.Do(func() { ctl.Reg.Leave(uid) })
	}
	defer func() {
		leave()
		conn.Close()
		log.Info().Str("module", "signal").Int64("user", int64(uid)).Msg("session closed")
	}()

	joined := false
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgType, data, err := conn.conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "signal").
				Int64("user", int64(uid)).Msg("read loop ended")
			return
		}

		// binary frames are raw audio payloads
		if msgType == websocket.BinaryMessage {
			if joined {
				payload, _ := json.Marshal(data)
				ctl.Reg.BroadcastAudio(ch, uid, payload)
			}
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("module", "signal").
				Int64("user", int64(uid)).Msg("malformed frame, ignored")
			continue
		}

		if !joined {
			switch env.Type {
			case "join":
				if err := ctl.Reg.Join(conn, ch, uid); err != nil {
					// join rolled back, the client may retry
					ctl.sendJSON(conn, map[string]any{
						"type":  "error",
						"error": "stream_allocation",
					})
					continue
				}
				joined = true
			case "leave":
				return
			case "ping":
				ctl.sendJSON(conn, map[string]any{"type": "pong"})
			default:
				ctl.sendJSON(conn, map[string]any{
					"type":             "echo",
					"original_message": json.RawMessage(data),
				})
			}
			continue
		}

		switch env.Type {
		case "audio":
			ctl.Reg.BroadcastAudio(ch, uid, env.Data)
		case "video":
			ctl.Reg.BroadcastMedia("video", ch, uid, env.Data)
		case "screen":
			ctl.Reg.BroadcastMedia("screen", ch, uid, env.Data)
		case "state_update":
			var upd domain.StateUpdate
			if err := json.Unmarshal(env.State, &upd); err != nil {
				log.Warn().Err(err).Str("module", "signal").
					Int64("user", int64(uid)).Msg("bad state_update payload")
				continue
			}
			ctl.Reg.UpdateState(uid, upd)
		case "leave":
			// выход из канала по явной команде, соединение закрываем
			leave()
			return
		case "join":
			// повторный join — клиент хочет свежий список участников
			ctl.Reg.PublishParticipants(ch)
		default:
			// unknown types never terminate the connection
			log.Debug().Str("module", "signal").Str("type", env.Type).
				Int64("user", int64(uid)).Msg("unknown frame type, ignored")
		}
	}
}

var _ voice.Conn = (*wsConn)(nil)
