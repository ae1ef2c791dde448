package signal

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dumpnet/dump/internal/auth"
	"github.com/dumpnet/dump/internal/domain"
	"github.com/dumpnet/dump/internal/store"
)

// Abnormal close codes signalled to the client on rejection.
const (
	CloseInvalidToken    = 4000
	CloseUserNotFound    = 4001
	CloseChannelNotFound = 4002
	CloseNotMember       = 4003
	CloseInternal        = 4004
)

type admission struct {
	user      domain.User
	channel   domain.Channel
	refreshed string
}

// gate validates the bearer credential, resolves user and channel and
// checks server membership. Rejection closes the transport with a
// structured code; the session loop is never entered. An expired but
// otherwise valid credential gets a one-shot refresh using its subject.
func (ctl *Controller) gate(ctx context.Context, ws *websocket.Conn, token string, channelID domain.ChannelID) (admission, bool) {
	var adm admission

	subject, err := ctl.Tokens.Decode(token)
	if err != nil && !errors.Is(err, auth.ErrExpiredToken) {
		ctl.reject(ws, CloseInvalidToken, "invalid token")
		return adm, false
	}

	user, uerr := ctl.Dir.UserByEmail(ctx, subject)
	if uerr != nil {
		if errors.Is(uerr, store.ErrNotFound) {
			ctl.reject(ws, CloseUserNotFound, "user not found")
		} else {
			log.Error().Err(uerr).Str("module", "signal").Msg("gate user lookup")
			ctl.reject(ws, CloseInternal, "database error")
		}
		return adm, false
	}
	adm.user = user

	if errors.Is(err, auth.ErrExpiredToken) {
		fresh, terr := ctl.Tokens.Issue(user.Email)
		if terr != nil {
			log.Error().Err(terr).Str("module", "signal").Msg("token refresh")
			ctl.reject(ws, CloseInternal, "token refresh failed")
			return adm, false
		}
		if lerr := ctl.Dir.TouchLastLogin(ctx, user.ID); lerr != nil {
			log.Warn().Err(lerr).Str("module", "signal").Msg("touch last login")
		}
		adm.refreshed = fresh
		log.Info().Str("module", "signal").Int64("user", int64(user.ID)).
			Msg("expired token refreshed")
	}

	channel, cerr := ctl.Dir.ChannelByID(ctx, channelID)
	if cerr != nil {
		if errors.Is(cerr, store.ErrNotFound) {
			ctl.reject(ws, CloseChannelNotFound, "channel not found")
		} else {
			log.Error().Err(cerr).Str("module", "signal").Msg("gate channel lookup")
			ctl.reject(ws, CloseInternal, "database error")
		}
		return adm, false
	}
	adm.channel = channel

	if _, merr := ctl.Dir.Membership(ctx, channel.ServerID, user.ID); merr != nil {
		if errors.Is(merr, store.ErrNotFound) {
			ctl.reject(ws, CloseNotMember, "not a member of this server")
		} else {
			log.Error().Err(merr).Str("module", "signal").Msg("gate membership lookup")
			ctl.reject(ws, CloseInternal, "database error")
		}
		return adm, false
	}

	return adm, true
}

func (ctl *Controller) reject(ws *websocket.Conn, code int, reason string) {
	log.Info().Str("module", "signal").Int("code", code).Str("reason", reason).
		Msg("connection rejected")
	deadline := time.Now().Add(2 * time.Second)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}
