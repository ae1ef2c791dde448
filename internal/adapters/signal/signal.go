// Package signal is the voice signaling endpoint: it gates incoming
// WebSocket connections and runs the per-connection frame loop against the
// voice registry.
package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dumpnet/dump/internal/config"
	"github.com/dumpnet/dump/internal/domain"
	"github.com/dumpnet/dump/internal/voice"
)

// Directory is the persistence collaborator the gate consults before
// admitting a connection.
type Directory interface {
	UserByEmail(ctx context.Context, email string) (domain.User, error)
	ChannelByID(ctx context.Context, id domain.ChannelID) (domain.Channel, error)
	Membership(ctx context.Context, server domain.ServerID, user domain.UserID) (domain.Membership, error)
	TouchLastLogin(ctx context.Context, id domain.UserID) error
}

// TokenSource is the authentication collaborator.
type TokenSource interface {
	Decode(token string) (subject string, err error)
	Issue(subject string) (string, error)
}

type Controller struct {
	Reg    *voice.Registry
	Dir    Directory
	Tokens TokenSource
	Cfg    *config.Config
}

func NewController(reg *voice.Registry, dir Directory, tokens TokenSource, cfg *config.Config) *Controller {
	return &Controller{Reg: reg, Dir: dir, Tokens: tokens, Cfg: cfg}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleVoice upgrades GET /ws/voice/:id?token=... and runs the session.
func (ctl *Controller) HandleVoice(ctx context.Context, c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel id"})
		return
	}
	channelID := domain.ChannelID(id)
	token := c.Query("token")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	adm, ok := ctl.gate(c.Request.Context(), ws, token, channelID)
	if !ok {
		return
	}
	log.Info().Str("module", "signal").
		Int64("user", int64(adm.user.ID)).Int64("channel", int64(channelID)).
		Msg("connection admitted")

	conn := newWSConn(ws, ctl.Cfg.SendBuffer)
	ws.SetReadLimit(ctl.Cfg.ReadLimit)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go conn.writePump(ctx, ctl.Cfg.WriteWait, ctl.Cfg.PingPeriod)

	if adm.refreshed != "" {
		ctl.sendJSON(conn, map[string]any{
			"type":  "token_refresh",
			"token": adm.refreshed,
		})
	}
	ctl.sendJSON(conn, map[string]any{
		"type":    "connection_status",
		"status":  "connected",
		"message": "Successfully connected to voice channel",
	})

	ctl.runSession(ctx, conn, adm)
}

func (ctl *Controller) sendJSON(c *wsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
