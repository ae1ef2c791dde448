// Package http wires the REST surface and the voice WebSocket endpoint.
package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dumpnet/dump/internal/adapters/signal"
	"github.com/dumpnet/dump/internal/auth"
	"github.com/dumpnet/dump/internal/config"
	"github.com/dumpnet/dump/internal/domain"
	"github.com/dumpnet/dump/internal/store"
	"github.com/dumpnet/dump/internal/voice"
)

const userKey = "current_user"

// AuthRequired resolves the bearer credential to a user or aborts with 401.
func AuthRequired(tokens *auth.Tokens, st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			token = c.Query("token")
		}
		subject, err := tokens.Decode(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		user, err := st.UserByEmail(c.Request.Context(), subject)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) domain.User {
	u, _ := c.Get(userKey)
	user, _ := u.(domain.User)
	return user
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func SetupRouter(ctx context.Context, cfg *config.Config, st *store.Store, tokens *auth.Tokens, reg *voice.Registry, ctl *signal.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	// Voice signaling endpoint, gated inside the controller.
	r.GET("/ws/voice/:id", func(c *gin.Context) {
		ctl.HandleVoice(ctx, c)
	})

	api := r.Group("/api")

	// Read-only snapshot of the voice registry for a channel.
	api.GET("/channels/:id/participants", func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"participants": reg.Participants(domain.ChannelID(id)),
		})
	})

	authd := api.Group("", AuthRequired(tokens, st))

	authd.GET("/users/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, currentUser(c))
	})

	authd.POST("/servers", func(c *gin.Context) {
		var req struct {
			Name string `json:"name" binding:"required"`
		}
		if err := c.BindJSON(&req); err != nil {
			return
		}
		srv, err := st.CreateServer(c.Request.Context(), req.Name, currentUser(c).ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create server"})
			return
		}
		c.JSON(http.StatusOK, srv)
	})

	authd.GET("/servers", func(c *gin.Context) {
		out, err := st.ServersForUser(c.Request.Context(), currentUser(c).ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list servers"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"servers": out})
	})

	authd.POST("/servers/:id/channels", func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		srv, err := st.ServerByID(c.Request.Context(), domain.ServerID(id))
		if err != nil {
			notFoundOr500(c, err, "server not found")
			return
		}
		if srv.OwnerID != currentUser(c).ID {
			c.JSON(http.StatusForbidden, gin.H{"error": "not enough permissions"})
			return
		}
		var req struct {
			Name string `json:"name" binding:"required"`
			Kind string `json:"kind"`
		}
		if err := c.BindJSON(&req); err != nil {
			return
		}
		ch, err := st.CreateChannel(c.Request.Context(), srv.ID, req.Name, req.Kind)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create channel"})
			return
		}
		c.JSON(http.StatusOK, ch)
	})

	authd.GET("/servers/:id/channels", func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		out, err := st.ChannelsForServer(c.Request.Context(), domain.ServerID(id))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list channels"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"channels": out})
	})

	authd.GET("/servers/:id/members", func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		out, err := st.MembersOfServer(c.Request.Context(), domain.ServerID(id))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list members"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"members": out})
	})

	authd.POST("/servers/:id/members", func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		var req struct {
			UserID int64  `json:"user_id" binding:"required"`
			Role   string `json:"role"`
		}
		if err := c.BindJSON(&req); err != nil {
			return
		}
		if err := st.AddMember(c.Request.Context(), domain.ServerID(id), domain.UserID(req.UserID), req.Role); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "add member"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	authd.DELETE("/servers/:id/members/:userID", func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		uid, ok := paramID(c, "userID")
		if !ok {
			return
		}
		if err := st.RemoveMember(c.Request.Context(), domain.ServerID(id), domain.UserID(uid)); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "remove member"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	authd.POST("/servers/:id/invite", func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		user := currentUser(c)
		if _, err := st.Membership(c.Request.Context(), domain.ServerID(id), user.ID); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "not a member of this server"})
			return
		}
		inv, err := st.CreateInvite(c.Request.Context(), domain.ServerID(id), user.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create invite"})
			return
		}
		c.JSON(http.StatusOK, inv)
	})

	authd.POST("/invites/:code/join", func(c *gin.Context) {
		srv, err := st.ServerByInvite(c.Request.Context(), c.Param("code"))
		if err != nil {
			notFoundOr500(c, err, "invalid invite code")
			return
		}
		if err := st.AddMember(c.Request.Context(), srv.ID, currentUser(c).ID, "member"); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "join server"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "joined", "server": srv})
	})

	authd.POST("/channels/:id/messages", func(c *gin.Context) {
		ch, ok := resolveChannelMember(c, st)
		if !ok {
			return
		}
		var req struct {
			Content string `json:"content" binding:"required"`
		}
		if err := c.BindJSON(&req); err != nil {
			return
		}
		msg, err := st.CreateMessage(c.Request.Context(), ch.ID, currentUser(c).ID, req.Content)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create message"})
			return
		}
		c.JSON(http.StatusOK, msg)
	})

	authd.GET("/channels/:id/messages", func(c *gin.Context) {
		ch, ok := resolveChannelMember(c, st)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		skip, _ := strconv.Atoi(c.DefaultQuery("skip", "0"))
		out, err := st.MessagesForChannel(c.Request.Context(), ch.ID, limit, skip)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list messages"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": out})
	})

	return r
}

// resolveChannelMember loads the channel and checks the caller's server
// membership, the same precondition the voice gate applies.
func resolveChannelMember(c *gin.Context, st *store.Store) (domain.Channel, bool) {
	id, ok := paramID(c, "id")
	if !ok {
		return domain.Channel{}, false
	}
	ch, err := st.ChannelByID(c.Request.Context(), domain.ChannelID(id))
	if err != nil {
		notFoundOr500(c, err, "channel not found")
		return domain.Channel{}, false
	}
	if _, err := st.Membership(c.Request.Context(), ch.ServerID, currentUser(c).ID); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member of this server"})
		return domain.Channel{}, false
	}
	return ch, true
}

func notFoundOr500(c *gin.Context, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
}
