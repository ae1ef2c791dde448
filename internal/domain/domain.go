// Package domain contains entities without logic, just meta-data
package domain

import "time"

type (
	UserID    int64
	ServerID  int64
	ChannelID int64
	MessageID int64
)

type User struct {
	ID        UserID    `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	LastLogin time.Time `json:"last_login,omitzero"`
}

type Server struct {
	ID        ServerID  `json:"id"`
	Name      string    `json:"name"`
	OwnerID   UserID    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	ChannelText  = "text"
	ChannelVoice = "voice"
)

type Channel struct {
	ID       ChannelID `json:"id"`
	ServerID ServerID  `json:"server_id"`
	Name     string    `json:"name"`
	Kind     string    `json:"kind"`
}

type Membership struct {
	ServerID ServerID `json:"server_id"`
	UserID   UserID   `json:"user_id"`
	Role     string   `json:"role"`
}

type Message struct {
	ID        MessageID `json:"id"`
	ChannelID ChannelID `json:"channel_id"`
	AuthorID  UserID    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Invite struct {
	Code      string    `json:"code"`
	ServerID  ServerID  `json:"server_id"`
	CreatedBy UserID    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}
