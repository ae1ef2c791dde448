package domain

// ParticipantState carries the voice flags a client may toggle mid-call.
type ParticipantState struct {
	IsMuted         bool `json:"isMuted"`
	IsDeafened      bool `json:"isDeafened"`
	IsVideoEnabled  bool `json:"isVideoEnabled"`
	IsScreenSharing bool `json:"isScreenSharing"`
}

// StateUpdate is a partial state: nil fields keep the previous value.
// Unknown JSON keys simply do not bind and are ignored.
type StateUpdate struct {
	IsMuted         *bool `json:"isMuted,omitempty"`
	IsDeafened      *bool `json:"isDeafened,omitempty"`
	IsVideoEnabled  *bool `json:"isVideoEnabled,omitempty"`
	IsScreenSharing *bool `json:"isScreenSharing,omitempty"`
}

func (s *ParticipantState) Apply(u StateUpdate) {
	if u.IsMuted != nil {
		s.IsMuted = *u.IsMuted
	}
	if u.IsDeafened != nil {
		s.IsDeafened = *u.IsDeafened
	}
	if u.IsVideoEnabled != nil {
		s.IsVideoEnabled = *u.IsVideoEnabled
	}
	if u.IsScreenSharing != nil {
		s.IsScreenSharing = *u.IsScreenSharing
	}
}
