package protocol

// Inbound message types
const (
	TypeClientReady    = "client_ready"
	TypeChannelJoin    = "channel_join"
	TypeChannelLeave   = "channel_leave"
	TypeMessage        = "message"
	TypeReactionAdd    = "reaction_add"
	TypeReactionRemove = "reaction_remove"
	TypeTypingStart    = "typing_start"
	TypeTypingStop     = "typing_stop"
	TypePresenceUpdate = "presence_update"
)

// Outbound message types
const (
	TypeAuthSuccess     = "auth_success"
	TypeReadyConfirmed  = "ready_confirmed"
	TypeChannelsLoaded  = "channels_loaded"
	TypeInitialPresence = "initial_presence"
	TypeChannelJoined   = "channel_joined"
	TypeChannelLeft     = "channel_left"
	TypeMemberJoined    = "member_joined"
	TypeMemberLeft      = "member_left"
	TypeMessageReceived = "message_received"
	TypeReactionAdded   = "reaction_added"
	TypeReactionRemoved = "reaction_removed"
	TypePresenceChanged = "presence_changed"
	TypeError           = "error"
	TypeUseFallback     = "use_fallback"
)

// Presence statuses
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// ValidStatus reports whether a client may declare status explicitly
func ValidStatus(s string) bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy:
		return true
	default:
		return false
	}
}
