package proto

// Inbound payload shapes. Field tags double as the validation schema: a
// frame is only dispatched to listeners once its decoded payload passes
// the validate constraints.

// Identified confirms a successful identify handshake.
type Identified struct {
	Character string `json:"character"`
}

// ServerError is the server's error notification.
type ServerError struct {
	Number  int    `json:"number"`
	Message string `json:"message" validate:"required"`
}

// ServerHello greets the client after the socket opens.
type ServerHello struct {
	Message string `json:"message"`
}

// UserCount reports how many users are online.
type UserCount struct {
	Count int `json:"count"`
}

// Variable pushes a server-side tunable, such as the flood limit.
type Variable struct {
	Variable string `json:"variable" validate:"required"`
	Value    any    `json:"value"`
}

// UserOnline announces a user coming online.
type UserOnline struct {
	Character string `json:"character" validate:"required"`
	Gender    string `json:"gender"`
	Status    string `json:"status"`
	StatusMsg string `json:"statusmsg"`
}

// UserOffline announces a user going offline.
type UserOffline struct {
	Character string `json:"character" validate:"required"`
}

// StatusChange announces a user's status update.
type StatusChange struct {
	Character string `json:"character" validate:"required"`
	Status    string `json:"status"`
	StatusMsg string `json:"statusmsg"`
}

// OnlineList is the bulk snapshot of all online users. Each entry is
// [identity, gender, status, statusmsg].
type OnlineList struct {
	Characters [][]string `json:"characters" validate:"required"`
}

// ChannelUser wraps a user identity inside channel events.
type ChannelUser struct {
	Identity string `json:"identity"`
}

// ChannelData is the initial roster snapshot for a channel.
type ChannelData struct {
	Channel string        `json:"channel" validate:"required"`
	Users   []ChannelUser `json:"users"`
	Mode    string        `json:"mode"`
}

// ChannelJoin announces a single user joining a channel.
type ChannelJoin struct {
	Channel   string      `json:"channel" validate:"required"`
	Character ChannelUser `json:"character"`
	Title     string      `json:"title"`
}

// ChannelLeave announces a user leaving a channel.
type ChannelLeave struct {
	Channel   string      `json:"channel" validate:"required"`
	Character ChannelUser `json:"character"`
}

// OperatorList is the operator snapshot for a channel.
type OperatorList struct {
	Channel string   `json:"channel" validate:"required"`
	OpList  []string `json:"oplist"`
}

// OperatorAdd promotes a user to channel operator.
type OperatorAdd struct {
	Channel   string `json:"channel" validate:"required"`
	Character string `json:"character" validate:"required"`
}

// OperatorRemove demotes a channel operator.
type OperatorRemove struct {
	Channel   string `json:"channel" validate:"required"`
	Character string `json:"character" validate:"required"`
}

// ChannelMessage is a chat message in a channel.
type ChannelMessage struct {
	Channel   string `json:"channel" validate:"required"`
	Character string `json:"character" validate:"required"`
	Message   string `json:"message" validate:"required"`
}

// PrivateMessage is a direct message between two characters.
type PrivateMessage struct {
	Character string `json:"character" validate:"required"`
	Message   string `json:"message" validate:"required"`
}

// SysMessage is a server notice, optionally scoped to a channel.
type SysMessage struct {
	Message string `json:"message" validate:"required"`
	Channel string `json:"channel"`
}

// Invite asks the bot to join a channel on a user's behalf.
type Invite struct {
	Sender string `json:"sender" validate:"required"`
	Title  string `json:"title"`
	Name   string `json:"name" validate:"required"`
}

// Outbound payload shapes. These are validated before any transport write;
// a failed check drops the send without touching the socket.

// Identify is the ticket-based identify command.
type Identify struct {
	Method        string `json:"method" validate:"required"`
	Account       string `json:"account" validate:"required"`
	Ticket        string `json:"ticket" validate:"required"`
	Character     string `json:"character" validate:"required"`
	ClientName    string `json:"cname"`
	ClientVersion string `json:"cversion"`
}

// JoinRequest asks the server to join a channel.
type JoinRequest struct {
	Channel string `json:"channel" validate:"required"`
}

// LeaveRequest asks the server to leave a channel.
type LeaveRequest struct {
	Channel string `json:"channel" validate:"required"`
}

// MessageSend posts a chat message to a channel.
type MessageSend struct {
	Channel string `json:"channel" validate:"required"`
	Message string `json:"message" validate:"required"`
}

// PrivateSend posts a direct message to a character.
type PrivateSend struct {
	Recipient string `json:"recipient" validate:"required"`
	Message   string `json:"message" validate:"required"`
}

// StatusSend broadcasts the bot's own status.
type StatusSend struct {
	Status    string `json:"status" validate:"required"`
	StatusMsg string `json:"statusmsg"`
}
