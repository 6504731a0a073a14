package proto

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type identifies a protocol command independent of its wire verb.
type Type int

const (
	TypeUnknown Type = iota
	TypeIdentified
	TypePing
	TypeServerError
	TypeServerHello
	TypeUserCount
	TypeVariable
	TypeUserOnline
	TypeUserOffline
	TypeStatusChange
	TypeOnlineList
	TypeChannelData
	TypeChannelJoin
	TypeChannelLeave
	TypeOperatorList
	TypeOperatorAdd
	TypeOperatorRemove
	TypeChannelMessage
	TypePrivateMessage
	TypeSysMessage
	TypeInvite
)

// Wire verbs for commands the engine sends.
const (
	VerbIdentify       = "IDN"
	VerbPing           = "PIN"
	VerbJoinChannel    = "JCH"
	VerbLeaveChannel   = "LCH"
	VerbChannelMessage = "MSG"
	VerbPrivateMessage = "PRI"
	VerbStatus         = "STA"
	VerbError          = "ERR"
)

// Definition binds a command type to its wire verb and payload shape.
// New constructs a fresh payload value for decoding; a nil New means the
// verb carries no payload.
type Definition struct {
	Type Type
	Verb string
	New  func() any
}

var definitions = []Definition{
	{Type: TypeIdentified, Verb: "IDN", New: func() any { return &Identified{} }},
	{Type: TypePing, Verb: "PIN"},
	{Type: TypeServerError, Verb: "ERR", New: func() any { return &ServerError{} }},
	{Type: TypeServerHello, Verb: "HLO", New: func() any { return &ServerHello{} }},
	{Type: TypeUserCount, Verb: "CON", New: func() any { return &UserCount{} }},
	{Type: TypeVariable, Verb: "VAR", New: func() any { return &Variable{} }},
	{Type: TypeUserOnline, Verb: "NLN", New: func() any { return &UserOnline{} }},
	{Type: TypeUserOffline, Verb: "FLN", New: func() any { return &UserOffline{} }},
	{Type: TypeStatusChange, Verb: "STA", New: func() any { return &StatusChange{} }},
	{Type: TypeOnlineList, Verb: "LIS", New: func() any { return &OnlineList{} }},
	{Type: TypeChannelData, Verb: "ICH", New: func() any { return &ChannelData{} }},
	{Type: TypeChannelJoin, Verb: "JCH", New: func() any { return &ChannelJoin{} }},
	{Type: TypeChannelLeave, Verb: "LCH", New: func() any { return &ChannelLeave{} }},
	{Type: TypeOperatorList, Verb: "COL", New: func() any { return &OperatorList{} }},
	{Type: TypeOperatorAdd, Verb: "COA", New: func() any { return &OperatorAdd{} }},
	{Type: TypeOperatorRemove, Verb: "COR", New: func() any { return &OperatorRemove{} }},
	{Type: TypeChannelMessage, Verb: "MSG", New: func() any { return &ChannelMessage{} }},
	{Type: TypePrivateMessage, Verb: "PRI", New: func() any { return &PrivateMessage{} }},
	{Type: TypeSysMessage, Verb: "SYS", New: func() any { return &SysMessage{} }},
	{Type: TypeInvite, Verb: "CIU", New: func() any { return &Invite{} }},
}

var (
	byVerb = make(map[string]Definition, len(definitions))
	byType = make(map[Type]Definition, len(definitions))
)

func init() {
	for _, def := range definitions {
		if _, dup := byVerb[def.Verb]; dup {
			panic(fmt.Sprintf("proto: duplicate verb %q", def.Verb))
		}
		if _, dup := byType[def.Type]; dup {
			panic(fmt.Sprintf("proto: duplicate type %d", def.Type))
		}
		byVerb[def.Verb] = def
		byType[def.Type] = def
	}
}

// Lookup resolves a wire verb to its command definition.
func Lookup(verb string) (Definition, bool) {
	def, ok := byVerb[verb]
	return def, ok
}

// LookupType resolves a command type to its definition.
func LookupType(t Type) (Definition, bool) {
	def, ok := byType[t]
	return def, ok
}

// ParseFrame splits a raw frame into its verb and raw payload. The verb is
// the substring before the first space; the payload may be empty.
func ParseFrame(raw string) (verb, payload string) {
	if i := strings.IndexByte(raw, ' '); i >= 0 {
		return raw[:i], raw[i+1:]
	}
	return raw, ""
}

// Frame serializes a verb and payload into one outbound wire frame.
// A nil payload yields a bare verb.
func Frame(verb string, payload any) (string, error) {
	if payload == nil {
		return verb, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", verb, err)
	}
	return verb + " " + string(data), nil
}
