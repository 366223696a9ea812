package protocol

import (
	"fishtank.ai/internal/replica"
	"fishtank.ai/internal/sim/model"
)

// HelloMsg opens a room connection. ClientID is the replica's doc client id;
// Room may be omitted when the endpoint carries ?room=.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientID        string `json:"client_id"`
	Room            string `json:"room,omitempty"`
}

// SyncMsg carries the room's confirmed state. It is the first message after a
// successful HELLO; everything after it is an UPDATE with a higher seq.
type SyncMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Room            string         `json:"room"`
	Seq             uint64         `json:"seq"`
	State           *replica.State `json:"state"`
}

// UpdateMsg travels both ways. Clients send it without a seq; the relay
// broadcasts it sequenced.
type UpdateMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Update          replica.Update `json:"update"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}

// DataResponse is the read-only room view served over HTTP.
type DataResponse struct {
	Timestamp string                    `json:"timestamp"`
	Room      string                    `json:"room"`
	Seq       uint64                    `json:"seq"`
	Fishes    []model.Entity            `json:"fishes"`
	Food      map[string]model.Resource `json:"food"`
	Scores    []model.Score             `json:"scores"`
}

type LogResponse struct {
	Success   bool   `json:"success"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}
