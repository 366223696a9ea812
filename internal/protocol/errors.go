package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Room routing.
	ErrRoomNotFound = "E_ROOM_NOT_FOUND"
	ErrRoomFull     = "E_ROOM_FULL"

	// Update layer.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrRateLimit  = "E_RATE_LIMIT"
	ErrTooLarge   = "E_TOO_LARGE"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrRoomNotFound:    {},
	ErrRoomFull:        {},
	ErrBadRequest:      {},
	ErrRateLimit:       {},
	ErrTooLarge:        {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
