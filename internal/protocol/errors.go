package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest         = "E_PROTO_BAD_REQUEST"
	ErrProtoUnsupportedVersion = "E_PROTO_UNSUPPORTED_VERSION"

	// Command layer.
	ErrBadRequest     = "E_BAD_REQUEST"
	ErrUnknownSpecies = "E_UNKNOWN_SPECIES"
	ErrInvalidParams  = "E_INVALID_PARAMS"
	ErrRateLimited    = "E_RATE_LIMITED"
	ErrInternal       = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:         {},
	ErrProtoUnsupportedVersion: {},
	ErrBadRequest:              {},
	ErrUnknownSpecies:          {},
	ErrInvalidParams:           {},
	ErrRateLimited:             {},
	ErrInternal:                {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
