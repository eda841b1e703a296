package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Tenant routing/state.
	ErrTenantNotFound = "E_TENANT_NOT_FOUND"
	ErrTenantInactive = "E_TENANT_INACTIVE"
	ErrTenantPaused   = "E_TENANT_PAUSED"
	ErrQuotaExceeded  = "E_QUOTA_EXCEEDED"

	// Scheduler/shock layer.
	ErrBadRequest      = "E_BAD_REQUEST"
	ErrBadIntensity    = "E_BAD_INTENSITY"
	ErrMissingDuration = "E_MISSING_DURATION"
	ErrUnknownShock    = "E_UNKNOWN_SHOCK"
	ErrAlreadyRunning  = "E_ALREADY_RUNNING"
	ErrNotRunning      = "E_NOT_RUNNING"
	ErrRateLimit       = "E_RATE_LIMIT"
	ErrConflict        = "E_CONFLICT"
	ErrInternal        = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrTenantNotFound:  {},
	ErrTenantInactive:  {},
	ErrTenantPaused:    {},
	ErrQuotaExceeded:   {},
	ErrBadRequest:      {},
	ErrBadIntensity:    {},
	ErrMissingDuration: {},
	ErrUnknownShock:    {},
	ErrAlreadyRunning:  {},
	ErrNotRunning:      {},
	ErrRateLimit:       {},
	ErrConflict:        {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
