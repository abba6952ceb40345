package auth

// Scopes granted to workstation credentials.
const (
	ScopeSyncWrite = "sync:write"
	ScopeSyncRead  = "sync:read"
)
