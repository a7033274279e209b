package auth

// Known OAuth scopes used by the health API.
const (
	ScopeHealthRead   = "health:read"
	ScopeHealthWrite  = "health:write"
	ScopeDevicesWrite = "devices:write"
)
