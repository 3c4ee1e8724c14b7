package auth

// Known OAuth scopes used by the attendance service.
const (
	ScopeAttendanceRead  = "attendance:read"
	ScopeAttendanceWrite = "attendance:write"
	ScopeAttendanceAdmin = "attendance:admin"
)
