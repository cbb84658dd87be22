package api

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SuccessResponse is the {success} envelope the upload widget and the share
// buttons expect.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
