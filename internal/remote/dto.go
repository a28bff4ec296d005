package remote

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	UserID      string   `json:"user_id"`
	Token       string   `json:"token"`
	ExpiresIn   int64    `json:"expires_in"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Name        string   `json:"name"`
	Email       string   `json:"email"`
}

type validateRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	Valid bool `json:"valid"`
}

type logoutAllRequest struct {
	UserID string `json:"user_id"`
}

// LogoutAllResult is the server's answer to end-all-sessions.
type LogoutAllResult struct {
	Success             bool `json:"success"`
	SessionsInvalidated int  `json:"sessions_invalidated"`
}

type countRequest struct {
	Delta int `json:"delta"`
}

type countResponse struct {
	Count int `json:"count"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
