package api

import "time"

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HomeResponse describes the service and its entry points.
type HomeResponse struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Status  string `json:"status"`
	Login   string `json:"login"`
	User    string `json:"user"`
	Logout  string `json:"logout"`
}

// PrincipalResponse is the principal snapshot returned by /me.
type PrincipalResponse struct {
	Subject         string         `json:"subject"`
	Name            string         `json:"name,omitempty"`
	Email           string         `json:"email,omitempty"`
	AvatarURL       string         `json:"avatar_url,omitempty"`
	Attributes      map[string]any `json:"attributes,omitempty"`
	AuthenticatedAt time.Time      `json:"authenticated_at"`
}
