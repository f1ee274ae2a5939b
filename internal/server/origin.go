package server

import "net/http"

// OriginChecker gates the websocket upgrade. An empty allow-list permits
// every origin, which matches browserless clients and local development.
type OriginChecker struct {
	allowed map[string]struct{}
}

func NewOriginChecker(allowedOrigins []string) *OriginChecker {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}

	return &OriginChecker{
		allowed: allowed,
	}
}

func (c *OriginChecker) Check(r *http.Request) bool {
	if len(c.allowed) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	_, ok := c.allowed[origin]

	return ok
}
