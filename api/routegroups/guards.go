package routegroups

import "net/http"

type Guards struct {
	WithSession       func(http.HandlerFunc) http.HandlerFunc
	RequirePermission func(string) func(http.HandlerFunc) http.HandlerFunc
}

func (g Guards) Session(h http.HandlerFunc) http.HandlerFunc {
	return g.WithSession(h)
}

func (g Guards) SessionPerm(perm string, h http.HandlerFunc) http.HandlerFunc {
	return g.WithSession(g.RequirePermission(perm)(h))
}
