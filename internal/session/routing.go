package session

// Route maps an optional (platform, channel) pair to a session name. An
// empty Platform or Channel matches any value — the "default" route is one
// with both fields empty, placed last.
type Route struct {
	Platform string
	Channel  string
	Session  string
}

// Router resolves an inbound (platform, channel) to a session name by
// first-match-wins over an ordered rule list.
type Router struct {
	routes []Route
}

// NewRouter builds a Router over routes, preserving the given order.
func NewRouter(routes []Route) *Router {
	return &Router{routes: append([]Route(nil), routes...)}
}

// Resolve returns the session name for (platform, channel), or ok=false if
// no rule matches.
func (r *Router) Resolve(platform, channel string) (string, bool) {
	for _, route := range r.routes {
		if route.Platform != "" && route.Platform != platform {
			continue
		}
		if route.Channel != "" && route.Channel != channel {
			continue
		}
		return route.Session, true
	}
	return "", false
}
