package protocol

import (
	"strings"
)

const (
	// LegacyPrefix marks routes written in the older "@WS/PATH" convention.
	LegacyPrefix = "@WS/"

	legacyCanonical = "@WS|"

	protocolSeparator  = "|"
	parameterSeparator = ":"
)

// Route is a parsed "<protocol>|<path>[:<parameter>]" string. Protocol is stored
// without its leading "@".
type Route struct {
	Protocol     string
	Path         string
	Parameter    string
	HasParameter bool
}

// ParseRoute parses a route string. Routes starting with LegacyPrefix are
// rewritten onto the canonical syntax first. Everything after the first colon of
// the path section, further colons included, is kept as the parameter.
func ParseRoute(s string) (Route, error) {
	raw := s
	if strings.HasPrefix(s, LegacyPrefix) {
		s = legacyCanonical + strings.TrimPrefix(s, LegacyPrefix)
	}

	proto, rest, ok := strings.Cut(s, protocolSeparator)
	if !ok {
		return Route{}, invalidPath(raw)
	}

	proto = strings.TrimPrefix(proto, "@")
	if proto == "" {
		return Route{}, invalidPath(raw)
	}

	route := Route{Protocol: proto}
	route.Path, route.Parameter, route.HasParameter = strings.Cut(rest, parameterSeparator)
	if route.Path == "" {
		return Route{}, invalidPath(raw)
	}

	return route, nil
}

// MustParseRoute is like ParseRoute but panics on error. Intended for package-level
// route constants.
func MustParseRoute(s string) Route {
	r, err := ParseRoute(s)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Route) BasePath() string {
	return r.Path
}

// FullPath returns "path" or "path:parameter". It is the most specific dispatch key.
func (r Route) FullPath() string {
	if !r.HasParameter {
		return r.Path
	}
	return r.Path + parameterSeparator + r.Parameter
}

func (r Route) IsInternal() bool {
	return r.Protocol == InternalProtocol
}

// String renders the canonical form, e.g. "@wfm|orders/update:42".
func (r Route) String() string {
	return "@" + r.Protocol + protocolSeparator + r.FullPath()
}
