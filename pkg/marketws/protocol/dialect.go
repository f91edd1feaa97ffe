package protocol

import (
	"fmt"
	"strings"
)

// Dialect identifies the wire convention of a connection.
type Dialect int

const (
	DialectLegacy Dialect = iota + 1
	DialectCurrent
)

const (
	LegacyURL  = "wss://warframe.market/socket?platform=pc"
	CurrentURL = "wss://ws.warframe.market/socket"
)

func (d Dialect) String() string {
	switch d {
	case DialectLegacy:
		return "legacy"
	case DialectCurrent:
		return "current"
	default:
		return fmt.Sprintf("Dialect(%d)", int(d))
	}
}

// RouteKey returns the JSON key carrying the route under this dialect.
func (d Dialect) RouteKey() string {
	return d.format().routeKey()
}

// URL returns the default pub/sub endpoint for this dialect.
func (d Dialect) URL() string {
	if d == DialectLegacy {
		return LegacyURL
	}
	return CurrentURL
}

func (d Dialect) Valid() bool {
	return d == DialectLegacy || d == DialectCurrent
}

func (d Dialect) format() wireFormat {
	if d == DialectLegacy {
		return legacyFormat{}
	}
	return currentFormat{}
}

// ParseDialect accepts "legacy"/"v1" and "current"/"v2", case-insensitively.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "legacy", "v1":
		return DialectLegacy, nil
	case "current", "v2", "":
		return DialectCurrent, nil
	default:
		return 0, fmt.Errorf("unknown dialect %q (want legacy or current)", s)
	}
}
