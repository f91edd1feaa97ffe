package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/tsarna/marketws/pkg/marketws/protocol"
	"github.com/tsarna/marketws/pkg/marketws/socket"
)

func (c *Config) processConnection(defs []ConnectionDefinition) hcl.Diagnostics {
	var diags hcl.Diagnostics

	if len(defs) > 1 {
		return diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Duplicate connection block",
			Detail:   "Only one connection block may be defined",
			Subject:  &defs[1].DefRange,
		})
	}

	conn := ConnectionDefinition{}
	if len(defs) == 1 {
		conn = defs[0]
	}

	dialect, err := protocol.ParseDialect(conn.Dialect)
	if err != nil {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid dialect",
			Detail:   err.Error(),
			Subject:  &conn.DefRange,
		})
	}
	conn.dialect = dialect

	conn.dialTimeout, diags = parseDuration(diags, "dial_timeout", conn.DialTimeout, &conn.DefRange)
	conn.writeTimeout, diags = parseDuration(diags, "write_timeout", conn.WriteTimeout, &conn.DefRange)

	c.Connection = conn
	return diags
}

func parseDuration(diags hcl.Diagnostics, name, value string, subject *hcl.Range) (time.Duration, hcl.Diagnostics) {
	if value == "" {
		return 0, diags
	}

	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid duration",
			Detail:   fmt.Sprintf("%s must be a positive duration such as \"10s\", got %q", name, value),
			Subject:  subject,
		})
	}
	return d, diags
}

// Dialect returns the configured dialect, DialectCurrent by default.
func (c *Config) Dialect() protocol.Dialect {
	return c.Connection.dialect
}

// ClientBuilder returns a client builder carrying the connection settings.
// Routes, metrics and error handling are left for the caller to add.
func (c *Config) ClientBuilder() *socket.ClientBuilder {
	conn := c.Connection

	b := socket.NewClient().
		WithLogger(c.Logger).
		WithDialect(conn.dialect)

	if conn.URL != "" {
		b.WithURL(conn.URL)
	}
	if conn.dialTimeout > 0 {
		b.WithDialTimeout(conn.dialTimeout)
	}
	if conn.writeTimeout > 0 {
		b.WithWriteTimeout(conn.writeTimeout)
	}
	if conn.ReadLimit > 0 {
		b.WithReadLimit(conn.ReadLimit)
	}
	for key, value := range conn.Headers {
		b.WithHeader(key, value)
	}

	return b
}
