// Package config loads an HCL description of a connection, the routes to
// forward onto the bus and any scheduled requests.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/robfig/cron/v3"
	"github.com/tsarna/marketws/pkg/marketws/protocol"
	"github.com/tsarna/marketws/pkg/marketws/transform"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ConfigBuilder struct {
	logger  *zap.Logger
	sources []any
}

// RequestSender is the part of a client scheduled jobs need.
type RequestSender interface {
	SendRequest(route string, payload any) (string, error)
}

type Config struct {
	Logger    *zap.Logger
	Functions map[string]function.Function
	evalCtx   *hcl.EvalContext

	// LogLevel is nil unless log_level was set.
	LogLevel      *zapcore.Level
	Connection    ConnectionDefinition
	Subscriptions []Subscription
	Crons         map[string]*cron.Cron

	mu     sync.RWMutex
	sender RequestSender
}

type fileDefinition struct {
	LogLevel      string                   `hcl:"log_level,optional"`
	Connections   []ConnectionDefinition   `hcl:"connection,block"`
	Subscriptions []SubscriptionDefinition `hcl:"subscription,block"`
	Crons         []CronDefinition         `hcl:"cron,block"`
}

type ConnectionDefinition struct {
	Dialect      string            `hcl:"dialect,optional"`
	URL          string            `hcl:"url,optional"`
	DialTimeout  string            `hcl:"dial_timeout,optional"`
	WriteTimeout string            `hcl:"write_timeout,optional"`
	ReadLimit    int64             `hcl:"read_limit,optional"`
	Headers      map[string]string `hcl:"headers,optional"`
	DefRange     hcl.Range         `hcl:",def_range"`

	dialect      protocol.Dialect
	dialTimeout  time.Duration
	writeTimeout time.Duration
}

type SubscriptionDefinition struct {
	Name      string    `hcl:",label"`
	Route     string    `hcl:"route"`
	Jq        string    `hcl:"jq,optional"`
	Delta     bool      `hcl:"delta,optional"`
	RateLimit string    `hcl:"rate_limit,optional"`
	DefRange  hcl.Range `hcl:",def_range"`
}

// Subscription is a validated subscription block.
type Subscription struct {
	Name  string
	Route protocol.Route
	// Topic is the bus topic envelopes on Route are published under.
	Topic      string
	Transforms []transform.MessageTransformFunc
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (cb *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	cb.logger = logger
	return cb
}

func (cb *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	cb.sources = append(cb.sources, sources...)
	return cb
}

func (cb *ConfigBuilder) Build() (*Config, hcl.Diagnostics) {
	logger := cb.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	config := &Config{
		Logger:    logger,
		Functions: GetFunctions(),
		Crons:     make(map[string]*cron.Cron),
	}
	config.evalCtx = &hcl.EvalContext{
		Functions: config.Functions,
		Variables: map[string]cty.Value{
			"env": GetEnvObject(),
		},
	}

	bodies, diags := ParseConfigFiles(cb.sources...)
	if diags.HasErrors() {
		return nil, diags
	}

	var def fileDefinition
	diags = diags.Extend(gohcl.DecodeBody(hcl.MergeBodies(bodies), config.evalCtx, &def))
	if diags.HasErrors() {
		return nil, diags
	}

	diags = diags.Extend(config.processLogLevel(def.LogLevel))
	diags = diags.Extend(config.processConnection(def.Connections))
	diags = diags.Extend(config.processSubscriptions(def.Subscriptions))
	diags = diags.Extend(config.processCrons(def.Crons))
	if diags.HasErrors() {
		return nil, diags
	}

	config.Logger.Info("Config built successfully",
		zap.Int("subscriptions", len(config.Subscriptions)),
		zap.Int("crons", len(config.Crons)),
	)

	return config, diags
}

func (c *Config) processLogLevel(level string) hcl.Diagnostics {
	if level == "" {
		return nil
	}

	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Invalid log level",
			Detail:   fmt.Sprintf("Invalid log_level %q: %s", level, err),
		}}
	}
	c.LogLevel = &parsed
	return nil
}

// SetSender sets where scheduled requests are sent. Jobs firing before a
// sender is set are skipped.
func (c *Config) SetSender(sender RequestSender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender = sender
}

func (c *Config) getSender() RequestSender {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sender
}

// Start starts every cron scheduler.
func (c *Config) Start() {
	for _, cronObj := range c.Crons {
		cronObj.Start()
	}
}

// Stop stops every cron scheduler and waits for running jobs.
func (c *Config) Stop() {
	for _, cronObj := range c.Crons {
		<-cronObj.Stop().Done()
	}
}
