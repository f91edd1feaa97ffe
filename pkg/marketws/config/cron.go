package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/robfig/cron/v3"
	"github.com/tsarna/go2cty2go"
	"github.com/tsarna/marketws/pkg/marketws/protocol"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"
)

type CronDefinition struct {
	Name     string             `hcl:",label"`
	Timezone string             `hcl:"timezone,optional"`
	At       []CronAtDefinition `hcl:"at,block"`
	DefRange hcl.Range          `hcl:",def_range"`
}

type CronAtDefinition struct {
	Schedule string         `hcl:"schedule,label"`
	Name     string         `hcl:"name,label"`
	Route    string         `hcl:"route"`
	Payload  hcl.Expression `hcl:"payload,optional"`
	DefRange hcl.Range      `hcl:",def_range"`
}

func (c *Config) processCrons(defs []CronDefinition) hcl.Diagnostics {
	var diags hcl.Diagnostics

	for i := range defs {
		def := &defs[i]
		if _, exists := c.Crons[def.Name]; exists {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate cron",
				Detail:   fmt.Sprintf("Cron %q is defined more than once", def.Name),
				Subject:  &def.DefRange,
			})
			continue
		}

		cronObj, addDiags := c.BuildCron(def)
		diags = diags.Extend(addDiags)
		if cronObj != nil {
			c.Crons[def.Name] = cronObj
		}
	}

	return diags
}

// BuildCron builds a scheduler for one cron block. Its jobs send through the
// sender set with SetSender.
func (c *Config) BuildCron(def *CronDefinition) (*cron.Cron, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	timezone := def.Timezone
	if timezone == "" {
		timezone = "Local"
	}

	location, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid timezone",
			Detail:   fmt.Sprintf("Invalid timezone: %s", timezone),
			Subject:  &def.DefRange,
		})
	}

	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	cronObj := cron.New(
		cron.WithLogger(NewZapCronLogger(c.Logger)),
		cron.WithParser(parser),
		cron.WithLocation(location),
	)

	for _, at := range def.At {
		route, err := protocol.ParseRoute(at.Route)
		if err == nil && route.IsInternal() {
			err = protocol.ErrReservedPath
		}
		if err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid route",
				Detail:   fmt.Sprintf("Cron %q at %q: %s", def.Name, at.Name, err),
				Subject:  &at.DefRange,
			})
			continue
		}

		action := &AtAction{
			config:   c,
			cronName: def.Name,
			atName:   at.Name,
			route:    at.Route,
			payload:  at.Payload,
		}
		if _, err := cronObj.AddJob(at.Schedule, action); err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid schedule",
				Detail:   fmt.Sprintf("Cron %q at %q: %s", def.Name, at.Name, err),
				Subject:  &at.DefRange,
			})
		}
	}

	return cronObj, diags
}

// AtAction is one scheduled request. The payload expression is evaluated
// each time the job fires.
type AtAction struct {
	config   *Config
	cronName string
	atName   string
	route    string
	payload  hcl.Expression
}

func (a *AtAction) Run() {
	logger := a.config.Logger.With(zap.String("cron", a.cronName), zap.String("at", a.atName))

	sender := a.config.getSender()
	if sender == nil {
		logger.Warn("No sender configured, skipping scheduled request")
		return
	}

	payload, err := a.evaluate()
	if err != nil {
		logger.Error("Error evaluating payload", zap.Error(err))
		return
	}

	id, err := sender.SendRequest(a.route, payload)
	switch {
	case errors.Is(err, protocol.ErrNotConnected):
		logger.Warn("Not connected, skipping scheduled request", zap.String("route", a.route))
	case err != nil:
		logger.Error("Scheduled request failed", zap.String("route", a.route), zap.Error(err))
	default:
		logger.Debug("Scheduled request sent", zap.String("route", a.route), zap.String("id", id))
	}
}

func (a *AtAction) evaluate() (any, error) {
	if a.payload == nil {
		return nil, nil
	}

	evalCtx := a.config.evalCtx.NewChild()
	evalCtx.Variables = map[string]cty.Value{
		"cron": cty.ObjectVal(map[string]cty.Value{
			"name": cty.StringVal(a.cronName),
			"at":   cty.StringVal(a.atName),
		}),
	}

	value, diags := a.payload.Value(evalCtx)
	if diags.HasErrors() {
		return nil, diags
	}
	return ValueToPayload(value)
}

// ValueToPayload converts an evaluated expression into a JSON encodable
// value. Null converts to nil.
func ValueToPayload(value cty.Value) (any, error) {
	if value.IsNull() {
		return nil, nil
	}
	if !value.IsWhollyKnown() {
		return nil, fmt.Errorf("payload is not fully known")
	}
	return go2cty2go.CtyToAny(value)
}

// ZapCronLogger adapts a zap.Logger to cron.Logger. Cron's info messages are
// logged at debug level.
type ZapCronLogger struct {
	logger *zap.Logger
}

func NewZapCronLogger(logger *zap.Logger) *ZapCronLogger {
	return &ZapCronLogger{logger: logger}
}

func (z *ZapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	z.logger.Debug(msg, keyValueFields(keysAndValues)...)
}

func (z *ZapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	z.logger.Error(msg, append(keyValueFields(keysAndValues), zap.Error(err))...)
}

func keyValueFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2+1)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields = append(fields, zap.Any(key, keysAndValues[i+1]))
		}
	}
	return fields
}
