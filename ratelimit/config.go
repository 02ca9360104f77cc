/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/acronis/go-gatekit/config"
	"github.com/acronis/go-gatekit/pipeline"
)

const cfgDefaultKeyPrefix = "rateLimit"

const cfgKeyStages = "stages"

// KeyType is a type of the admission key source.
type KeyType string

// Admission key types.
const (
	KeyTypeRemoteAddr KeyType = "remote_addr"
	KeyTypeHeader     KeyType = "header"
)

// KeyConfig represents a configuration of the admission key derivation.
type KeyConfig struct {
	// Type determines the source of the admission key.
	Type KeyType `mapstructure:"type" yaml:"type" json:"type"`

	// HeaderName is a name of the request header which value will be used as a key.
	// Matters only when Type is a "header".
	HeaderName string `mapstructure:"headerName" yaml:"headerName" json:"headerName"`

	// ExemptKeys is a list of glob patterns; matching keys bypass the admission control.
	ExemptKeys []string `mapstructure:"exemptKeys" yaml:"exemptKeys" json:"exemptKeys"`
}

// Validate validates key configuration.
func (c *KeyConfig) Validate() error {
	switch c.Type {
	case KeyTypeRemoteAddr, "":
	case KeyTypeHeader:
		if c.HeaderName == "" {
			return fmt.Errorf("header name should be specified for %q key type", KeyTypeHeader)
		}
	default:
		return fmt.Errorf("unknown key type %q", c.Type)
	}
	return nil
}

func (c *KeyConfig) makeGetKeyFunc() GetKeyFunc {
	var getKey GetKeyFunc
	switch c.Type {
	case KeyTypeHeader:
		getKey = MakeGetKeyByHeader(c.HeaderName)
	default:
		getKey = GetKeyByRemoteAddr
	}
	if len(c.ExemptKeys) != 0 {
		getKey = MakeGetKeyWithExemptions(getKey, c.ExemptKeys)
	}
	return getKey
}

// RateValue represents the quota in the "<count>/<duration>" form, e.g. "100/15m" or "10/m".
type RateValue struct {
	Count  int
	Window time.Duration
}

// String returns a string representation of the rate value.
// Implements fmt.Stringer interface.
func (rv RateValue) String() string {
	if rv.Count == 0 && rv.Window == 0 {
		return ""
	}
	var d string
	switch rv.Window {
	case time.Second:
		d = "s"
	case time.Minute:
		d = "m"
	case time.Hour:
		d = "h"
	default:
		d = rv.Window.String()
	}
	return fmt.Sprintf("%d/%s", rv.Count, d)
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (rv *RateValue) UnmarshalText(text []byte) error {
	return rv.unmarshal(string(text))
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (rv *RateValue) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	return rv.unmarshal(text)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (rv *RateValue) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	return rv.unmarshal(text)
}

func (rv *RateValue) unmarshal(rate string) error {
	if rate == "" {
		*rv = RateValue{}
		return nil
	}
	parts := strings.SplitN(rate, "/", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid rate %q, should be in the format <count>/<duration>", rate)
	}
	count, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return fmt.Errorf("invalid count in rate %q: %w", rate, err)
	}
	durStr := strings.TrimSpace(parts[1])
	switch durStr {
	case "s":
		*rv = RateValue{Count: count, Window: time.Second}
		return nil
	case "m":
		*rv = RateValue{Count: count, Window: time.Minute}
		return nil
	case "h":
		*rv = RateValue{Count: count, Window: time.Hour}
		return nil
	}
	dur, err := time.ParseDuration(durStr)
	if err != nil {
		return fmt.Errorf("invalid duration in rate %q: %w", rate, err)
	}
	*rv = RateValue{Count: count, Window: dur}
	return nil
}

// MarshalText implements the encoding.TextMarshaler interface.
func (rv RateValue) MarshalText() ([]byte, error) {
	return []byte(rv.String()), nil
}

// MarshalJSON implements the json.Marshaler interface.
func (rv RateValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(rv.String())
}

// MarshalYAML implements the yaml.Marshaler interface.
func (rv RateValue) MarshalYAML() (interface{}, error) {
	return rv.String(), nil
}

// StageConfig represents a configuration of a single admission stage:
// a policy plus its route scope. Stages are applied in the order they are listed.
type StageConfig struct {
	// Name is a unique name of the stage.
	Name string `mapstructure:"name" yaml:"name" json:"name"`

	// Rate is a quota in the "<count>/<duration>" form, e.g. "100/15m".
	Rate RateValue `mapstructure:"rate" yaml:"rate" json:"rate"`

	// AlwaysReject explicitly marks the zero-count rate as intended.
	// Protects against a forgotten rate silently rejecting all requests.
	AlwaysReject bool `mapstructure:"alwaysReject" yaml:"alwaysReject" json:"alwaysReject"`

	Key KeyConfig `mapstructure:"key" yaml:"key" json:"key"`

	SkipOnSuccess bool `mapstructure:"skipOnSuccess" yaml:"skipOnSuccess" json:"skipOnSuccess"`
	SkipOnFailure bool `mapstructure:"skipOnFailure" yaml:"skipOnFailure" json:"skipOnFailure"`

	// Message is a human-readable text put into the body of the 429 response.
	Message string `mapstructure:"message" yaml:"message" json:"message"`

	// Routes/ExcludedRoutes define the stage's route scope (pipeline.RouteScope semantics).
	Routes         []string `mapstructure:"routes" yaml:"routes" json:"routes"`
	ExcludedRoutes []string `mapstructure:"excludedRoutes" yaml:"excludedRoutes" json:"excludedRoutes"`

	DryRun            bool `mapstructure:"dryRun" yaml:"dryRun" json:"dryRun"`
	EmitLegacyHeaders bool `mapstructure:"emitLegacyHeaders" yaml:"emitLegacyHeaders" json:"emitLegacyHeaders"`
}

// Validate validates stage configuration.
func (c *StageConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name should not be empty")
	}
	if c.Rate.Count < 0 {
		return fmt.Errorf("rate count should not be negative, got %d", c.Rate.Count)
	}
	if c.Rate.Count == 0 && !c.AlwaysReject {
		return fmt.Errorf("rate is not specified for stage %q (set alwaysReject explicitly to reject all requests)", c.Name)
	}
	if c.Rate.Window <= 0 && !c.AlwaysReject {
		return fmt.Errorf("rate window should be positive, got %s", c.Rate.Window)
	}
	return c.Key.Validate()
}

// Policy builds the validated Policy described by the stage configuration.
func (c *StageConfig) Policy() Policy {
	window := c.Rate.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return Policy{
		Window:        window,
		MaxRequests:   c.Rate.Count,
		GetKey:        c.Key.makeGetKeyFunc(),
		SkipOnSuccess: c.SkipOnSuccess,
		SkipOnFailure: c.SkipOnFailure,
		Message:       c.Message,
	}
}

// Config represents a set of configuration parameters for the admission stages.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader,
// viper, or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	Stages []StageConfig `mapstructure:"stages" yaml:"stages" json:"stages"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a functional option for Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// The prefix is used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// KeyPrefix returns the prefix under which all configuration parameters are expected.
// Implements the config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
// Implements the config.Config interface.
func (c *Config) SetProviderDefaults(_ config.DataProvider) {
}

// Set sets configuration values from config.DataProvider.
// Implements the config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	if err := dp.UnmarshalKey(cfgKeyStages, &c.Stages, func(decoderConfig *mapstructure.DecoderConfig) {
		decoderConfig.DecodeHook = MapstructureDecodeHook()
	}); err != nil {
		return err
	}
	return c.Validate()
}

// MapstructureDecodeHook returns a DecodeHookFunc for mapstructure to handle custom types.
func MapstructureDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructureTrimSpaceStringsHookFunc(),
	)
}

func mapstructureTrimSpaceStringsHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Kind,
		t reflect.Kind,
		data interface{},
	) (interface{}, error) {
		if f != reflect.String || t != reflect.String {
			return data, nil
		}
		return strings.TrimSpace(data.(string)), nil
	}
}

// Validate validates configuration.
func (c *Config) Validate() error {
	seenNames := make(map[string]struct{}, len(c.Stages))
	for i := range c.Stages {
		stage := &c.Stages[i]
		if err := stage.Validate(); err != nil {
			return fmt.Errorf("validate stage #%d: %w", i, err)
		}
		if _, ok := seenNames[stage.Name]; ok {
			return fmt.Errorf("stage %q is configured more than once", stage.Name)
		}
		seenNames[stage.Name] = struct{}{}
	}
	return nil
}

// MakePipelineStages builds the ordered list of pipeline stages described by the configuration,
// all backed by the passed counter store.
func (c *Config) MakePipelineStages(store Store) ([]pipeline.Stage, error) {
	stages := make([]pipeline.Stage, 0, len(c.Stages))
	for i := range c.Stages {
		cfgStage := &c.Stages[i]
		mw, err := RequestLimitWithOpts(cfgStage.Policy(), store, RequestLimitOpts{
			DryRun:            cfgStage.DryRun,
			EmitLegacyHeaders: cfgStage.EmitLegacyHeaders,
		})
		if err != nil {
			return nil, fmt.Errorf("make request limit stage %q: %w", cfgStage.Name, err)
		}
		stages = append(stages, pipeline.Stage{
			Name: cfgStage.Name,
			Scope: pipeline.RouteScope{
				Only: cfgStage.Routes,
				Skip: cfgStage.ExcludedRoutes,
			},
			Middleware: mw,
		})
	}
	return stages, nil
}
