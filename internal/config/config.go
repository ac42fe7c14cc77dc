package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type ArrivalModel string

const (
	ArrivalModelUniform ArrivalModel = "uniform"
	ArrivalModelPoisson ArrivalModel = "poisson"
)

type TraceProtocol string

const (
	TraceProtocolGRPC TraceProtocol = "grpc"
	TraceProtocolHTTP TraceProtocol = "http"
)

// Config is the resolved harness configuration: file settings with any
// explicitly set CLI flags layered on top.
type Config struct {
	TargetURL  string        `mapstructure:"target"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Rate       int           `mapstructure:"rate"`
	Seed       int64         `mapstructure:"seed"`
	Arrival    ArrivalConfig `mapstructure:"arrival"`
	Markers    []string      `mapstructure:"markers"`
	Poll       PollConfig    `mapstructure:"poll"`
	Scenarios  Scenarios     `mapstructure:"scenarios"`
	Timing     TimingConfig  `mapstructure:"timing"`
	Thresholds []string      `mapstructure:"thresholds"`
	JSONOutput bool          `mapstructure:"json_output"`
	OutFile    string        `mapstructure:"out_file"`
	Dashboard  bool          `mapstructure:"dashboard"`
	Tracing    TracingConfig `mapstructure:"tracing"`
	Verbose    bool          `mapstructure:"verbose"`
	Quiet      bool          `mapstructure:"quiet"`
	ConfigFile string        `mapstructure:"-"`
}

type ArrivalConfig struct {
	Model ArrivalModel `mapstructure:"model"`
}

// PollConfig sets the default cadence for convergence checks. Individual
// timing checks may override both values.
type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

type Scenarios struct {
	Smoke         SmokeConfig `mapstructure:"smoke"`
	RegisterStorm StormConfig `mapstructure:"register_storm"`
	CreationStorm StormConfig `mapstructure:"creation_storm"`
	Churn         ChurnConfig `mapstructure:"churn"`
	Flood         FloodConfig `mapstructure:"message_flood"`
	Mixed         MixedConfig `mapstructure:"mixed"`
	Chaos         ChaosConfig `mapstructure:"chaos"`
}

type SmokeConfig struct {
	Messages int `mapstructure:"messages"`
}

// StormConfig shapes a fixed batch: Units independent work units executed
// with at most Concurrency in flight.
type StormConfig struct {
	Units       int `mapstructure:"units"`
	Concurrency int `mapstructure:"concurrency"`
}

type ChurnConfig struct {
	Units       int `mapstructure:"units"`
	Concurrency int `mapstructure:"concurrency"`
	Accounts    int `mapstructure:"accounts"`
}

type FloodConfig struct {
	Rooms       int `mapstructure:"rooms"`
	Messages    int `mapstructure:"messages"`
	Concurrency int `mapstructure:"concurrency"`
	Rate        int `mapstructure:"rate"`
}

type MixedConfig struct {
	Workers  int           `mapstructure:"workers"`
	Duration time.Duration `mapstructure:"duration"`
}

type ChaosConfig struct {
	Units       int    `mapstructure:"units"`
	Concurrency int    `mapstructure:"concurrency"`
	Races       int    `mapstructure:"races"`
	PayloadFile string `mapstructure:"payload_file"`
}

// TimingConfig holds the target budgets for the delay scenario's
// convergence checks. A miss is a warning unless Strict is set; a check
// whose condition is never observed fails regardless.
type TimingConfig struct {
	MessageSync    time.Duration `mapstructure:"message_sync"`
	ServerList     time.Duration `mapstructure:"server_list"`
	ChannelUsable  time.Duration `mapstructure:"channel_usable"`
	VoiceClear     time.Duration `mapstructure:"voice_clear"`
	PresenceSpread time.Duration `mapstructure:"presence_spread"`
	Strict         bool          `mapstructure:"strict"`
}

type TracingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Endpoint   string        `mapstructure:"endpoint"`
	Protocol   TraceProtocol `mapstructure:"protocol"`
	SampleRate float64       `mapstructure:"sample_rate"`
	Insecure   bool          `mapstructure:"insecure"`
}

// Default returns the configuration used when neither file nor flags say
// otherwise. Scenario shapes match the reference workload suite.
func Default() *Config {
	return &Config{
		Timeout: 30 * time.Second,
		Arrival: ArrivalConfig{Model: ArrivalModelUniform},
		Markers: []string{"M_USER_IN_USE", "M_ROOM_IN_USE"},
		Poll: PollConfig{
			Interval: 100 * time.Millisecond,
			MaxWait:  3 * time.Second,
		},
		Scenarios: Scenarios{
			Smoke:         SmokeConfig{Messages: 5},
			RegisterStorm: StormConfig{Units: 10, Concurrency: 5},
			CreationStorm: StormConfig{Units: 20, Concurrency: 3},
			Churn:         ChurnConfig{Units: 50, Concurrency: 5, Accounts: 10},
			Flood:         FloodConfig{Rooms: 3, Messages: 100, Concurrency: 10},
			Mixed:         MixedConfig{Workers: 10, Duration: 60 * time.Second},
			Chaos:         ChaosConfig{Units: 50, Concurrency: 5, Races: 5},
		},
		Timing: TimingConfig{
			MessageSync:    time.Second,
			ServerList:     500 * time.Millisecond,
			ChannelUsable:  300 * time.Millisecond,
			VoiceClear:     500 * time.Millisecond,
			PresenceSpread: time.Second,
		},
		Tracing: TracingConfig{
			Endpoint:   "localhost:4317",
			Protocol:   TraceProtocolGRPC,
			SampleRate: 1.0,
			Insecure:   true,
		},
	}
}

// ValidationError collects every configuration problem found instead of
// failing on the first one.
type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

func (c Config) Validate() error {
	var issues []string
	var warnings []string

	if strings.TrimSpace(c.TargetURL) == "" {
		issues = append(issues, "target is required (use --help for usage information)")
	}
	if c.Timeout < 0 {
		issues = append(issues, "timeout must be >= 0")
	}
	if c.Rate < 0 {
		issues = append(issues, "rate must be >= 0")
	}
	if c.Verbose && c.Quiet {
		issues = append(issues, "verbose and quiet are mutually exclusive")
	}
	if c.Dashboard && c.JSONOutput {
		issues = append(issues, "dashboard and json output are mutually exclusive")
	}

	if c.Rate > 1000 {
		warnings = append(warnings, fmt.Sprintf("WARNING: High rate limit configured (%d ops/s). Ensure you have authorization to test the target system.", c.Rate))
	}
	if peak := c.Scenarios.maxConcurrency(); peak > 500 {
		warnings = append(warnings, fmt.Sprintf("WARNING: High concurrency configured (%d workers). Ensure you have authorization to test the target system.", peak))
	}
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, w)
	}

	issues = append(issues, validateArrivalConfig(c.Arrival)...)
	issues = append(issues, validatePollConfig(c.Poll)...)
	issues = append(issues, c.Scenarios.validate()...)
	issues = append(issues, validateTimingConfig(c.Timing)...)
	issues = append(issues, validateTracingConfig(c.Tracing)...)

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

func validateArrivalConfig(arr ArrivalConfig) []string {
	model := arr.Model
	if model == "" {
		model = ArrivalModelUniform
	}
	switch model {
	case ArrivalModelUniform, ArrivalModelPoisson:
		return nil
	default:
		return []string{fmt.Sprintf("arrival model %q is not supported", model)}
	}
}

func validatePollConfig(poll PollConfig) []string {
	var issues []string
	if poll.Interval <= 0 {
		issues = append(issues, "poll.interval must be > 0")
	}
	if poll.MaxWait <= 0 {
		issues = append(issues, "poll.max_wait must be > 0")
	}
	return issues
}

func (s Scenarios) validate() []string {
	var issues []string
	nonNegative := func(field string, v int) {
		if v < 0 {
			issues = append(issues, fmt.Sprintf("scenarios.%s must be >= 0", field))
		}
	}
	nonNegative("smoke.messages", s.Smoke.Messages)
	nonNegative("register_storm.units", s.RegisterStorm.Units)
	nonNegative("register_storm.concurrency", s.RegisterStorm.Concurrency)
	nonNegative("creation_storm.units", s.CreationStorm.Units)
	nonNegative("creation_storm.concurrency", s.CreationStorm.Concurrency)
	nonNegative("churn.units", s.Churn.Units)
	nonNegative("churn.concurrency", s.Churn.Concurrency)
	nonNegative("churn.accounts", s.Churn.Accounts)
	nonNegative("message_flood.rooms", s.Flood.Rooms)
	nonNegative("message_flood.messages", s.Flood.Messages)
	nonNegative("message_flood.concurrency", s.Flood.Concurrency)
	nonNegative("message_flood.rate", s.Flood.Rate)
	nonNegative("mixed.workers", s.Mixed.Workers)
	nonNegative("chaos.units", s.Chaos.Units)
	nonNegative("chaos.concurrency", s.Chaos.Concurrency)
	nonNegative("chaos.races", s.Chaos.Races)
	if s.Mixed.Duration < 0 {
		issues = append(issues, "scenarios.mixed.duration must be >= 0")
	}
	return issues
}

func (s Scenarios) maxConcurrency() int {
	peak := 0
	for _, v := range []int{
		s.RegisterStorm.Concurrency,
		s.CreationStorm.Concurrency,
		s.Churn.Concurrency,
		s.Flood.Concurrency,
		s.Mixed.Workers,
		s.Chaos.Concurrency,
	} {
		if v > peak {
			peak = v
		}
	}
	return peak
}

func validateTimingConfig(timing TimingConfig) []string {
	var issues []string
	targets := []struct {
		name string
		d    time.Duration
	}{
		{"message_sync", timing.MessageSync},
		{"server_list", timing.ServerList},
		{"channel_usable", timing.ChannelUsable},
		{"voice_clear", timing.VoiceClear},
		{"presence_spread", timing.PresenceSpread},
	}
	for _, t := range targets {
		if t.d < 0 {
			issues = append(issues, fmt.Sprintf("timing.%s must be >= 0", t.name))
		}
	}
	return issues
}

func validateTracingConfig(tr TracingConfig) []string {
	if !tr.Enabled {
		return nil
	}
	var issues []string
	switch tr.Protocol {
	case TraceProtocolGRPC, TraceProtocolHTTP:
	default:
		issues = append(issues, fmt.Sprintf("tracing protocol must be 'grpc' or 'http', got %q", tr.Protocol))
	}
	if tr.SampleRate < 0 || tr.SampleRate > 1 {
		issues = append(issues, "tracing sample_rate must be within [0, 1]")
	}
	if strings.TrimSpace(tr.Endpoint) == "" {
		issues = append(issues, "tracing endpoint is required when tracing is enabled")
	}
	return issues
}
