package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader handles loading configuration from files and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses command-line arguments and configuration files to produce a
// Config. Flag values override file values only when the flag was set.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	return Resolve(flagSet)
}

// Resolve builds a Config from an already parsed flag set: defaults, then
// the config file named by --config, then explicitly changed flags.
func Resolve(fs *pflag.FlagSet) (*Config, error) {
	configPath := ""
	if f := fs.Lookup("config"); f != nil {
		configPath = f.Value.String()
	}

	cfgViper := viper.New()
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := Default()
	cfg.ConfigFile = configPath

	if err := applyConfigSettings(cfg, cfgViper.AllSettings()); err != nil {
		return nil, err
	}
	if err := applyFlagOverrides(cfg, fs); err != nil {
		return nil, err
	}

	cfg.TargetURL = strings.TrimSpace(cfg.TargetURL)
	return cfg, nil
}

// applyConfigSettings applies settings from a config file to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	if raw, ok := lookupSetting(settings, "target"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("target: %w", err)
		}
		cfg.TargetURL = strings.TrimSpace(val)
	}

	if raw, ok := lookupSetting(settings, "timeout"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		cfg.Timeout = dur
	}

	if raw, ok := lookupSetting(settings, "rate"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("rate: %w", err)
		}
		cfg.Rate = val
	}

	if raw, ok := lookupSetting(settings, "seed"); ok {
		val, err := asInt64(raw)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		cfg.Seed = val
	}

	if raw, ok := lookupSetting(settings, "arrival"); ok {
		arrival, err := parseArrival(raw)
		if err != nil {
			return fmt.Errorf("arrival: %w", err)
		}
		if arrival.Model != "" {
			cfg.Arrival = arrival
		}
	} else if raw, ok := lookupSetting(settings, "arrivalmodel", "arrival_model", "arrival-model"); ok {
		arrival, err := parseArrival(raw)
		if err != nil {
			return fmt.Errorf("arrivalModel: %w", err)
		}
		if arrival.Model != "" {
			cfg.Arrival = arrival
		}
	}

	if raw, ok := lookupSetting(settings, "markers"); ok {
		markers, err := asStringSlice(raw)
		if err != nil {
			return fmt.Errorf("markers: %w", err)
		}
		cfg.Markers = markers
	}

	if raw, ok := lookupSetting(settings, "poll"); ok {
		if err := parsePoll(raw, &cfg.Poll); err != nil {
			return fmt.Errorf("poll: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "scenarios"); ok {
		if err := parseScenarios(raw, &cfg.Scenarios); err != nil {
			return fmt.Errorf("scenarios: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "timing"); ok {
		if err := parseTiming(raw, &cfg.Timing); err != nil {
			return fmt.Errorf("timing: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "thresholds"); ok {
		thresholds, err := asStringSlice(raw)
		if err != nil {
			return fmt.Errorf("thresholds: %w", err)
		}
		cfg.Thresholds = thresholds
	}

	if raw, ok := lookupSetting(settings, "json", "jsonoutput", "json_output", "json-output"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("jsonOutput: %w", err)
		}
		cfg.JSONOutput = val
	}

	if raw, ok := lookupSetting(settings, "out", "outfile", "out_file", "out-file"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("outFile: %w", err)
		}
		cfg.OutFile = strings.TrimSpace(val)
	}

	if raw, ok := lookupSetting(settings, "dashboard"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
		cfg.Dashboard = val
	}

	if raw, ok := lookupSetting(settings, "tracing"); ok {
		if err := parseTracing(raw, &cfg.Tracing); err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "verbose"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("verbose: %w", err)
		}
		cfg.Verbose = val
	}

	if raw, ok := lookupSetting(settings, "quiet"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("quiet: %w", err)
		}
		cfg.Quiet = val
	}

	return nil
}

// parseArrival accepts either a bare model name or a {model: ...} block.
func parseArrival(value interface{}) (ArrivalConfig, error) {
	if value == nil {
		return ArrivalConfig{}, nil
	}
	switch v := value.(type) {
	case string:
		model := strings.ToLower(strings.TrimSpace(v))
		if model == "" {
			return ArrivalConfig{}, nil
		}
		return ArrivalConfig{Model: ArrivalModel(model)}, nil
	default:
		entry, err := toStringKeyMap(value)
		if err != nil {
			return ArrivalConfig{}, err
		}
		if raw, ok := lookupSetting(entry, "model"); ok {
			val, err := asString(raw)
			if err != nil {
				return ArrivalConfig{}, fmt.Errorf("model: %w", err)
			}
			return ArrivalConfig{Model: ArrivalModel(strings.ToLower(strings.TrimSpace(val)))}, nil
		}
		return ArrivalConfig{}, fmt.Errorf("model field is required")
	}
}

func parsePoll(value interface{}, poll *PollConfig) error {
	entry, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	if raw, ok := lookupSetting(entry, "interval"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("interval: %w", err)
		}
		poll.Interval = dur
	}
	if raw, ok := lookupSetting(entry, "maxwait", "max_wait", "max-wait"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("max_wait: %w", err)
		}
		poll.MaxWait = dur
	}
	return nil
}

func parseScenarios(value interface{}, sc *Scenarios) error {
	entry, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	if raw, ok := lookupSetting(entry, "smoke"); ok {
		if err := parseSmoke(raw, &sc.Smoke); err != nil {
			return fmt.Errorf("smoke: %w", err)
		}
	}
	if raw, ok := lookupSetting(entry, "registerstorm", "register_storm", "register-storm"); ok {
		if err := parseStorm(raw, &sc.RegisterStorm); err != nil {
			return fmt.Errorf("register_storm: %w", err)
		}
	}
	if raw, ok := lookupSetting(entry, "creationstorm", "creation_storm", "creation-storm"); ok {
		if err := parseStorm(raw, &sc.CreationStorm); err != nil {
			return fmt.Errorf("creation_storm: %w", err)
		}
	}
	if raw, ok := lookupSetting(entry, "churn"); ok {
		if err := parseChurn(raw, &sc.Churn); err != nil {
			return fmt.Errorf("churn: %w", err)
		}
	}
	if raw, ok := lookupSetting(entry, "messageflood", "message_flood", "message-flood", "flood"); ok {
		if err := parseFlood(raw, &sc.Flood); err != nil {
			return fmt.Errorf("message_flood: %w", err)
		}
	}
	if raw, ok := lookupSetting(entry, "mixed"); ok {
		if err := parseMixed(raw, &sc.Mixed); err != nil {
			return fmt.Errorf("mixed: %w", err)
		}
	}
	if raw, ok := lookupSetting(entry, "chaos"); ok {
		if err := parseChaos(raw, &sc.Chaos); err != nil {
			return fmt.Errorf("chaos: %w", err)
		}
	}
	return nil
}

func parseSmoke(value interface{}, smoke *SmokeConfig) error {
	entry, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	if raw, ok := lookupSetting(entry, "messages"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("messages: %w", err)
		}
		smoke.Messages = val
	}
	return nil
}

func parseStorm(value interface{}, storm *StormConfig) error {
	entry, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	if raw, ok := lookupSetting(entry, "units"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("units: %w", err)
		}
		storm.Units = val
	}
	if raw, ok := lookupSetting(entry, "concurrency"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("concurrency: %w", err)
		}
		storm.Concurrency = val
	}
	return nil
}

func parseChurn(value interface{}, churn *ChurnConfig) error {
	entry, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	if raw, ok := lookupSetting(entry, "units"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("units: %w", err)
		}
		churn.Units = val
	}
	if raw, ok := lookupSetting(entry, "concurrency"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("concurrency: %w", err)
		}
		churn.Concurrency = val
	}
	if raw, ok := lookupSetting(entry, "accounts"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("accounts: %w", err)
		}
		churn.Accounts = val
	}
	return nil
}

func parseFlood(value interface{}, flood *FloodConfig) error {
	entry, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	if raw, ok := lookupSetting(entry, "rooms"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("rooms: %w", err)
		}
		flood.Rooms = val
	}
	if raw, ok := lookupSetting(entry, "messages"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("messages: %w", err)
		}
		flood.Messages = val
	}
	if raw, ok := lookupSetting(entry, "concurrency"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("concurrency: %w", err)
		}
		flood.Concurrency = val
	}
	if raw, ok := lookupSetting(entry, "rate"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("rate: %w", err)
		}
		flood.Rate = val
	}
	return nil
}

func parseMixed(value interface{}, mixed *MixedConfig) error {
	entry, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	if raw, ok := lookupSetting(entry, "workers"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("workers: %w", err)
		}
		mixed.Workers = val
	}
	if raw, ok := lookupSetting(entry, "duration"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("duration: %w", err)
		}
		mixed.Duration = dur
	}
	return nil
}

func parseChaos(value interface{}, chaos *ChaosConfig) error {
	entry, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	if raw, ok := lookupSetting(entry, "units"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("units: %w", err)
		}
		chaos.Units = val
	}
	if raw, ok := lookupSetting(entry, "concurrency"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("concurrency: %w", err)
		}
		chaos.Concurrency = val
	}
	if raw, ok := lookupSetting(entry, "races"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("races: %w", err)
		}
		chaos.Races = val
	}
	if raw, ok := lookupSetting(entry, "payloadfile", "payload_file", "payload-file", "payloads"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("payload_file: %w", err)
		}
		chaos.PayloadFile = strings.TrimSpace(val)
	}
	return nil
}

func parseTiming(value interface{}, timing *TimingConfig) error {
	entry, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	if raw, ok := lookupSetting(entry, "messagesync", "message_sync", "message-sync"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("message_sync: %w", err)
		}
		timing.MessageSync = dur
	}
	if raw, ok := lookupSetting(entry, "serverlist", "server_list", "server-list"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("server_list: %w", err)
		}
		timing.ServerList = dur
	}
	if raw, ok := lookupSetting(entry, "channelusable", "channel_usable", "channel-usable"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("channel_usable: %w", err)
		}
		timing.ChannelUsable = dur
	}
	if raw, ok := lookupSetting(entry, "voiceclear", "voice_clear", "voice-clear"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("voice_clear: %w", err)
		}
		timing.VoiceClear = dur
	}
	if raw, ok := lookupSetting(entry, "presencespread", "presence_spread", "presence-spread"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("presence_spread: %w", err)
		}
		timing.PresenceSpread = dur
	}
	if raw, ok := lookupSetting(entry, "strict"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("strict: %w", err)
		}
		timing.Strict = val
	}
	return nil
}

func parseTracing(value interface{}, tr *TracingConfig) error {
	entry, err := toStringKeyMap(value)
	if err != nil {
		return err
	}
	if raw, ok := lookupSetting(entry, "enabled"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("enabled: %w", err)
		}
		tr.Enabled = val
	}
	if raw, ok := lookupSetting(entry, "endpoint"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("endpoint: %w", err)
		}
		tr.Endpoint = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(entry, "protocol"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("protocol: %w", err)
		}
		tr.Protocol = TraceProtocol(strings.ToLower(strings.TrimSpace(val)))
	}
	if raw, ok := lookupSetting(entry, "samplerate", "sample_rate", "sample-rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("sample_rate: %w", err)
		}
		tr.SampleRate = val
	}
	if raw, ok := lookupSetting(entry, "insecure"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("insecure: %w", err)
		}
		tr.Insecure = val
	}
	return nil
}
