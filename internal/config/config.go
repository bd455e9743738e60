package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/calcheck/internal/bus"
	"github.com/danmuck/calcheck/internal/instrument"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	TransportSerial = "serial"
	TransportTCP    = "tcp"
	TransportSim    = "sim"
)

type ProcedureConfig struct {
	Name       string           `toml:"name" yaml:"name"`
	SessionLog string           `toml:"session_log" yaml:"session_log"`
	Report     string           `toml:"report" yaml:"report"`
	Transport  TransportConfig  `toml:"transport" yaml:"transport"`
	UUT        InstrumentConfig `toml:"uut" yaml:"uut"`
	DMM        InstrumentConfig `toml:"dmm" yaml:"dmm"`
	Check      CheckConfig      `toml:"check" yaml:"check"`
	Monitor    MonitorConfig    `toml:"monitor" yaml:"monitor"`
	Redis      RedisConfig      `toml:"redis" yaml:"redis"`
	Influx     InfluxConfig     `toml:"influx" yaml:"influx"`
}

type TransportConfig struct {
	Kind        string `toml:"kind" yaml:"kind"`
	Port        string `toml:"port" yaml:"port"`
	Baud        int    `toml:"baud" yaml:"baud"`
	Addr        string `toml:"addr" yaml:"addr"`
	DialTimeout string `toml:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout string `toml:"read_timeout" yaml:"read_timeout"`
	EOS         int    `toml:"eos" yaml:"eos"`
}

type InstrumentConfig struct {
	Name               string   `toml:"name" yaml:"name"`
	Address            int      `toml:"address" yaml:"address"`
	Reference          float64  `toml:"reference" yaml:"reference"`
	Make               string   `toml:"make" yaml:"make"`
	Model              string   `toml:"model" yaml:"model"`
	Init               []string `toml:"init" yaml:"init"`
	Deadline           string   `toml:"deadline" yaml:"deadline"`
	Settle             string   `toml:"settle" yaml:"settle"`
	IdentifyCommand    string   `toml:"identify_command" yaml:"identify_command"`
	IdentifySeparator  string   `toml:"identify_separator" yaml:"identify_separator"`
	TemperatureArm     string   `toml:"temperature_arm" yaml:"temperature_arm"`
	TemperatureCommand string   `toml:"temperature_command" yaml:"temperature_command"`
	// TemperaturePlaceholder is cached when a temperature read fails.
	TemperaturePlaceholder float64 `toml:"temperature_placeholder" yaml:"temperature_placeholder"`
	FaultCommand           string  `toml:"fault_command" yaml:"fault_command"`
}

type CheckConfig struct {
	Setpoint        string   `toml:"setpoint" yaml:"setpoint"`
	Nominal         float64  `toml:"nominal" yaml:"nominal"`
	Samples         int      `toml:"samples" yaml:"samples"`
	Trigger         string   `toml:"trigger" yaml:"trigger"`
	StandbySettle   string   `toml:"standby_settle" yaml:"standby_settle"`
	OutputSettle    string   `toml:"output_settle" yaml:"output_settle"`
	SeriesThreshold int64    `toml:"series_threshold" yaml:"series_threshold"`
	Constants       []string `toml:"constants" yaml:"constants"`
	ACAL            bool     `toml:"acal" yaml:"acal"`
	ACALWait        string   `toml:"acal_wait" yaml:"acal_wait"`
}

// MonitorConfig enables the HTTP monitor when Addr is set.
type MonitorConfig struct {
	Addr        string   `toml:"addr" yaml:"addr"`
	CorsOrigins []string `toml:"cors_origins" yaml:"cors_origins"`
}

// RedisConfig enables reading publication when Addr is set.
type RedisConfig struct {
	Addr     string `toml:"addr" yaml:"addr"`
	Password string `toml:"password" yaml:"password"`
	DB       int    `toml:"db" yaml:"db"`
	Channel  string `toml:"channel" yaml:"channel"`
}

// InfluxConfig enables the time series sink when URL is set.
type InfluxConfig struct {
	URL    string `toml:"url" yaml:"url"`
	Token  string `toml:"token" yaml:"token"`
	Org    string `toml:"org" yaml:"org"`
	Bucket string `toml:"bucket" yaml:"bucket"`
}

// DefaultProcedureConfig is the 10 V check of a 5720A at GPIB 4 against a
// 3458A at GPIB 22.
func DefaultProcedureConfig() ProcedureConfig {
	return ProcedureConfig{
		Name:       "5720a-10v-check",
		SessionLog: "testlog_5700a.txt",
		Transport: TransportConfig{
			Kind:        TransportSerial,
			Port:        "/dev/ttyUSB0",
			Baud:        115200,
			DialTimeout: "5s",
			ReadTimeout: "3s",
			EOS:         bus.DefaultControllerConfig().EOS,
		},
		UUT: InstrumentConfig{
			Name:            "5720A",
			Address:         4,
			Reference:       10,
			Make:            "FLUKE",
			Model:           "5720A",
			Init:            []string{"*CLS", "*ESR?"},
			Deadline:        "20s",
			Settle:          "2s",
			IdentifyCommand: "*IDN?",
			FaultCommand:    "FAULT?",
		},
		DMM: InstrumentConfig{
			Name:      "3458A",
			Address:   22,
			Reference: 10,
			Make:      "HP3458A",
			Init: []string{
				"PRESET NORM",
				"OFORMAT ASCII",
				"FUNC DCV,AUTO",
				"NPLC 100",
				"NDIG 9",
				"TARM HOLD",
				"AZERO ON",
				"NRDGS 1,AUTO",
				"TRIG LINE",
				"MEM OFF",
				"END ALWAYS",
			},
			Deadline:               "20s",
			IdentifyCommand:        "ID?",
			IdentifySeparator:      " ",
			TemperatureArm:         "TARM SGL,1",
			TemperatureCommand:     "TEMP?",
			TemperaturePlaceholder: instrument.DefaultTemperaturePlaceholder,
		},
		Check: CheckConfig{
			Setpoint:        "10V",
			Nominal:         10,
			Samples:         5,
			Trigger:         "TARM SGL,1",
			StandbySettle:   "1s",
			OutputSettle:    "2s",
			SeriesThreshold: 6565601,
			Constants:       []string{"KV6", "KV13", "RS10K", "ZERO_TEMP", "ALL_TEMP"},
			ACALWait:        "14m",
		},
		Redis: RedisConfig{
			Channel: "calcheck:readings",
		},
	}
}

// WithDefaults fills blank fields. Explicit zero numbers other than the
// sample count and instrument references are kept.
func (c ProcedureConfig) WithDefaults() ProcedureConfig {
	def := DefaultProcedureConfig()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = def.Name
	}
	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	if c.Transport.Kind == "" {
		c.Transport.Kind = def.Transport.Kind
	}
	if c.Transport.Baud <= 0 {
		c.Transport.Baud = def.Transport.Baud
	}
	if c.Transport.DialTimeout == "" {
		c.Transport.DialTimeout = def.Transport.DialTimeout
	}
	if c.Transport.ReadTimeout == "" {
		c.Transport.ReadTimeout = def.Transport.ReadTimeout
	}
	c.UUT = c.UUT.withDefaults(def.UUT)
	c.DMM = c.DMM.withDefaults(def.DMM)

	if c.Check.Setpoint == "" {
		c.Check.Setpoint = def.Check.Setpoint
	}
	if c.Check.Nominal == 0 {
		c.Check.Nominal = def.Check.Nominal
	}
	if c.Check.Samples == 0 {
		c.Check.Samples = def.Check.Samples
	}
	if c.Check.Trigger == "" {
		c.Check.Trigger = def.Check.Trigger
	}
	if c.Check.StandbySettle == "" {
		c.Check.StandbySettle = def.Check.StandbySettle
	}
	if c.Check.OutputSettle == "" {
		c.Check.OutputSettle = def.Check.OutputSettle
	}
	if c.Check.SeriesThreshold == 0 {
		c.Check.SeriesThreshold = def.Check.SeriesThreshold
	}
	if c.Check.ACALWait == "" {
		c.Check.ACALWait = def.Check.ACALWait
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = def.Redis.Channel
	}
	return c
}

func (c InstrumentConfig) withDefaults(def InstrumentConfig) InstrumentConfig {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = def.Name
	}
	if c.Reference == 0 {
		c.Reference = def.Reference
	}
	if c.Deadline == "" {
		c.Deadline = def.Deadline
	}
	if c.IdentifyCommand == "" {
		c.IdentifyCommand = def.IdentifyCommand
	}
	if c.IdentifySeparator == "" {
		c.IdentifySeparator = def.IdentifySeparator
	}
	if c.TemperatureArm == "" {
		c.TemperatureArm = def.TemperatureArm
	}
	if c.TemperatureCommand == "" {
		c.TemperatureCommand = def.TemperatureCommand
	}
	if c.TemperaturePlaceholder == 0 {
		c.TemperaturePlaceholder = def.TemperaturePlaceholder
	}
	if c.FaultCommand == "" {
		c.FaultCommand = def.FaultCommand
	}
	return c
}

// LoadProcedureConfig reads TOML, or YAML for .yaml/.yml paths. The file is
// decoded over DefaultProcedureConfig so omitted keys keep their defaults.
func LoadProcedureConfig(path string) (ProcedureConfig, error) {
	cfg := DefaultProcedureConfig()
	if err := load(path, &cfg); err != nil {
		return ProcedureConfig{}, err
	}
	applyEnv(&cfg)
	cfg = cfg.WithDefaults()
	if err := ValidateProcedureConfig(cfg); err != nil {
		return ProcedureConfig{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func load(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, out)
	default:
		err = toml.Unmarshal(data, out)
	}
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// applyEnv fills secrets that are usually kept out of the file.
func applyEnv(cfg *ProcedureConfig) {
	setIfEmpty := func(dst *string, key string) {
		if *dst == "" {
			*dst = strings.TrimSpace(os.Getenv(key))
		}
	}
	setIfEmpty(&cfg.Influx.Token, "INFLUX_TOKEN")
	setIfEmpty(&cfg.Influx.Org, "INFLUX_ORG")
	setIfEmpty(&cfg.Influx.Bucket, "INFLUX_BUCKET")
	setIfEmpty(&cfg.Redis.Password, "REDIS_PASSWORD")
}

func ValidateProcedureConfig(cfg ProcedureConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("procedure config missing name")
	}
	if err := ValidateTransport(cfg.Transport); err != nil {
		return fmt.Errorf("transport invalid: %w", err)
	}
	if err := ValidateInstrument(cfg.UUT); err != nil {
		return fmt.Errorf("uut invalid: %w", err)
	}
	if err := ValidateInstrument(cfg.DMM); err != nil {
		return fmt.Errorf("dmm invalid: %w", err)
	}
	if cfg.UUT.Address == cfg.DMM.Address {
		return fmt.Errorf("uut and dmm share address %d", cfg.UUT.Address)
	}
	if err := ValidateCheck(cfg.Check); err != nil {
		return fmt.Errorf("check invalid: %w", err)
	}
	if cfg.Influx.URL != "" && (cfg.Influx.Org == "" || cfg.Influx.Bucket == "") {
		return fmt.Errorf("influx url set without org and bucket")
	}
	return nil
}

func ValidateTransport(cfg TransportConfig) error {
	switch cfg.Kind {
	case TransportSerial:
		if strings.TrimSpace(cfg.Port) == "" {
			return fmt.Errorf("serial transport requires port")
		}
	case TransportTCP:
		if strings.TrimSpace(cfg.Addr) == "" {
			return fmt.Errorf("tcp transport requires addr")
		}
	case TransportSim:
	default:
		return fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
	if cfg.EOS < 0 || cfg.EOS > 3 {
		return fmt.Errorf("eos must be 0-3")
	}
	if _, err := parseDuration("dial_timeout", cfg.DialTimeout); err != nil {
		return err
	}
	if _, err := parseDuration("read_timeout", cfg.ReadTimeout); err != nil {
		return err
	}
	return nil
}

func ValidateInstrument(cfg InstrumentConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if cfg.Address < 0 || cfg.Address > bus.MaxAddress {
		return fmt.Errorf("address %d out of range 0-%d", cfg.Address, bus.MaxAddress)
	}
	for i, cmd := range cfg.Init {
		if strings.TrimSpace(cmd) == "" {
			return fmt.Errorf("init[%d] is empty", i)
		}
	}
	if d, err := parseDuration("deadline", cfg.Deadline); err != nil {
		return err
	} else if d <= 0 {
		return fmt.Errorf("deadline must be positive")
	}
	if _, err := parseDuration("settle", cfg.Settle); err != nil {
		return err
	}
	return nil
}

func ValidateCheck(cfg CheckConfig) error {
	if strings.TrimSpace(cfg.Setpoint) == "" {
		return fmt.Errorf("setpoint is required")
	}
	if cfg.Samples < 1 {
		return fmt.Errorf("samples must be at least 1")
	}
	if strings.TrimSpace(cfg.Trigger) == "" {
		return fmt.Errorf("trigger is required")
	}
	for i, name := range cfg.Constants {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("constants[%d] is empty", i)
		}
	}
	for key, raw := range map[string]string{
		"standby_settle": cfg.StandbySettle,
		"output_settle":  cfg.OutputSettle,
		"acal_wait":      cfg.ACALWait,
	} {
		if _, err := parseDuration(key, raw); err != nil {
			return err
		}
	}
	return nil
}

// parseDuration accepts Go duration text; blank means zero.
func parseDuration(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}
