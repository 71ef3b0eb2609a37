package uci

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultPath is where the daemon looks for its configuration
const DefaultPath = "/etc/config/ons"

// Default configuration values
const (
	DefaultLogLevel              = "info"
	DefaultStateDB               = "/etc/ons/state.db"
	DefaultHistoryDB             = "/tmp/ons/history.db"
	DefaultHistoryRetentionHours = 72
	DefaultPruneSchedule         = "@hourly"
	DefaultEventBuffer           = 256

	DefaultScanPeriodicityS    = 60
	DefaultScanMaxSearchS      = 60
	DefaultIncrementalPeriodS  = 10
	DefaultRestartDelayS       = 60
	DefaultRSRPThreshold       = -120
	DefaultSwitchTimeoutS      = 60
	DefaultTieBreak            = TieBreakScanOrder
	DefaultAPIPort             = 8086
	DefaultAPIResponseTimeoutS = 5
	DefaultMQTTPort            = 1883
	DefaultTracingSampleRatio  = 1.0
)

// Tie break modes among cells matching the same priority tier
const (
	TieBreakScanOrder = "scan_order"
	TieBreakStrongest = "strongest"
)

// Config represents the ons daemon configuration
type Config struct {
	// Main configuration
	Enable                bool   `json:"enable"`
	LogLevel              string `json:"log_level"`
	LogFile               string `json:"log_file"`
	LogMaxSizeMB          int    `json:"log_max_size_mb"`
	DryRun                bool   `json:"dry_run"`
	StateDB               string `json:"state_db"`
	HistoryDB             string `json:"history_db"`
	HistoryRetentionHours int    `json:"history_retention_hours"`
	PruneSchedule         string `json:"prune_schedule"`
	EventBuffer           int    `json:"event_buffer"`

	Scan     ScanConfig     `json:"scan"`
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Tracing  TracingConfig  `json:"tracing"`
	Platform PlatformConfig `json:"platform"`
}

// ScanConfig holds network scan and selection tuning
type ScanConfig struct {
	PeriodicityS       int    `json:"periodicity_s"`
	MaxSearchS         int    `json:"max_search_s"`
	IncrementalPeriodS int    `json:"incremental_period_s"`
	RestartDelayS      int    `json:"restart_delay_s"`
	RSRPThreshold      int    `json:"rsrp_threshold"`
	TieBreak           string `json:"tie_break"`
	SwitchTimeoutS     int    `json:"switch_timeout_s"`
}

// APIConfig holds the local HTTP control API settings
type APIConfig struct {
	Enabled          bool   `json:"enabled"`
	ListenHost       string `json:"listen_host"`
	Port             int    `json:"port"`
	AuthKey          string `json:"auth_key"`
	ResponseTimeoutS int    `json:"response_timeout_s"`
}

// MQTTConfig holds event publishing settings
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	ServiceName string  `json:"service_name"`
	Exporter    string  `json:"exporter"`
	Endpoint    string  `json:"endpoint"`
	SampleRatio float64 `json:"sample_ratio"`
}

// PlatformConfig selects the telephony backend
type PlatformConfig struct {
	Backend  string `json:"backend"`
	Scenario string `json:"scenario"`
}

// Durations derived from the integer config values
func (s ScanConfig) Periodicity() time.Duration {
	return time.Duration(s.PeriodicityS) * time.Second
}

func (s ScanConfig) MaxSearch() time.Duration {
	return time.Duration(s.MaxSearchS) * time.Second
}

func (s ScanConfig) IncrementalPeriod() time.Duration {
	return time.Duration(s.IncrementalPeriodS) * time.Second
}

func (s ScanConfig) RestartDelay() time.Duration {
	return time.Duration(s.RestartDelayS) * time.Second
}

func (s ScanConfig) SwitchTimeout() time.Duration {
	return time.Duration(s.SwitchTimeoutS) * time.Second
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// LoadConfig loads and validates the configuration. A missing file yields
// the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if err := cfg.parseUCI(path); err != nil {
		return nil, fmt.Errorf("failed to parse UCI config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for the configuration
func (c *Config) setDefaults() {
	c.Enable = true
	c.LogLevel = DefaultLogLevel
	c.LogMaxSizeMB = 5
	c.StateDB = DefaultStateDB
	c.HistoryDB = DefaultHistoryDB
	c.HistoryRetentionHours = DefaultHistoryRetentionHours
	c.PruneSchedule = DefaultPruneSchedule
	c.EventBuffer = DefaultEventBuffer

	c.Scan = ScanConfig{
		PeriodicityS:       DefaultScanPeriodicityS,
		MaxSearchS:         DefaultScanMaxSearchS,
		IncrementalPeriodS: DefaultIncrementalPeriodS,
		RestartDelayS:      DefaultRestartDelayS,
		RSRPThreshold:      DefaultRSRPThreshold,
		TieBreak:           DefaultTieBreak,
		SwitchTimeoutS:     DefaultSwitchTimeoutS,
	}

	c.API = APIConfig{
		Enabled:          true,
		ListenHost:       "127.0.0.1",
		Port:             DefaultAPIPort,
		ResponseTimeoutS: DefaultAPIResponseTimeoutS,
	}

	c.MQTT = MQTTConfig{
		Broker:      "localhost",
		Port:        DefaultMQTTPort,
		ClientID:    "onsd",
		TopicPrefix: "ons",
		QoS:         1,
	}

	c.Tracing = TracingConfig{
		ServiceName: "onsd",
		Exporter:    "stdout",
		SampleRatio: DefaultTracingSampleRatio,
	}

	c.Platform = PlatformConfig{Backend: "sim"}
}

func (c *Config) parseUCI(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var sectionType, sectionName string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		keyword, rest := splitWord(line)
		switch keyword {
		case "config":
			sectionType, rest = splitWord(rest)
			sectionName = unquote(rest)
		case "option":
			var option string
			option, rest = splitWord(rest)
			c.parseOption(sectionType, sectionName, option, unquote(rest))
		}
	}

	return nil
}

// parseOption routes options to appropriate parsers based on section type
func (c *Config) parseOption(sectionType, sectionName, option, value string) {
	switch sectionType {
	case "ons":
		if sectionName == "main" || sectionName == "" {
			c.parseMainOption(option, value)
		}
	case "scan":
		c.parseScanOption(option, value)
	case "api":
		c.parseAPIOption(option, value)
	case "mqtt":
		c.parseMQTTOption(option, value)
	case "tracing":
		c.parseTracingOption(option, value)
	case "platform":
		c.parsePlatformOption(option, value)
	}
}

func (c *Config) parseMainOption(option, value string) {
	switch option {
	case "enable":
		c.Enable = parseBool(value)
	case "log_level":
		if isValidLogLevel(value) {
			c.LogLevel = value
		}
	case "log_file":
		c.LogFile = value
	case "log_max_size_mb":
		if v, err := strconv.Atoi(value); err == nil && v > 0 {
			c.LogMaxSizeMB = v
		}
	case "dry_run":
		c.DryRun = parseBool(value)
	case "state_db":
		c.StateDB = value
	case "history_db":
		c.HistoryDB = value
	case "history_retention_hours":
		if v, err := strconv.Atoi(value); err == nil {
			c.HistoryRetentionHours = v
		}
	case "prune_schedule":
		c.PruneSchedule = value
	case "event_buffer":
		if v, err := strconv.Atoi(value); err == nil {
			c.EventBuffer = v
		}
	}
}

func (c *Config) parseScanOption(option, value string) {
	switch option {
	case "periodicity_s":
		if v, err := strconv.Atoi(value); err == nil {
			c.Scan.PeriodicityS = v
		}
	case "max_search_s":
		if v, err := strconv.Atoi(value); err == nil {
			c.Scan.MaxSearchS = v
		}
	case "incremental_period_s":
		if v, err := strconv.Atoi(value); err == nil {
			c.Scan.IncrementalPeriodS = v
		}
	case "restart_delay_s":
		if v, err := strconv.Atoi(value); err == nil {
			c.Scan.RestartDelayS = v
		}
	case "rsrp_threshold":
		if v, err := strconv.Atoi(value); err == nil {
			c.Scan.RSRPThreshold = v
		}
	case "tie_break":
		c.Scan.TieBreak = strings.ToLower(value)
	case "switch_timeout_s":
		if v, err := strconv.Atoi(value); err == nil {
			c.Scan.SwitchTimeoutS = v
		}
	}
}

func (c *Config) parseAPIOption(option, value string) {
	switch option {
	case "enabled":
		c.API.Enabled = parseBool(value)
	case "listen_host":
		c.API.ListenHost = value
	case "port":
		if v, err := strconv.Atoi(value); err == nil {
			c.API.Port = v
		}
	case "auth_key":
		c.API.AuthKey = value
	case "response_timeout_s":
		if v, err := strconv.Atoi(value); err == nil {
			c.API.ResponseTimeoutS = v
		}
	}
}

func (c *Config) parseMQTTOption(option, value string) {
	switch option {
	case "enabled":
		c.MQTT.Enabled = parseBool(value)
	case "broker":
		c.MQTT.Broker = value
	case "port":
		if v, err := strconv.Atoi(value); err == nil {
			c.MQTT.Port = v
		}
	case "client_id":
		c.MQTT.ClientID = value
	case "username":
		c.MQTT.Username = value
	case "password":
		c.MQTT.Password = value
	case "topic_prefix":
		c.MQTT.TopicPrefix = value
	case "qos":
		if v, err := strconv.Atoi(value); err == nil {
			c.MQTT.QoS = v
		}
	case "retain":
		c.MQTT.Retain = parseBool(value)
	}
}

func (c *Config) parseTracingOption(option, value string) {
	switch option {
	case "enabled":
		c.Tracing.Enabled = parseBool(value)
	case "service_name":
		c.Tracing.ServiceName = value
	case "exporter":
		c.Tracing.Exporter = strings.ToLower(value)
	case "endpoint":
		c.Tracing.Endpoint = value
	case "sample_ratio":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			c.Tracing.SampleRatio = v
		}
	}
}

func (c *Config) parsePlatformOption(option, value string) {
	switch option {
	case "backend":
		c.Platform.Backend = strings.ToLower(value)
	case "scenario":
		c.Platform.Scenario = value
	}
}

func (c *Config) validate() error {
	if c.Scan.PeriodicityS < 5 || c.Scan.PeriodicityS > 300 {
		return fmt.Errorf("scan periodicity_s must be between 5 and 300")
	}
	if c.Scan.MaxSearchS < 60 || c.Scan.MaxSearchS > 3600 {
		return fmt.Errorf("scan max_search_s must be between 60 and 3600")
	}
	if c.Scan.IncrementalPeriodS < 1 || c.Scan.IncrementalPeriodS > 10 {
		return fmt.Errorf("scan incremental_period_s must be between 1 and 10")
	}
	if c.Scan.RestartDelayS < 1 || c.Scan.RestartDelayS > 3600 {
		return fmt.Errorf("scan restart_delay_s must be between 1 and 3600")
	}
	if c.Scan.RSRPThreshold < -140 || c.Scan.RSRPThreshold > -44 {
		return fmt.Errorf("scan rsrp_threshold must be between -140 and -44 dBm")
	}
	if c.Scan.TieBreak != TieBreakScanOrder && c.Scan.TieBreak != TieBreakStrongest {
		return fmt.Errorf("scan tie_break must be %q or %q", TieBreakScanOrder, TieBreakStrongest)
	}
	if c.Scan.SwitchTimeoutS < 1 || c.Scan.SwitchTimeoutS > 600 {
		return fmt.Errorf("scan switch_timeout_s must be between 1 and 600")
	}
	if c.HistoryRetentionHours < 1 || c.HistoryRetentionHours > 24*30 {
		return fmt.Errorf("history_retention_hours must be between 1 and 720")
	}
	if c.EventBuffer < 16 || c.EventBuffer > 65536 {
		return fmt.Errorf("event_buffer must be between 16 and 65536")
	}
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		return fmt.Errorf("api port must be between 1 and 65535")
	}
	if c.API.ResponseTimeoutS < 0 || c.API.ResponseTimeoutS > 120 {
		return fmt.Errorf("api response_timeout_s must be between 0 and 120")
	}
	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample_ratio must be between 0 and 1")
	}
	switch c.Tracing.Exporter {
	case "stdout", "otlp":
	default:
		return fmt.Errorf("unsupported tracing exporter: %s", c.Tracing.Exporter)
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "trace", "debug", "info", "warn", "error":
		return true
	}
	return false
}

func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on", "enabled":
		return true
	}
	return false
}

func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}
