// Package config loads btle-transfer settings from a TOML file and the
// environment. Keys missing from the file keep their defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/user/btle-transfer/central"
	"github.com/user/btle-transfer/peripheral"
	"github.com/user/btle-transfer/simlink"
	"github.com/user/btle-transfer/util"
)

const (
	// LogLevelEnv overrides log_level from the file
	LogLevelEnv = "BTLE_TRANSFER_LOG_LEVEL"

	// FileName is looked up in the data directory when no path is given
	FileName = "config.toml"

	inboxFile = "inbox.db"
)

// Config is everything the CLI needs to start either role
type Config struct {
	LogLevel   string
	DataDir    string
	Inbox      string // Default: <data dir>/inbox.db
	StatusAddr string // Default: "" (status server off)

	Central    central.Config
	Peripheral peripheral.Config
	Simulation *simlink.SimulationConfig
}

// Default returns the stock settings
func Default() Config {
	return Config{
		LogLevel:   "info",
		DataDir:    util.GetDataDir(),
		Central:    central.DefaultConfig(),
		Peripheral: peripheral.DefaultConfig(),
		Simulation: simlink.DefaultSimulationConfig(),
	}
}

// InboxPath is where received messages are stored
func (c Config) InboxPath() string {
	if c.Inbox != "" {
		return c.Inbox
	}
	return filepath.Join(c.DataDir, inboxFile)
}

// Validate checks both roles
func (c Config) Validate() error {
	if err := c.Central.Validate(); err != nil {
		return err
	}
	return c.Peripheral.Validate()
}

type fileConfig struct {
	LogLevel   string `toml:"log_level"`
	DataDir    string `toml:"data_dir"`
	Inbox      string `toml:"inbox"`
	StatusAddr string `toml:"status_addr"`

	Central    centralFile    `toml:"central"`
	Peripheral peripheralFile `toml:"peripheral"`
	Simulation simulationFile `toml:"simulation"`
}

type centralFile struct {
	Name               string `toml:"name"`
	ServiceUUID        string `toml:"service_uuid"`
	CharacteristicUUID string `toml:"characteristic_uuid"`
	MinRSSI            int    `toml:"min_rssi"`
	MaxRSSI            int    `toml:"max_rssi"`
	AllowDuplicates    bool   `toml:"allow_duplicates"`
}

type peripheralFile struct {
	Name               string `toml:"name"`
	LocalName          string `toml:"local_name"`
	ServiceUUID        string `toml:"service_uuid"`
	CharacteristicUUID string `toml:"characteristic_uuid"`
	MTU                int    `toml:"mtu"`
}

type simulationFile struct {
	MTU                   int     `toml:"mtu"`
	QueueDepth            int     `toml:"queue_depth"`
	DrainIntervalMS       int     `toml:"drain_interval_ms"`
	MinConnectionDelayMS  int     `toml:"min_connection_delay_ms"`
	MaxConnectionDelayMS  int     `toml:"max_connection_delay_ms"`
	ConnectionFailureRate float64 `toml:"connection_failure_rate"`
	AdvertisingIntervalMS int     `toml:"advertising_interval_ms"`
	InitDelayMS           int     `toml:"init_delay_ms"`
	BaseRSSI              int     `toml:"base_rssi"`
	RSSIVariance          int     `toml:"rssi_variance"`
	Seed                  int64   `toml:"seed"`
}

// DefaultFile is the config file consulted when Load gets an empty path
func DefaultFile() string {
	return util.DataPath(FileName)
}

// Load reads path over the defaults, then applies the environment. An empty
// path reads DefaultFile if it exists.
func Load(path string) (Config, error) {
	cfg := Default()

	required := path != ""
	if !required {
		path = DefaultFile()
	}
	if _, err := os.Stat(path); err == nil || required {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown key %s", undecoded[0])
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("data_dir") {
		cfg.DataDir = strings.TrimSpace(raw.DataDir)
	}
	if meta.IsDefined("inbox") {
		cfg.Inbox = strings.TrimSpace(raw.Inbox)
	}
	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}

	if err := overlayCentral(meta, raw.Central, &cfg.Central); err != nil {
		return err
	}
	if err := overlayPeripheral(meta, raw.Peripheral, &cfg.Peripheral); err != nil {
		return err
	}
	overlaySimulation(meta, raw.Simulation, cfg.Simulation)
	return nil
}

func overlayCentral(meta toml.MetaData, raw centralFile, c *central.Config) error {
	if meta.IsDefined("central", "name") {
		c.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("central", "service_uuid") {
		id, err := parseUUID("central.service_uuid", raw.ServiceUUID)
		if err != nil {
			return err
		}
		c.ServiceUUID = id
	}
	if meta.IsDefined("central", "characteristic_uuid") {
		id, err := parseUUID("central.characteristic_uuid", raw.CharacteristicUUID)
		if err != nil {
			return err
		}
		c.CharacteristicUUID = id
	}
	if meta.IsDefined("central", "min_rssi") {
		c.MinRSSI = raw.MinRSSI
	}
	if meta.IsDefined("central", "max_rssi") {
		c.MaxRSSI = raw.MaxRSSI
	}
	if meta.IsDefined("central", "allow_duplicates") {
		c.AllowDuplicates = raw.AllowDuplicates
	}
	return nil
}

func overlayPeripheral(meta toml.MetaData, raw peripheralFile, p *peripheral.Config) error {
	if meta.IsDefined("peripheral", "name") {
		p.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("peripheral", "local_name") {
		p.LocalName = strings.TrimSpace(raw.LocalName)
	}
	if meta.IsDefined("peripheral", "service_uuid") {
		id, err := parseUUID("peripheral.service_uuid", raw.ServiceUUID)
		if err != nil {
			return err
		}
		p.ServiceUUID = id
	}
	if meta.IsDefined("peripheral", "characteristic_uuid") {
		id, err := parseUUID("peripheral.characteristic_uuid", raw.CharacteristicUUID)
		if err != nil {
			return err
		}
		p.CharacteristicUUID = id
	}
	if meta.IsDefined("peripheral", "mtu") {
		p.MTU = raw.MTU
	}
	return nil
}

func overlaySimulation(meta toml.MetaData, raw simulationFile, s *simlink.SimulationConfig) {
	if meta.IsDefined("simulation", "mtu") {
		s.MTU = raw.MTU
	}
	if meta.IsDefined("simulation", "queue_depth") {
		s.QueueDepth = raw.QueueDepth
	}
	if meta.IsDefined("simulation", "drain_interval_ms") {
		s.DrainInterval = raw.DrainIntervalMS
	}
	if meta.IsDefined("simulation", "min_connection_delay_ms") {
		s.MinConnectionDelay = raw.MinConnectionDelayMS
	}
	if meta.IsDefined("simulation", "max_connection_delay_ms") {
		s.MaxConnectionDelay = raw.MaxConnectionDelayMS
	}
	if meta.IsDefined("simulation", "connection_failure_rate") {
		s.ConnectionFailureRate = raw.ConnectionFailureRate
	}
	if meta.IsDefined("simulation", "advertising_interval_ms") {
		s.AdvertisingInterval = raw.AdvertisingIntervalMS
	}
	if meta.IsDefined("simulation", "init_delay_ms") {
		s.InitDelay = raw.InitDelayMS
	}
	if meta.IsDefined("simulation", "base_rssi") {
		s.BaseRSSI = raw.BaseRSSI
	}
	if meta.IsDefined("simulation", "rssi_variance") {
		s.RSSIVariance = raw.RSSIVariance
	}
	if meta.IsDefined("simulation", "seed") {
		s.Seed = raw.Seed
		s.Deterministic = true
	}
}

func parseUUID(key, value string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", key, err)
	}
	return id, nil
}

// applyEnv lets the environment win over the file
func applyEnv(cfg *Config) {
	if level := strings.TrimSpace(os.Getenv(LogLevelEnv)); level != "" {
		cfg.LogLevel = level
	}
	if dir := strings.TrimSpace(os.Getenv(util.DataDirEnv)); dir != "" {
		cfg.DataDir = dir
	}
}
