// Package config loads hydracore's YAML configuration document and
// implements spec.md §5's "valueChanging" veto semantics on top of it: every
// subscriber gets to reject a proposed reload before it takes effect. It
// follows the shape of jxwalker-modfetch's internal/config — a typed struct
// unmarshalled with gopkg.in/yaml.v3, ${ENV} expansion before parsing, and a
// Validate pass — generalized to hydracore's scheduler/credit-store keys.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/swarmcore/hydracore/internal/logging"
	"github.com/swarmcore/hydracore/pkg/eventbus"
)

// Config mirrors SPEC_FULL.md §7's YAML schema. All values should be
// supplied via YAML; defaults live in scheduler.DefaultConfig and
// uploadqueue, not here.
type Config struct {
	Version int            `yaml:"version"`
	Logging LoggingConfig  `yaml:"logging"`
	Network NetworkConfig  `yaml:"network"`
	Modules map[string]ModuleLimits `yaml:"modules"`
	Credits CreditsConfig  `yaml:"credits"`
}

// LoggingConfig feeds internal/logging.New directly.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// NetworkConfig maps onto scheduler.Config's hot-reloadable fields.
type NetworkConfig struct {
	UpSpeedLimit    uint32   `yaml:"up_speed_limit"`
	DownSpeedLimit  uint32   `yaml:"down_speed_limit"`
	ConnectionLimit uint32   `yaml:"connection_limit"`
	NewConnsPerSec  uint32   `yaml:"new_conns_per_sec"`
	ConnectingLimit uint32   `yaml:"connecting_limit"`
	ExcludedRanges  []string `yaml:"excluded_ranges"` // CIDR strings
}

// ModuleLimits is per-protocol-module bandwidth share (§6: modules.<name>).
type ModuleLimits struct {
	UpLimit   uint32 `yaml:"up_limit"`
	DownLimit uint32 `yaml:"down_limit"`
}

// CreditsConfig locates the credit store and its signing key.
type CreditsConfig struct {
	StorePath     string `yaml:"store_path"`
	PassphraseEnv string `yaml:"passphrase_env"` // env var holding the store passphrase
	RSAKeyPath    string `yaml:"rsa_key_path"`
}

// ParsedExcludedRanges parses NetworkConfig's CIDR strings, skipping any
// that fail to parse (logged by the caller, not here — this package has no
// logger of its own).
func (n NetworkConfig) ParsedExcludedRanges() ([]*net.IPNet, []error) {
	var nets []*net.IPNet
	var errs []error
	for _, cidr := range n.ExcludedRanges {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			errs = append(errs, fmt.Errorf("excluded_ranges %q: %w", cidr, err))
			continue
		}
		nets = append(nets, ipnet)
	}
	return nets, errs
}

// Load reads, expands, and validates the YAML document at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw = []byte(os.ExpandEnv(string(raw)))

	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the structural invariants Load and Store.Apply both need.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", c.Version)
	}
	switch logging.Level(c.Logging.Level) {
	case "", logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		return fmt.Errorf("logging.level invalid: %s", c.Logging.Level)
	}
	switch logging.Format(c.Logging.Format) {
	case "", logging.FormatText, logging.FormatJSON:
	default:
		return fmt.Errorf("logging.format invalid: %s", c.Logging.Format)
	}
	if _, errs := c.Network.ParsedExcludedRanges(); len(errs) > 0 {
		return errs[0]
	}
	for name, m := range c.Modules {
		if m.UpLimit == 0 && m.DownLimit == 0 {
			return fmt.Errorf("modules.%s: at least one of up_limit/down_limit must be set", name)
		}
	}
	return nil
}

// Store holds the live Config and runs reloads through a VetoBus, exactly
// as spec.md §5 describes: every subscriber votes on the proposed value
// before it's committed, and a single rejection rolls the whole reload back.
type Store struct {
	veto    *eventbus.VetoBus
	current *Config
}

// NewStore wraps initial as the live configuration.
func NewStore(initial *Config) *Store {
	return &Store{veto: eventbus.NewVetoBus(), current: initial}
}

// Current returns the live configuration.
func (s *Store) Current() *Config { return s.current }

// OnChanging registers a veto handler for topic (e.g. "network",
// "credits"). See eventbus.VetoHandler.
func (s *Store) OnChanging(topic string, handler eventbus.VetoHandler) eventbus.Subscription {
	return s.veto.SubscribeChanging(topic, handler)
}

// Apply proposes replacing the live Config with next. Every topic that
// changed between the current and next value is voted on; the first
// rejection aborts the whole reload and the prior Config is kept
// unmodified, and the rejection is returned as an *eventbus.VetoError.
func (s *Store) Apply(next *Config) error {
	if err := next.Validate(); err != nil {
		return err
	}

	old := s.current
	for _, topic := range []string{"logging", "network", "modules", "credits"} {
		oldVal, newVal := topicValues(old, next, topic)
		if oldVal == newVal {
			continue
		}
		if err := s.veto.TryChange(topic, oldVal, newVal); err != nil {
			return err
		}
	}

	s.current = next
	return nil
}

// topicValues returns comparable snapshots of the given topic's old/new
// value. Rendered as strings rather than the raw structs: NetworkConfig
// holds a slice field, which would panic on == comparison in Apply.
func topicValues(old, next *Config, topic string) (oldVal, newVal eventbus.Event) {
	switch topic {
	case "logging":
		return fmt.Sprintf("%+v", old.Logging), fmt.Sprintf("%+v", next.Logging)
	case "network":
		return fmt.Sprintf("%+v", old.Network), fmt.Sprintf("%+v", next.Network)
	case "modules":
		return fmt.Sprintf("%+v", old.Modules), fmt.Sprintf("%+v", next.Modules)
	case "credits":
		return fmt.Sprintf("%+v", old.Credits), fmt.Sprintf("%+v", next.Credits)
	default:
		return nil, nil
	}
}

// SnapshotInterval is the fixed credit-store periodic save cadence
// (creditsdb.cpp's saveCreditList, see DESIGN.md) that an external timer,
// not this package, is responsible for driving.
const SnapshotInterval = 12 * time.Minute
