package axisdma

import (
	"fmt"
	"os"
	"time"

	"github.com/brickingsoft/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultRxSize        = 4096
	DefaultTxSize        = 4096
	DefaultPollInterval  = 10 * time.Millisecond
	DefaultWordSpinLimit = 1 << 20

	// MaxFrameSize is the largest length a completion size word can carry.
	MaxFrameSize = sizeMask
)

// InstanceConfig sizes the buffer pools of one DMA core instance.
// It is fixed once an Engine is open.
type InstanceConfig struct {
	// RxCount is the number of receive buffers to allocate.
	RxCount int `yaml:"rx-count"`
	// RxSize is the size of each receive buffer in bytes.
	RxSize int `yaml:"rx-size"`
	// RxMemory selects coherent DMA or ACP memory for receive buffers.
	RxMemory MemoryKind `yaml:"rx-memory"`
	// TxCount is the number of transmit buffers to allocate.
	TxCount int `yaml:"tx-count"`
	// TxSize is the size of each transmit buffer in bytes.
	TxSize int `yaml:"tx-size"`
}

func (c *InstanceConfig) ValidateAndSetDefaults() error {
	if c.RxSize == 0 {
		c.RxSize = DefaultRxSize
	}
	if c.TxSize == 0 {
		c.TxSize = DefaultTxSize
	}
	if c.RxCount < 0 || c.TxCount < 0 {
		return errors.From(ErrInvalidConfig, errors.WithMeta("field", "count"))
	}
	if c.RxSize < 0 || c.RxSize > MaxFrameSize {
		return errors.From(ErrInvalidConfig, errors.WithMeta("field", "rx-size"))
	}
	if c.TxSize < 0 || c.TxSize > MaxFrameSize {
		return errors.From(ErrInvalidConfig, errors.WithMeta("field", "tx-size"))
	}
	if c.RxMemory != MemoryCoherent && c.RxMemory != MemoryACP {
		return errors.From(ErrInvalidConfig, errors.WithMeta("field", "rx-memory"))
	}
	return nil
}

// Config is the start-up configuration of all DMA core instances on a host.
type Config struct {
	// Instances is indexed by device instance number.
	Instances []InstanceConfig `yaml:"instances"`
	// PollInterval bounds how long a blocked caller waits for an interrupt
	// before re-checking the hardware. Zero disables the fallback.
	PollInterval time.Duration `yaml:"poll-interval"`
	// WordSpinLimit bounds the spin on the size and status words of a
	// completion record. Zero spins until the engine closes.
	WordSpinLimit int `yaml:"word-spin-limit"`
}

// DefaultConfig returns the stock four-instance layout: instance 0 is the
// bulk data receiver, instance 1 the bidirectional control channel.
func DefaultConfig() Config {
	return Config{
		Instances: []InstanceConfig{
			{RxCount: 1000, RxSize: 4 * 4096, TxCount: 0, TxSize: 4096},
			{RxCount: 8, RxSize: 4096, TxCount: 4, TxSize: 4096},
			{RxCount: 0, RxSize: 4096, TxCount: 0, TxSize: 4096},
			{RxCount: 0, RxSize: 4096, TxCount: 0, TxSize: 4096},
		},
		PollInterval:  DefaultPollInterval,
		WordSpinLimit: DefaultWordSpinLimit,
	}
}

// LoadConfig reads a YAML configuration file. Fields left out keep the
// values of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	conf := DefaultConfig()
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c *Config) ValidateAndSetDefaults() error {
	for i := range c.Instances {
		if err := c.Instances[i].ValidateAndSetDefaults(); err != nil {
			return fmt.Errorf("instance %d: %w", i, err)
		}
	}
	if c.PollInterval < 0 || c.WordSpinLimit < 0 {
		return errors.From(ErrInvalidConfig, errors.WithMeta("field", "engine"))
	}
	return nil
}

// Instance returns the configuration of device instance idx. Instances past
// the end of the table fall back to the last entry.
func (c *Config) Instance(idx int) (InstanceConfig, error) {
	if len(c.Instances) == 0 || idx < 0 {
		return InstanceConfig{}, errors.From(ErrInvalidConfig,
			errors.WithMeta(errMetaIndexKey, fmt.Sprint(idx)))
	}
	if idx >= len(c.Instances) {
		idx = len(c.Instances) - 1
	}
	return c.Instances[idx], nil
}

// Options converts the engine tunables into Open options.
func (c *Config) Options() []Option {
	return []Option{
		WithPollInterval(c.PollInterval),
		WithWordSpinLimit(c.WordSpinLimit),
	}
}

func (k MemoryKind) MarshalYAML() (any, error) { return k.String(), nil }

func (k *MemoryKind) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := ParseMemoryKind(s)
	if err != nil {
		return err
	}
	*k = v
	return nil
}
