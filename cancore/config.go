package cancore

import (
	"errors"
	"fmt"
	"time"
)

// Baudrate 是控制器支持的一种波特率配置，Index 供 SetBaudrate 引用。
type Baudrate struct {
	Index uint16 `yaml:"index"`
	Bps   uint32 `yaml:"bps"`
}

// ControllerConfig 描述一个 CAN 控制器。
type ControllerConfig struct {
	ID           uint8      `yaml:"id"`
	Baudrates    []Baudrate `yaml:"baudrates"`
	DefaultIndex uint16     `yaml:"default_index"`
}

// Config of the controller unit.
type Config struct {
	Controllers []ControllerConfig `yaml:"controllers"`

	// LoopTimeout bounds the synchronous wait for the hardware inside one
	// call. Mode changes that take longer complete in MainFunctionMode.
	LoopTimeout time.Duration `yaml:"loop_timeout"`
	// PollInterval between two hardware mode reads inside the short loop.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns one controller (id 0) at 500 kbit/s.
func DefaultConfig() Config {
	return Config{
		Controllers: []ControllerConfig{{
			ID: 0,
			Baudrates: []Baudrate{
				{Index: 0, Bps: 125000},
				{Index: 1, Bps: 250000},
				{Index: 2, Bps: 500000},
				{Index: 3, Bps: 1000000},
			},
			DefaultIndex: 2,
		}},
		LoopTimeout:  10 * time.Millisecond,
		PollInterval: 100 * time.Microsecond,
	}
}

func (c *ControllerConfig) baudrate(index uint16) (Baudrate, bool) {
	for _, b := range c.Baudrates {
		if b.Index == index {
			return b, true
		}
	}
	return Baudrate{}, false
}

func (c *ControllerConfig) supports(bps uint32) bool {
	for _, b := range c.Baudrates {
		if b.Bps == bps {
			return true
		}
	}
	return false
}

// Validate checks the configuration parameters.
func (c *Config) Validate() error {
	if len(c.Controllers) == 0 {
		return errors.New("cancore: no controller configured")
	}
	if c.LoopTimeout <= 0 {
		return errors.New("cancore: loop timeout must be positive")
	}
	if c.PollInterval < 0 {
		return errors.New("cancore: poll interval must not be negative")
	}
	seen := make(map[uint8]bool)
	for _, ctrl := range c.Controllers {
		if seen[ctrl.ID] {
			return fmt.Errorf("cancore: duplicate controller %d", ctrl.ID)
		}
		seen[ctrl.ID] = true
		if len(ctrl.Baudrates) == 0 {
			return fmt.Errorf("cancore: controller %d has no baudrate", ctrl.ID)
		}
		idx := make(map[uint16]bool)
		for _, b := range ctrl.Baudrates {
			if b.Bps == 0 {
				return fmt.Errorf("cancore: controller %d: baudrate %d is zero", ctrl.ID, b.Index)
			}
			if idx[b.Index] {
				return fmt.Errorf("cancore: controller %d: duplicate baudrate index %d", ctrl.ID, b.Index)
			}
			idx[b.Index] = true
		}
		if !idx[ctrl.DefaultIndex] {
			return fmt.Errorf("cancore: controller %d: default index %d not configured", ctrl.ID, ctrl.DefaultIndex)
		}
	}
	return nil
}
