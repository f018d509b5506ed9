// Package config is the YAML configuration of the diagnostic daemon: the
// Dcm itself plus everything around it (logging, CAN bus, transport layer
// addressing, controller unit, NVM and memory image).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LoveWonYoung/dcm/cancore"
	"github.com/LoveWonYoung/dcm/cantp"
	"github.com/LoveWonYoung/dcm/comstack"
	"github.com/LoveWonYoung/dcm/dcm"
)

type LogConfig struct {
	// Dir 为空时输出到标准输出
	Dir   string `yaml:"dir"`
	Name  string `yaml:"name"`
	Level string `yaml:"level"`
	// DetPerSecond 限制每秒记录的开发错误数
	DetPerSecond int `yaml:"det_per_second"`
}

const (
	DriverVirtual   = "virtual"
	DriverSocketCAN = "socketcan"
)

type BusConfig struct {
	Driver    string `yaml:"driver"`
	Interface string `yaml:"interface,omitempty"`
}

// TpChannel 把一个测试仪连接的 N-SDU 映射到 CAN 寻址
type TpChannel struct {
	Name       string `yaml:"name"`
	Addressing string `yaml:"addressing"`
	TxID       uint32 `yaml:"tx_id,omitempty"`
	RxID       uint32 `yaml:"rx_id,omitempty"`
	// FuncRxID 是 normal/extended 模式下功能请求的标识符
	FuncRxID      uint32 `yaml:"func_rx_id,omitempty"`
	SourceAddress byte   `yaml:"source_address,omitempty"`
	TargetAddress byte   `yaml:"target_address,omitempty"`
	Extension     byte   `yaml:"address_extension,omitempty"`

	RxPdu     comstack.PduID  `yaml:"rx_pdu"`
	FuncRxPdu *comstack.PduID `yaml:"func_rx_pdu,omitempty"`
	TxPdu     comstack.PduID  `yaml:"tx_pdu"`
}

type CanTpConfig struct {
	PaddingByte  *byte         `yaml:"padding_byte,omitempty"`
	TimeoutN_As  time.Duration `yaml:"n_as"`
	TimeoutN_Bs  time.Duration `yaml:"n_bs"`
	TimeoutN_Cr  time.Duration `yaml:"n_cr"`
	BlockSize    int           `yaml:"block_size"`
	StMin        int           `yaml:"stmin"`
	MaxWaitFrame int           `yaml:"max_wait_frame"`
	Tick         time.Duration `yaml:"tick"`
	Channels     []TpChannel   `yaml:"channels"`
}

type NvmConfig struct {
	// Path 为空时不持久化
	Path string `yaml:"path"`
}

type MemoryConfig struct {
	HexFile string `yaml:"hex_file"`
}

type KeysConfig struct {
	// Master 派生证书、所有权证明和安全访问的密钥
	Master dcm.HexBytes `yaml:"master"`
}

// Config is the daemon configuration.
type Config struct {
	Log     LogConfig      `yaml:"log"`
	Bus     BusConfig      `yaml:"bus"`
	CanTp   CanTpConfig    `yaml:"cantp"`
	CanCore cancore.Config `yaml:"can_core"`
	Nvm     NvmConfig      `yaml:"nvm"`
	Memory  MemoryConfig   `yaml:"memory"`
	Keys    KeysConfig     `yaml:"keys"`
	Dcm     dcm.Config     `yaml:"dcm"`
}

func pdu(id comstack.PduID) *comstack.PduID { return &id }

// Default returns a configuration that runs on the virtual bus with the
// two testers of dcm.DefaultConfig.
func Default() Config {
	tp := cantp.DefaultConfig()
	padding := byte(0xCC)
	return Config{
		Log: LogConfig{Name: "dcm", Level: "info", DetPerSecond: 10},
		Bus: BusConfig{Driver: DriverVirtual, Interface: "vcan0"},
		CanTp: CanTpConfig{
			PaddingByte:  &padding,
			TimeoutN_As:  tp.TimeoutN_As,
			TimeoutN_Bs:  tp.TimeoutN_Bs,
			TimeoutN_Cr:  tp.TimeoutN_Cr,
			BlockSize:    8,
			StMin:        0,
			MaxWaitFrame: tp.MaxWaitFrame,
			Tick:         tp.Tick,
			Channels: []TpChannel{
				{Name: "tester", Addressing: cantp.Normal11Bit.String(), TxID: 0x7E8, RxID: 0x7E0, FuncRxID: 0x7DF,
					RxPdu: 0, FuncRxPdu: pdu(1), TxPdu: 0},
				{Name: "eol", Addressing: cantp.Normal11Bit.String(), TxID: 0x7E9, RxID: 0x7E1,
					RxPdu: 2, TxPdu: 1},
			},
		},
		CanCore: cancore.DefaultConfig(),
		Keys:    KeysConfig{Master: dcm.HexBytes("0123456789abcdef")},
		Dcm:     dcm.DefaultConfig(),
	}
}

// Load reads and validates a YAML file. Keys that are not set keep their
// Default value; unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal returns the configuration as YAML.
func Marshal(c *Config) ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks every section and the consistency between the transport
// layer channels and the Dcm connections.
func (c *Config) Validate() error {
	switch c.Bus.Driver {
	case DriverVirtual:
	case DriverSocketCAN:
		if c.Bus.Interface == "" {
			return errors.New("config: bus.interface required for socketcan")
		}
	default:
		return fmt.Errorf("config: unknown bus.driver %q", c.Bus.Driver)
	}
	if err := c.Dcm.Validate(); err != nil {
		return fmt.Errorf("config: dcm: %w", err)
	}
	if err := c.CanCore.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if len(c.Keys.Master) < 16 {
		return errors.New("config: keys.master must be at least 16 bytes")
	}
	tp, err := c.TransportConfig()
	if err != nil {
		return err
	}

	rx := make(map[comstack.PduID]bool)
	for _, s := range tp.RxSdus {
		rx[s.ID] = true
	}
	tx := make(map[comstack.PduID]bool)
	for _, s := range tp.TxSdus {
		tx[s.ID] = true
	}
	for _, cc := range c.Dcm.Connections {
		if !rx[cc.RxPhysPdu] || !tx[cc.TxPdu] {
			return fmt.Errorf("config: connection %q: pdus not mapped by any cantp channel", cc.Name)
		}
		if cc.RxFuncPdu != nil && !rx[*cc.RxFuncPdu] {
			return fmt.Errorf("config: connection %q: functional pdu not mapped by any cantp channel", cc.Name)
		}
	}
	return nil
}

func (c *CanTpConfig) base() cantp.Config {
	return cantp.Config{
		PaddingByte:  c.PaddingByte,
		TimeoutN_As:  c.TimeoutN_As,
		TimeoutN_Bs:  c.TimeoutN_Bs,
		TimeoutN_Cr:  c.TimeoutN_Cr,
		BlockSize:    c.BlockSize,
		StMin:        c.StMin,
		MaxWaitFrame: c.MaxWaitFrame,
		Tick:         c.Tick,
	}
}

// addresses 返回通道的物理地址和（如果配置了）功能地址
func (ch *TpChannel) addresses() (phys, fn *cantp.Address, err error) {
	mode, err := cantp.ParseAddressingMode(ch.Addressing)
	if err != nil {
		return nil, nil, fmt.Errorf("config: channel %q: %w", ch.Name, err)
	}
	opts := []func(*cantp.Address){
		cantp.WithTxID(ch.TxID), cantp.WithRxID(ch.RxID),
		cantp.WithSourceAddress(ch.SourceAddress), cantp.WithTargetAddress(ch.TargetAddress),
		cantp.WithAddressExtension(ch.Extension),
	}
	phys, err = cantp.NewAddress(mode, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("config: channel %q: %w", ch.Name, err)
	}
	if ch.FuncRxPdu == nil {
		return phys, nil, nil
	}
	switch mode {
	case cantp.NormalFixed29Bit, cantp.Mixed29Bit:
		// 功能地址由标识符前缀区分
		fn = phys
	default:
		fn, err = cantp.NewAddress(mode, append(opts, cantp.WithRxID(ch.FuncRxID))...)
		if err != nil {
			return nil, nil, fmt.Errorf("config: channel %q: %w", ch.Name, err)
		}
	}
	return phys, fn, nil
}

// TransportConfig builds the ECU side transport layer configuration.
func (c *Config) TransportConfig() (cantp.Config, error) {
	out := c.CanTp.base()
	for i := range c.CanTp.Channels {
		ch := &c.CanTp.Channels[i]
		phys, fn, err := ch.addresses()
		if err != nil {
			return cantp.Config{}, err
		}
		out.RxSdus = append(out.RxSdus, cantp.RxSdu{ID: ch.RxPdu, Address: phys})
		if fn != nil {
			out.RxSdus = append(out.RxSdus, cantp.RxSdu{ID: *ch.FuncRxPdu, Address: fn, Functional: true})
		}
		out.TxSdus = append(out.TxSdus, cantp.TxSdu{ID: ch.TxPdu, Address: phys})
	}
	if err := out.Validate(); err != nil {
		return cantp.Config{}, fmt.Errorf("config: %w", err)
	}
	return out, nil
}

// Tester pdu ids of TesterTransportConfig.
const (
	TesterRxPdu   comstack.PduID = 0
	TesterTxPdu   comstack.PduID = 0
	TesterFuncPdu comstack.PduID = 1
)

// TesterTransportConfig builds the tester side of channel name: requests go
// out on TesterTxPdu (physical) and TesterFuncPdu (functional, when the
// channel has one), responses come in on TesterRxPdu.
func (c *Config) TesterTransportConfig(name string) (cantp.Config, error) {
	for i := range c.CanTp.Channels {
		ch := &c.CanTp.Channels[i]
		if ch.Name != name {
			continue
		}
		phys, fn, err := ch.addresses()
		if err != nil {
			return cantp.Config{}, err
		}
		out := c.CanTp.base()
		rev := phys.Reverse()
		out.RxSdus = []cantp.RxSdu{{ID: TesterRxPdu, Address: rev}}
		out.TxSdus = []cantp.TxSdu{{ID: TesterTxPdu, Address: rev}}
		if fn != nil {
			out.TxSdus = append(out.TxSdus, cantp.TxSdu{ID: TesterFuncPdu, Address: fn.Reverse(), AddrType: cantp.Functional})
		}
		if err := out.Validate(); err != nil {
			return cantp.Config{}, fmt.Errorf("config: %w", err)
		}
		return out, nil
	}
	return cantp.Config{}, fmt.Errorf("config: no cantp channel %q", name)
}
