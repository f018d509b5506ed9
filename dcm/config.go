package dcm

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LoveWonYoung/dcm/comstack"
)

// BusyPolicy decides what happens to a request that loses arbitration.
type BusyPolicy string

const (
	// BusyRespond answers losers with NRC 0x21 (multi-client behaviour).
	BusyRespond BusyPolicy = "respond"
	// BusyDrop drops losers silently.
	BusyDrop BusyPolicy = "drop"
)

// HexBytes is a byte slice written as a hex string in YAML.
type HexBytes []byte

func (h HexBytes) MarshalYAML() (interface{}, error) {
	return hex.EncodeToString(h), nil
}

func (h *HexBytes) UnmarshalYAML(n *yaml.Node) error {
	s := strings.ReplaceAll(n.Value, " ", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid hex %q: %w", n.Line, n.Value, err)
	}
	*h = b
	return nil
}

// Precondition restricts a diagnostic entity. Empty lists mean "no
// restriction"; Roles == 0 means the entity is not role protected.
type Precondition struct {
	Sessions []byte `yaml:"sessions,omitempty"`
	Security []byte `yaml:"security,omitempty"`
	Roles    uint32 `yaml:"roles,omitempty"`
}

type BufferConfig struct {
	Size int `yaml:"size"`
}

type ProtocolConfig struct {
	ID   ProtocolID `yaml:"id"`
	Name string     `yaml:"name"`
	// Priority: lower value wins.
	Priority uint8 `yaml:"priority"`
}

type ConnectionConfig struct {
	Name          string                 `yaml:"name"`
	Protocol      ProtocolID             `yaml:"protocol"`
	Buffer        int                    `yaml:"buffer"`
	Channel       comstack.NetworkHandle `yaml:"channel"`
	TesterAddress uint16                 `yaml:"tester_address"`
	RxPhysPdu     comstack.PduID         `yaml:"rx_phys_pdu"`
	RxFuncPdu     *comstack.PduID        `yaml:"rx_func_pdu,omitempty"`
	TxPdu         comstack.PduID         `yaml:"tx_pdu"`

	Authentication     bool `yaml:"authentication"`
	ReadyIndication    bool `yaml:"ready_indication"`
	NoMainTx           bool `yaml:"no_main_tx"`
	SuppressFunctional bool `yaml:"suppress_functional"`
}

type SessionConfig struct {
	ID     byte          `yaml:"id"`
	Name   string        `yaml:"name"`
	P2     time.Duration `yaml:"p2"`
	P2Star time.Duration `yaml:"p2_star"`
}

type SecurityLevelConfig struct {
	// Level is the requestSeed sub-function (odd); sendKey is Level+1.
	Level    byte          `yaml:"level"`
	SeedSize int           `yaml:"seed_size"`
	KeySize  int           `yaml:"key_size"`
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	SeedTTL  time.Duration `yaml:"seed_ttl,omitempty"`
	Key      HexBytes      `yaml:"key,omitempty"`
}

type SubFunctionConfig struct {
	ID           byte `yaml:"id"`
	Precondition `yaml:",inline"`
	// Disabled removes the sub-function from the active variant.
	Disabled bool `yaml:"disabled,omitempty"`
}

type ServiceConfig struct {
	SID                 byte                `yaml:"sid"`
	Name                string              `yaml:"name"`
	Protocols           []ProtocolID        `yaml:"protocols,omitempty"`
	MinLength           int                 `yaml:"min_length"`
	SubFunctions        []SubFunctionConfig `yaml:"sub_functions,omitempty"`
	RespondOnFunctional bool                `yaml:"respond_on_functional,omitempty"`
	Precondition        `yaml:",inline"`
}

type DidConfig struct {
	ID      uint16        `yaml:"id"`
	Name    string        `yaml:"name,omitempty"`
	Size    int           `yaml:"size"`
	Default HexBytes      `yaml:"default,omitempty"`
	Read    *Precondition `yaml:"read,omitempty"`
	Write   *Precondition `yaml:"write,omitempty"`
}

type RoutineConfig struct {
	ID           uint16 `yaml:"id"`
	Name         string `yaml:"name,omitempty"`
	Precondition `yaml:",inline"`
}

type MemoryRangeConfig struct {
	// ID is the memory selector used by the memory white-list.
	ID           uint8  `yaml:"id"`
	Address      uint32 `yaml:"address"`
	Size         uint32 `yaml:"size"`
	Precondition `yaml:",inline"`
}

type WhiteListCapacity struct {
	Services int `yaml:"services"`
	Dids     int `yaml:"dids"`
	Rids     int `yaml:"rids"`
	Memory   int `yaml:"memory"`
}

type AuthConfig struct {
	GlobalBypass        bool              `yaml:"global_bypass"`
	DeauthenticatedRole uint32            `yaml:"deauthenticated_role"`
	IdleTimeout         time.Duration     `yaml:"idle_timeout"`
	Persist             bool              `yaml:"persist"`
	Capacity            WhiteListCapacity `yaml:"capacity"`
	ChallengeSize       int               `yaml:"challenge_size"`
	ChallengeTTL        time.Duration     `yaml:"challenge_ttl"`
}

type LinkBaudrate struct {
	ID  byte   `yaml:"id"`
	Bps uint32 `yaml:"bps"`
}

type LinkControlConfig struct {
	Controller uint8          `yaml:"controller"`
	Baudrates  []LinkBaudrate `yaml:"baudrates"`
}

// Config is the static configuration of a Dcm instance.
type Config struct {
	TaskPeriod       time.Duration `yaml:"task_period"`
	TransportObjects int           `yaml:"transport_objects"`
	BusyPolicy       BusyPolicy    `yaml:"busy_policy"`
	// MaxRcrrp limits consecutive RCRRP responses; 0 means unlimited.
	MaxRcrrp int           `yaml:"max_rcrrp"`
	S3       time.Duration `yaml:"s3"`

	Buffers        []BufferConfig        `yaml:"buffers"`
	Protocols      []ProtocolConfig      `yaml:"protocols"`
	Connections    []ConnectionConfig    `yaml:"connections"`
	Sessions       []SessionConfig       `yaml:"sessions"`
	SecurityLevels []SecurityLevelConfig `yaml:"security_levels"`
	Services       []ServiceConfig       `yaml:"services"`
	Dids           []DidConfig           `yaml:"dids"`
	Routines       []RoutineConfig       `yaml:"routines"`
	Memory         []MemoryRangeConfig   `yaml:"memory"`
	Authentication AuthConfig            `yaml:"authentication"`
	LinkControl    LinkControlConfig     `yaml:"link_control"`
}

func pdu(id comstack.PduID) *comstack.PduID { return &id }

func sub(ids ...byte) []SubFunctionConfig {
	out := make([]SubFunctionConfig, len(ids))
	for i, id := range ids {
		out[i] = SubFunctionConfig{ID: id}
	}
	return out
}

// DefaultConfig returns a two-tester configuration: a workshop tester on
// protocol "uds" and an end-of-line tester on the higher priority protocol
// "eol".
func DefaultConfig() Config {
	extended := []byte{0x03}
	return Config{
		TaskPeriod:       10 * time.Millisecond,
		TransportObjects: 4,
		BusyPolicy:       BusyRespond,
		MaxRcrrp:         0,
		S3:               5000 * time.Millisecond,

		Buffers: []BufferConfig{{Size: 4095}, {Size: 4095}},
		Protocols: []ProtocolConfig{
			{ID: 0, Name: "uds", Priority: 5},
			{ID: 1, Name: "eol", Priority: 2},
		},
		Connections: []ConnectionConfig{
			{Name: "tester", Protocol: 0, Buffer: 0, Channel: 0, TesterAddress: 0x0E80,
				RxPhysPdu: 0, RxFuncPdu: pdu(1), TxPdu: 0, Authentication: true},
			{Name: "eol", Protocol: 1, Buffer: 1, Channel: 0, TesterAddress: 0x0E81,
				RxPhysPdu: 2, TxPdu: 1},
		},
		Sessions: []SessionConfig{
			{ID: 0x01, Name: "default", P2: 50 * time.Millisecond, P2Star: 5000 * time.Millisecond},
			{ID: 0x02, Name: "programming", P2: 50 * time.Millisecond, P2Star: 5000 * time.Millisecond},
			{ID: 0x03, Name: "extended", P2: 50 * time.Millisecond, P2Star: 5000 * time.Millisecond},
		},
		SecurityLevels: []SecurityLevelConfig{
			{Level: 0x01, SeedSize: 4, KeySize: 4, Attempts: 3, Delay: 10 * time.Second, SeedTTL: 10 * time.Second,
				Key: HexBytes{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F}},
		},
		Services: []ServiceConfig{
			{SID: 0x10, Name: "DiagnosticSessionControl", MinLength: 2, SubFunctions: []SubFunctionConfig{
				{ID: 0x01}, {ID: 0x02, Precondition: Precondition{Sessions: []byte{0x02, 0x03}}}, {ID: 0x03},
			}},
			{SID: 0x11, Name: "ECUReset", MinLength: 2, SubFunctions: sub(0x01, 0x03)},
			{SID: 0x22, Name: "ReadDataByIdentifier", MinLength: 3},
			{SID: 0x23, Name: "ReadMemoryByAddress", MinLength: 4, Precondition: Precondition{Sessions: extended}},
			{SID: 0x27, Name: "SecurityAccess", MinLength: 2, Precondition: Precondition{Sessions: []byte{0x02, 0x03}},
				SubFunctions: sub(0x01, 0x02)},
			{SID: 0x29, Name: "Authentication", MinLength: 2, SubFunctions: sub(0x00, 0x01, 0x03, 0x08)},
			{SID: 0x2E, Name: "WriteDataByIdentifier", MinLength: 4, Precondition: Precondition{Sessions: extended}},
			{SID: 0x31, Name: "RoutineControl", MinLength: 4, SubFunctions: sub(0x01, 0x02, 0x03)},
			{SID: 0x3E, Name: "TesterPresent", MinLength: 2, SubFunctions: sub(0x00)},
			{SID: 0x87, Name: "LinkControl", MinLength: 2, Precondition: Precondition{Sessions: extended},
				SubFunctions: sub(0x01, 0x03)},
		},
		Dids: []DidConfig{
			{ID: 0xF190, Name: "VIN", Size: 17, Default: HexBytes("WDD2221761A000001"), Read: &Precondition{}},
			{ID: 0xF18C, Name: "ECUSerialNumber", Size: 10, Default: HexBytes("SN00000001"), Read: &Precondition{}},
			{ID: 0x1234, Name: "Calibration", Size: 4, Default: HexBytes{0, 0, 0, 0},
				Read:  &Precondition{Roles: 0x04},
				Write: &Precondition{Sessions: extended, Security: []byte{0x01}, Roles: 0x04}},
		},
		Routines: []RoutineConfig{
			{ID: 0xFF00, Name: "EraseMemory", Precondition: Precondition{Sessions: []byte{0x02, 0x03}}},
			{ID: 0x0203, Name: "CheckProgrammingPreconditions"},
		},
		Memory: []MemoryRangeConfig{
			{ID: 0x00, Address: 0x00000000, Size: 0x00010000},
			{ID: 0x01, Address: 0x00010000, Size: 0x00010000, Precondition: Precondition{Security: []byte{0x01}}},
		},
		Authentication: AuthConfig{
			DeauthenticatedRole: 0x00000000,
			IdleTimeout:         30 * time.Second,
			Capacity:            WhiteListCapacity{Services: 4, Dids: 8, Rids: 8, Memory: 4},
			ChallengeSize:       16,
			ChallengeTTL:        30 * time.Second,
		},
		LinkControl: LinkControlConfig{
			Controller: 0,
			Baudrates: []LinkBaudrate{
				{ID: 0x10, Bps: 125000}, {ID: 0x11, Bps: 250000},
				{ID: 0x12, Bps: 500000}, {ID: 0x13, Bps: 1000000},
			},
		},
	}
}

// Validate checks the configuration for consistency.
// builtinMinLength is the shortest request, SID included, each built-in
// handler can parse.
var builtinMinLength = map[byte]int{
	0x10: 2, 0x11: 2, 0x22: 3, 0x23: 4, 0x27: 2, 0x29: 2,
	0x2E: 4, 0x31: 4, 0x3E: 2, 0x87: 2,
}

func (c *Config) Validate() error {
	if c.TaskPeriod <= 0 {
		return newConfigError("task_period must be positive")
	}
	if c.TransportObjects < 1 || c.TransportObjects > 64 {
		return newConfigError(fmt.Sprintf("transport_objects must be in 1..64, got %d", c.TransportObjects))
	}
	switch c.BusyPolicy {
	case "", BusyRespond, BusyDrop:
	default:
		return newConfigError(fmt.Sprintf("unknown busy_policy %q", c.BusyPolicy))
	}
	if c.MaxRcrrp < 0 {
		return newConfigError("max_rcrrp must not be negative")
	}
	if len(c.Buffers) == 0 {
		return newConfigError("no buffers")
	}
	for i, b := range c.Buffers {
		if b.Size < 8 {
			return newConfigError(fmt.Sprintf("buffer %d: size %d < 8", i, b.Size))
		}
	}

	protos := make(map[ProtocolID]bool)
	for _, p := range c.Protocols {
		if protos[p.ID] {
			return newConfigError(fmt.Sprintf("duplicate protocol id %d", p.ID))
		}
		protos[p.ID] = true
	}
	if len(protos) == 0 {
		return newConfigError("no protocols")
	}

	if len(c.Connections) == 0 || len(c.Connections) > 64 {
		return newConfigError(fmt.Sprintf("connections must be in 1..64, got %d", len(c.Connections)))
	}
	rx := make(map[comstack.PduID]bool)
	tx := make(map[comstack.PduID]bool)
	for i, cc := range c.Connections {
		if !protos[cc.Protocol] {
			return newConfigError(fmt.Sprintf("connection %d: unknown protocol %d", i, cc.Protocol))
		}
		if cc.Buffer < 0 || cc.Buffer >= len(c.Buffers) {
			return newConfigError(fmt.Sprintf("connection %d: buffer %d out of range", i, cc.Buffer))
		}
		if rx[cc.RxPhysPdu] {
			return newConfigError(fmt.Sprintf("connection %d: rx pdu %d used twice", i, cc.RxPhysPdu))
		}
		rx[cc.RxPhysPdu] = true
		if cc.RxFuncPdu != nil {
			if rx[*cc.RxFuncPdu] {
				return newConfigError(fmt.Sprintf("connection %d: rx pdu %d used twice", i, *cc.RxFuncPdu))
			}
			rx[*cc.RxFuncPdu] = true
		}
		if tx[cc.TxPdu] {
			return newConfigError(fmt.Sprintf("connection %d: tx pdu %d used twice", i, cc.TxPdu))
		}
		tx[cc.TxPdu] = true
	}

	if c.session(DefaultSession) == nil {
		return newConfigError("default session 0x01 not configured")
	}
	for _, s := range c.Sessions {
		if s.P2 <= 0 || s.P2Star < s.P2 {
			return newConfigError(fmt.Sprintf("session 0x%02X: need 0 < p2 <= p2_star", s.ID))
		}
	}

	levels := make(map[byte]bool)
	for _, l := range c.SecurityLevels {
		if l.Level%2 == 0 || l.Level > 0x7D {
			return newConfigError(fmt.Sprintf("security level 0x%02X must be odd and below 0x7E", l.Level))
		}
		if levels[l.Level] {
			return newConfigError(fmt.Sprintf("duplicate security level 0x%02X", l.Level))
		}
		levels[l.Level] = true
		if l.SeedSize < 1 || l.SeedSize > 32 || l.KeySize < 1 || l.KeySize > 16 {
			return newConfigError(fmt.Sprintf("security level 0x%02X: seed 1..32 and key 1..16 bytes", l.Level))
		}
		if l.Key != nil && len(l.Key) != 16 {
			return newConfigError(fmt.Sprintf("security level 0x%02X: key must be 16 bytes", l.Level))
		}
	}

	sids := make(map[byte]bool)
	for _, s := range c.Services {
		if sids[s.SID] {
			return newConfigError(fmt.Sprintf("duplicate service 0x%02X", s.SID))
		}
		sids[s.SID] = true
		if need, ok := builtinMinLength[s.SID]; ok && s.MinLength < need {
			return newConfigError(fmt.Sprintf("service 0x%02X: min_length %d, built-in handler needs %d", s.SID, s.MinLength, need))
		}
		sfs := make(map[byte]bool)
		for _, sf := range s.SubFunctions {
			if sf.ID >= 0x80 || sfs[sf.ID] {
				return newConfigError(fmt.Sprintf("service 0x%02X: bad sub-function 0x%02X", s.SID, sf.ID))
			}
			sfs[sf.ID] = true
		}
	}

	dids := make(map[uint16]bool)
	for _, d := range c.Dids {
		if dids[d.ID] || d.Size <= 0 {
			return newConfigError(fmt.Sprintf("did 0x%04X: duplicate or empty", d.ID))
		}
		if d.Default != nil && len(d.Default) != d.Size {
			return newConfigError(fmt.Sprintf("did 0x%04X: default has %d bytes, want %d", d.ID, len(d.Default), d.Size))
		}
		dids[d.ID] = true
	}
	for _, m := range c.Memory {
		if m.Size == 0 || uint64(m.Address)+uint64(m.Size) > 1<<32 {
			return newConfigError(fmt.Sprintf("memory range %d invalid", m.ID))
		}
	}

	a := c.Authentication
	if a.Capacity.Services < 0 || a.Capacity.Dids < 0 || a.Capacity.Rids < 0 || a.Capacity.Memory < 0 {
		return newConfigError("white-list capacities must not be negative")
	}
	if a.ChallengeSize < 0 || a.ChallengeSize > 64 {
		return newConfigError("challenge_size must be in 0..64")
	}
	return nil
}

func (c *Config) session(id byte) *SessionConfig {
	for i := range c.Sessions {
		if c.Sessions[i].ID == id {
			return &c.Sessions[i]
		}
	}
	return nil
}

func (c *Config) protocol(id ProtocolID) *ProtocolConfig {
	for i := range c.Protocols {
		if c.Protocols[i].ID == id {
			return &c.Protocols[i]
		}
	}
	return nil
}

func (c *Config) securityLevel(level byte) (int, *SecurityLevelConfig) {
	for i := range c.SecurityLevels {
		if c.SecurityLevels[i].Level == level {
			return i, &c.SecurityLevels[i]
		}
	}
	return -1, nil
}

func (c *Config) did(id uint16) *DidConfig {
	for i := range c.Dids {
		if c.Dids[i].ID == id {
			return &c.Dids[i]
		}
	}
	return nil
}

func (c *Config) routine(id uint16) *RoutineConfig {
	for i := range c.Routines {
		if c.Routines[i].ID == id {
			return &c.Routines[i]
		}
	}
	return nil
}
