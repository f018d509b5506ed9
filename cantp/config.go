package cantp

import (
	"errors"
	"fmt"
	"time"

	"github.com/LoveWonYoung/dcm/comstack"
)

// RxSdu 描述一个接收方向的 N-SDU。请求在 Address.RxID 上接收，
// 流控帧从 Address.TxID 发出。
type RxSdu struct {
	ID      comstack.PduID
	Address *Address
	// Functional 的 N-SDU 只接受单帧。
	Functional bool
}

// TxSdu 描述一个发送方向的 N-SDU。数据从 Address.TxID 发出，
// 流控帧在 Address.RxID 上接收。
type TxSdu struct {
	ID       comstack.PduID
	Address  *Address
	AddrType AddressType
}

// Config defines the configuration for the ISO-TP layer.
type Config struct {
	// PaddingByte, if not nil, is used to pad frames to 8 bytes.
	PaddingByte *byte

	// Transmitter Side Timeouts
	TimeoutN_As time.Duration // Time for transmission of N_PDU on sender side
	TimeoutN_Bs time.Duration // Time until reception of FlowControl

	// Receiver Side Timeouts
	TimeoutN_Cr time.Duration // Time until reception of next CF

	// Parameters sent in our flow control frames
	BlockSize int
	StMin     int

	// MaxWaitFrame (WFTMax) is the number of FC.WAIT frames accepted in a row.
	MaxWaitFrame int

	// Tick is the resolution of the timeout and STmin scheduling.
	Tick time.Duration

	RxSdus []RxSdu
	TxSdus []TxSdu
}

// DefaultConfig returns the ISO 15765-2 recommended timing without any N-SDU.
func DefaultConfig() Config {
	return Config{
		PaddingByte: nil,

		TimeoutN_As: 1000 * time.Millisecond,
		TimeoutN_Bs: 1000 * time.Millisecond,
		TimeoutN_Cr: 1000 * time.Millisecond,

		BlockSize: 0, // BlockSize 0 means unlimited
		StMin:     0,

		MaxWaitFrame: 10,
		Tick:         time.Millisecond,
	}
}

// Validate checks the configuration parameters.
func (c *Config) Validate() error {
	if c.Tick <= 0 {
		return errors.New("cantp: tick must be positive")
	}
	if c.BlockSize < 0 || c.BlockSize > 0xFF {
		return fmt.Errorf("cantp: block size %d out of range", c.BlockSize)
	}
	if c.StMin < 0 || c.StMin > 0x7F {
		return fmt.Errorf("cantp: stmin %d out of range", c.StMin)
	}
	if c.TimeoutN_Bs <= 0 || c.TimeoutN_Cr <= 0 {
		return errors.New("cantp: N_Bs and N_Cr must be positive")
	}
	seen := make(map[comstack.PduID]bool)
	for _, s := range c.RxSdus {
		if s.Address == nil {
			return fmt.Errorf("cantp: rx sdu %d has no address", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("cantp: duplicate rx sdu %d", s.ID)
		}
		seen[s.ID] = true
	}
	seen = make(map[comstack.PduID]bool)
	for _, s := range c.TxSdus {
		if s.Address == nil {
			return fmt.Errorf("cantp: tx sdu %d has no address", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("cantp: duplicate tx sdu %d", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}
