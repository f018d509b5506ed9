package cantp

import (
	"fmt"

	"go.einride.tech/can"
)

// AddressingMode 定义了ISOTP支持的寻址模式
type AddressingMode int

const (
	Normal11Bit      AddressingMode = iota // 11位ID，无地址扩展
	Normal29Bit                            // 29位ID，无地址扩展
	NormalFixed29Bit                       // 29位ID，目标/源地址在ID中
	Extended11Bit                          // 11位ID，目标地址在数据负载第一字节
	Extended29Bit                          // 29位ID，目标地址在数据负载第一字节
	Mixed29Bit                             // 29位ID，目标/源地址在ID中，地址扩展在数据负载第一字节
)

func (m AddressingMode) String() string {
	switch m {
	case Normal11Bit:
		return "normal_11bits"
	case Normal29Bit:
		return "normal_29bits"
	case NormalFixed29Bit:
		return "normal_fixed_29bits"
	case Extended11Bit:
		return "extended_11bits"
	case Extended29Bit:
		return "extended_29bits"
	case Mixed29Bit:
		return "mixed_29bits"
	}
	return fmt.Sprintf("AddressingMode(%d)", int(m))
}

// ParseAddressingMode is the inverse of AddressingMode.String.
func ParseAddressingMode(s string) (AddressingMode, error) {
	for m := Normal11Bit; m <= Mixed29Bit; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("不支持的寻址模式: %q", s)
}

// AddressType 定义了寻址类型：物理或功能
type AddressType int

const (
	Physical AddressType = iota
	Functional
)

// Address 存储了所有与寻址相关的信息
type Address struct {
	AddressingMode AddressingMode

	// 用于 Normal, Extended 模式
	TxID uint32
	RxID uint32

	// 用于 NormalFixed, Extended, Mixed 模式
	TargetAddress byte // 对端地址 (TA)
	SourceAddress byte // 本端地址 (SA)

	// 用于 Mixed 模式
	AddressExtension byte

	txPrefix []byte
	rxPrefix int
	is29Bit  bool
}

// NewAddress 是一个灵活的构造函数，用于创建地址对象
func NewAddress(mode AddressingMode, opts ...func(*Address)) (*Address, error) {
	addr := &Address{AddressingMode: mode}
	for _, opt := range opts {
		opt(addr)
	}

	switch mode {
	case Normal11Bit:
	case Normal29Bit, NormalFixed29Bit:
		addr.is29Bit = true
	case Extended11Bit:
		addr.txPrefix = []byte{addr.TargetAddress}
		addr.rxPrefix = 1
	case Extended29Bit:
		addr.is29Bit = true
		addr.txPrefix = []byte{addr.TargetAddress}
		addr.rxPrefix = 1
	case Mixed29Bit:
		addr.is29Bit = true
		addr.txPrefix = []byte{addr.AddressExtension}
		addr.rxPrefix = 1
	default:
		return nil, fmt.Errorf("不支持的寻址模式: %d", mode)
	}
	if !addr.is29Bit && (addr.TxID > 0x7FF || addr.RxID > 0x7FF) {
		return nil, fmt.Errorf("%s: 标识符超出11位范围 (tx 0x%X, rx 0x%X)", mode, addr.TxID, addr.RxID)
	}
	return addr, nil
}

// 可选配置函数，用于 NewAddress

func WithTxID(id uint32) func(*Address)        { return func(a *Address) { a.TxID = id } }
func WithRxID(id uint32) func(*Address)        { return func(a *Address) { a.RxID = id } }
func WithTargetAddress(ta byte) func(*Address) { return func(a *Address) { a.TargetAddress = ta } }
func WithSourceAddress(sa byte) func(*Address) { return func(a *Address) { a.SourceAddress = sa } }
func WithAddressExtension(ae byte) func(*Address) {
	return func(a *Address) { a.AddressExtension = ae }
}

// fixedID 组合 18xx[TA][SA] 格式的标识符
func fixedID(prefix uint32, ta, sa byte) uint32 {
	return prefix | uint32(ta)<<8 | uint32(sa)
}

// TxArbitrationID 根据寻址模式和类型（物理/功能）计算发送ID
func (a *Address) TxArbitrationID(addrType AddressType) uint32 {
	switch a.AddressingMode {
	case NormalFixed29Bit:
		// 18DA[TA][SA] for physical, 18DB[TA][SA] for functional
		if addrType == Functional {
			return fixedID(0x18DB0000, a.TargetAddress, a.SourceAddress)
		}
		return fixedID(0x18DA0000, a.TargetAddress, a.SourceAddress)
	case Mixed29Bit:
		// 18CE[TA][SA] for physical, 18CD[TA][SA] for functional
		if addrType == Functional {
			return fixedID(0x18CD0000, a.TargetAddress, a.SourceAddress)
		}
		return fixedID(0x18CE0000, a.TargetAddress, a.SourceAddress)
	}
	return a.TxID
}

// IsForMe 检查收到的CAN报文是否是发给本端的
func (a *Address) IsForMe(f *can.Frame, addrType AddressType) bool {
	if f.IsExtended != a.is29Bit || f.IsRemote {
		return false
	}
	switch a.AddressingMode {
	case Normal11Bit, Normal29Bit:
		return f.ID == a.RxID
	case NormalFixed29Bit:
		// 对端发来的报文中 TA 是本端地址
		prefix := uint32(0x18DA0000)
		if addrType == Functional {
			prefix = 0x18DB0000
		}
		return f.ID == fixedID(prefix, a.SourceAddress, a.TargetAddress)
	case Extended11Bit, Extended29Bit:
		return f.ID == a.RxID && f.Length >= 1 && f.Data[0] == a.SourceAddress
	case Mixed29Bit:
		prefix := uint32(0x18CE0000)
		if addrType == Functional {
			prefix = 0x18CD0000
		}
		return f.ID == fixedID(prefix, a.SourceAddress, a.TargetAddress) &&
			f.Length >= 1 && f.Data[0] == a.AddressExtension
	}
	return false
}

// Is29Bit 返回当前模式是否为29位
func (a *Address) Is29Bit() bool {
	return a.is29Bit
}

// maxPayload 返回一帧中可用于 N_PCI 和数据的字节数
func (a *Address) maxPayload() int {
	return frameLen - len(a.txPrefix)
}

// Reverse 返回对端视角的地址：收发标识符与 TA/SA 互换。
func (a *Address) Reverse() *Address {
	r, _ := NewAddress(a.AddressingMode,
		WithTxID(a.RxID), WithRxID(a.TxID),
		WithTargetAddress(a.SourceAddress), WithSourceAddress(a.TargetAddress),
		WithAddressExtension(a.AddressExtension))
	return r
}

func (a *Address) String() string {
	switch a.AddressingMode {
	case NormalFixed29Bit, Mixed29Bit:
		return fmt.Sprintf("%s TA=0x%02X SA=0x%02X", a.AddressingMode, a.TargetAddress, a.SourceAddress)
	}
	return fmt.Sprintf("%s tx=0x%X rx=0x%X", a.AddressingMode, a.TxID, a.RxID)
}
