package cancore

import (
	"fmt"
	"sync"
)

// SimulatedHardware 是虚拟总线使用的 Extension：模式切换在 Settle 次
// Mode 读取之后生效。
type SimulatedHardware struct {
	mu sync.Mutex
	// Settle 是每次切换生效前需要的 Mode 读取次数
	Settle int
	// FailMode 不为空时，该切换被硬件拒绝
	FailMode Transition

	modes   map[uint8]Mode
	pending map[uint8]Mode
	wait    map[uint8]int
	bps     map[uint8]uint32
	woken   map[uint8]bool
	// OnBaudrate 在波特率改变后调用（例如重新配置虚拟总线节点）
	OnBaudrate func(controller uint8, bps uint32)
}

var _ Extension = (*SimulatedHardware)(nil)

func NewSimulatedHardware() *SimulatedHardware {
	return &SimulatedHardware{
		modes:   make(map[uint8]Mode),
		pending: make(map[uint8]Mode),
		wait:    make(map[uint8]int),
		bps:     make(map[uint8]uint32),
		woken:   make(map[uint8]bool),
	}
}

func transitionTarget(t Transition) (Mode, bool) {
	switch t {
	case Start:
		return ModeStarted, true
	case Stop, Wakeup:
		return ModeStopped, true
	case Sleep:
		return ModeSleep, true
	}
	return "", false
}

func (h *SimulatedHardware) SetMode(ctrl uint8, t Transition) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t == h.FailMode {
		return fmt.Errorf("controller %d: %s rejected", ctrl, t)
	}
	m, ok := transitionTarget(t)
	if !ok {
		return fmt.Errorf("controller %d: unknown transition %q", ctrl, t)
	}
	h.pending[ctrl] = m
	h.wait[ctrl] = h.Settle
	if t == Wakeup {
		h.woken[ctrl] = false
	}
	return nil
}

func (h *SimulatedHardware) Mode(ctrl uint8) Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.pending[ctrl]; ok {
		if h.wait[ctrl] <= 0 {
			h.modes[ctrl] = p
			delete(h.pending, ctrl)
		} else {
			h.wait[ctrl]--
		}
	}
	if m, ok := h.modes[ctrl]; ok {
		return m
	}
	return ModeStopped
}

func (h *SimulatedHardware) SetBaudrate(ctrl uint8, bps uint32) error {
	h.mu.Lock()
	h.bps[ctrl] = bps
	fn := h.OnBaudrate
	h.mu.Unlock()
	if fn != nil {
		fn(ctrl, bps)
	}
	return nil
}

// Baudrate 返回硬件当前配置的波特率
func (h *SimulatedHardware) Baudrate(ctrl uint8) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bps[ctrl]
}

// Wake 模拟总线唤醒事件
func (h *SimulatedHardware) Wake(ctrl uint8) {
	h.mu.Lock()
	h.woken[ctrl] = true
	h.mu.Unlock()
}

func (h *SimulatedHardware) WakeupDetected(ctrl uint8) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.woken[ctrl]
}
