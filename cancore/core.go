// Package cancore is the CAN controller unit beneath the transport layer:
// guarded controller mode transitions and baud rate reconfiguration. The
// hardware side is reached through an Extension supplied by the integrator.
package cancore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/LoveWonYoung/dcm/det"
	"github.com/LoveWonYoung/dcm/logrecorder"
	"github.com/LoveWonYoung/dcm/timer"
)

// Mode 是控制器的工作模式
type Mode string

const (
	ModeUninit  Mode = "UNINIT"
	ModeStopped Mode = "STOPPED"
	ModeStarted Mode = "STARTED"
	ModeSleep   Mode = "SLEEP"
)

func (m Mode) valid() bool {
	switch m {
	case ModeStopped, ModeStarted, ModeSleep:
		return true
	}
	return false
}

// Transition 是 SetControllerMode 请求的模式切换
type Transition string

const (
	Start  Transition = "START"
	Stop   Transition = "STOP"
	Sleep  Transition = "SLEEP"
	Wakeup Transition = "WAKEUP"
)

// DET service ids
const (
	APIInit              uint8 = 0x00
	APIMainFunctionMode  uint8 = 0x0C
	APISetControllerMode uint8 = 0x03
	APIMainFunctionWake  uint8 = 0x0A
	APIChangeBaudrate    uint8 = 0x0D
	APICheckBaudrate     uint8 = 0x0E
	APISetBaudrate       uint8 = 0x0F
)

// DET error ids
const (
	ErrParamController uint8 = 0x04
	ErrUninitialized   uint8 = 0x05
	ErrTransition      uint8 = 0x06
	ErrParamBaudrate   uint8 = 0x07
	ErrInitFailed      uint8 = 0x09
	// ErrExtensionResult: the vendor extension returned a value outside its contract.
	ErrExtensionResult uint8 = 0x10
)

var (
	ErrNotOK = errors.New("cancore: request not accepted")
	// ErrPending 表示硬件尚未完成切换，由 MainFunctionMode 继续轮询。
	ErrPending             = errors.New("cancore: mode transition pending")
	ErrUnsupportedBaudrate = errors.New("cancore: baudrate not supported")
)

// Extension is the vendor hook performing the actual hardware work. Mode
// reports the mode the hardware is in right now.
type Extension interface {
	SetMode(controller uint8, t Transition) error
	Mode(controller uint8) Mode
	SetBaudrate(controller uint8, bps uint32) error
	WakeupDetected(controller uint8) bool
}

type Option func(*Core)

func WithLogger(l logrecorder.Logger) Option { return func(c *Core) { c.log = l } }

func WithDet(r *det.Reporter) Option { return func(c *Core) { c.det = r } }

// WithModeIndication 设置模式切换完成后的通知（在锁外调用）
func WithModeIndication(fn func(controller uint8, m Mode)) Option {
	return func(c *Core) { c.indicate = fn }
}

// WithWakeupIndication 设置检测到唤醒时的通知
func WithWakeupIndication(fn func(controller uint8)) Option {
	return func(c *Core) { c.wakeup = fn }
}

type controller struct {
	cfg *ControllerConfig
	fsm *fsm.FSM
	bps uint32
	// 异步切换的目标模式，空表示没有正在进行的切换
	target  Mode
	entered []Mode
}

// Core 管理所有 CAN 控制器的模式和波特率
type Core struct {
	cfg      Config
	ext      Extension
	log      logrecorder.Logger
	det      *det.Reporter
	indicate func(uint8, Mode)
	wakeup   func(uint8)

	mu     sync.Mutex
	inited bool
	ctrls  map[uint8]*controller
}

// New creates the unit in UNINIT. Init must be called before anything else.
func New(cfg Config, ext Extension, opts ...Option) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ext == nil {
		return nil, errors.New("cancore: extension must not be nil")
	}
	c := &Core{cfg: cfg, ext: ext, ctrls: make(map[uint8]*controller)}
	for _, o := range opts {
		o(c)
	}
	c.log = logrecorder.OrDiscard(c.log)
	if c.det == nil {
		c.det = det.Discard()
	}
	return c, nil
}

func (c *Core) newFSM(ctrl *controller) *fsm.FSM {
	id := ctrl.cfg.ID
	return fsm.NewFSM(
		string(ModeStopped),
		fsm.Events{
			{Name: string(Start), Src: []string{string(ModeStopped)}, Dst: string(ModeStarted)},
			{Name: string(Stop), Src: []string{string(ModeStarted), string(ModeStopped)}, Dst: string(ModeStopped)},
			{Name: string(Sleep), Src: []string{string(ModeStopped), string(ModeSleep)}, Dst: string(ModeSleep)},
			{Name: string(Wakeup), Src: []string{string(ModeSleep), string(ModeStopped)}, Dst: string(ModeStopped)},
		},
		fsm.Callbacks{
			// 请求硬件切换，等硬件到达目标模式后再完成状态转换
			"leave_state": func(_ context.Context, e *fsm.Event) {
				if err := c.ext.SetMode(id, Transition(e.Event)); err != nil {
					e.Cancel(err)
					return
				}
				ctrl.target = Mode(e.Dst)
				e.Async()
			},
			"enter_state": func(_ context.Context, e *fsm.Event) {
				ctrl.target = ""
				ctrl.entered = append(ctrl.entered, Mode(e.Dst))
			},
		},
	)
}

// Init 初始化所有控制器：STOPPED 模式，默认波特率。
func (c *Core) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inited {
		c.det.Report(det.ModuleCan, APIInit, ErrTransition)
		return ErrNotOK
	}
	for i := range c.cfg.Controllers {
		cc := &c.cfg.Controllers[i]
		b, _ := cc.baudrate(cc.DefaultIndex)
		if err := c.ext.SetBaudrate(cc.ID, b.Bps); err != nil {
			c.det.Report(det.ModuleCan, APIInit, ErrInitFailed)
			return fmt.Errorf("cancore: init controller %d: %w", cc.ID, err)
		}
		ctrl := &controller{cfg: cc, bps: b.Bps}
		ctrl.fsm = c.newFSM(ctrl)
		c.ctrls[cc.ID] = ctrl
	}
	c.inited = true
	c.log.Info("CAN core initialized, %d controller(s)", len(c.ctrls))
	return nil
}

// lookup 检查初始化状态和控制器编号，失败时上报 DET
func (c *Core) lookup(api, id uint8) *controller {
	if !c.inited {
		c.det.Report(det.ModuleCan, api, ErrUninitialized)
		return nil
	}
	ctrl, ok := c.ctrls[id]
	if !ok {
		c.det.Report(det.ModuleCan, api, ErrParamController)
		return nil
	}
	return ctrl
}

// flush 在锁外发送模式切换通知
func (c *Core) flush(id uint8, modes []Mode) {
	if c.indicate == nil {
		return
	}
	for _, m := range modes {
		c.indicate(id, m)
	}
}

func (c *Core) takeEntered(ctrl *controller) []Mode {
	m := ctrl.entered
	ctrl.entered = nil
	return m
}

// SetControllerMode 请求一次模式切换。硬件在 LoopTimeout 内完成时返回 nil，
// 否则返回 ErrPending，切换在 MainFunctionMode 中完成。
func (c *Core) SetControllerMode(id uint8, t Transition) error {
	c.mu.Lock()
	ctrl := c.lookup(APISetControllerMode, id)
	if ctrl == nil {
		c.mu.Unlock()
		return ErrNotOK
	}
	err := c.request(APISetControllerMode, ctrl, t)
	if err == nil {
		err = c.await(ctrl)
	}
	entered := c.takeEntered(ctrl)
	c.mu.Unlock()
	c.flush(id, entered)
	return err
}

// request 触发 fsm 事件。返回 nil 表示已请求（或目标模式已达到）。
func (c *Core) request(api uint8, ctrl *controller, t Transition) error {
	if ctrl.target != "" {
		return ErrPending
	}
	err := ctrl.fsm.Event(context.Background(), string(t))
	var (
		async   fsm.AsyncError
		noTrans fsm.NoTransitionError
		invalid fsm.InvalidEventError
		unknown fsm.UnknownEventError
		cancel  fsm.CanceledError
	)
	switch {
	case err == nil, errors.As(err, &async), errors.As(err, &noTrans):
		return nil
	case errors.As(err, &invalid), errors.As(err, &unknown):
		c.det.Report(det.ModuleCan, api, ErrTransition)
		return ErrNotOK
	case errors.As(err, &cancel):
		c.det.Report(det.ModuleCan, api, ErrExtensionResult)
		c.log.Warn("controller %d: %s refused by hardware: %v", ctrl.cfg.ID, t, cancel.Err)
		return ErrNotOK
	}
	c.log.Warn("controller %d: %s: %v", ctrl.cfg.ID, t, err)
	return ErrNotOK
}

// await 在 LoopTimeout 内轮询硬件模式
func (c *Core) await(ctrl *controller) error {
	if ctrl.target == "" {
		return nil
	}
	t := timer.NewTimer(c.cfg.LoopTimeout)
	t.Start()
	for {
		if c.poll(APISetControllerMode, ctrl) {
			return nil
		}
		if t.IsTimedOut() {
			return ErrPending
		}
		time.Sleep(c.cfg.PollInterval)
	}
}

// poll 读取一次硬件模式，到达目标时完成状态转换
func (c *Core) poll(api uint8, ctrl *controller) bool {
	if ctrl.target == "" {
		return true
	}
	m := c.ext.Mode(ctrl.cfg.ID)
	if !m.valid() {
		c.det.Report(det.ModuleCan, api, ErrExtensionResult)
		return false
	}
	if m != ctrl.target {
		return false
	}
	if err := ctrl.fsm.Transition(); err != nil {
		c.log.Warn("controller %d: transition: %v", ctrl.cfg.ID, err)
		return false
	}
	return true
}

// MainFunctionMode 完成硬件已到达目标模式的异步切换
func (c *Core) MainFunctionMode() {
	c.mu.Lock()
	if !c.inited {
		c.mu.Unlock()
		return
	}
	type note struct {
		id    uint8
		modes []Mode
	}
	var notes []note
	for id, ctrl := range c.ctrls {
		c.poll(APIMainFunctionMode, ctrl)
		if m := c.takeEntered(ctrl); len(m) > 0 {
			notes = append(notes, note{id, m})
		}
	}
	c.mu.Unlock()
	for _, n := range notes {
		c.flush(n.id, n.modes)
	}
}

// MainFunctionWakeup 轮询处于 SLEEP 的控制器是否检测到唤醒
func (c *Core) MainFunctionWakeup() {
	c.mu.Lock()
	if !c.inited {
		c.mu.Unlock()
		return
	}
	var woken []uint8
	for id, ctrl := range c.ctrls {
		if Mode(ctrl.fsm.Current()) == ModeSleep && c.ext.WakeupDetected(id) {
			woken = append(woken, id)
		}
	}
	c.mu.Unlock()
	for _, id := range woken {
		c.log.Info("controller %d: wakeup detected", id)
		if c.wakeup != nil {
			c.wakeup(id)
		}
	}
}

// ControllerMode 返回控制器当前模式；未初始化或编号无效时为 UNINIT
func (c *Core) ControllerMode(id uint8) Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctrl, ok := c.ctrls[id]
	if !c.inited || !ok {
		return ModeUninit
	}
	return Mode(ctrl.fsm.Current())
}

// CheckBaudrate 检查控制器是否支持 bps
func (c *Core) CheckBaudrate(id uint8, bps uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctrl := c.lookup(APICheckBaudrate, id)
	if ctrl == nil {
		return ErrNotOK
	}
	if !ctrl.cfg.supports(bps) {
		return fmt.Errorf("controller %d: %d bit/s: %w", id, bps, ErrUnsupportedBaudrate)
	}
	return nil
}

// ChangeBaudrate 同步切换波特率：STOP，重新配置，再 START（如果之前已启动）。
// 任一步骤在 LoopTimeout 内未完成即失败。
func (c *Core) ChangeBaudrate(id uint8, bps uint32) error {
	c.mu.Lock()
	ctrl := c.lookup(APIChangeBaudrate, id)
	if ctrl == nil {
		c.mu.Unlock()
		return ErrNotOK
	}
	err := c.changeBaudrate(ctrl, bps)
	entered := c.takeEntered(ctrl)
	c.mu.Unlock()
	c.flush(id, entered)
	return err
}

func (c *Core) changeBaudrate(ctrl *controller, bps uint32) error {
	id := ctrl.cfg.ID
	if !ctrl.cfg.supports(bps) {
		c.det.Report(det.ModuleCan, APIChangeBaudrate, ErrParamBaudrate)
		return fmt.Errorf("controller %d: %d bit/s: %w", id, bps, ErrUnsupportedBaudrate)
	}
	restart := Mode(ctrl.fsm.Current()) == ModeStarted
	if err := c.switchSync(ctrl, Stop); err != nil {
		return err
	}
	if err := c.ext.SetBaudrate(id, bps); err != nil {
		c.det.Report(det.ModuleCan, APIChangeBaudrate, ErrExtensionResult)
		return fmt.Errorf("controller %d: set baudrate: %w", id, err)
	}
	old := ctrl.bps
	ctrl.bps = bps
	if restart {
		if err := c.switchSync(ctrl, Start); err != nil {
			return err
		}
	}
	c.log.Info("controller %d: baudrate %d -> %d", id, old, bps)
	return nil
}

// switchSync 同步模式切换，超时即失败
func (c *Core) switchSync(ctrl *controller, t Transition) error {
	if err := c.request(APIChangeBaudrate, ctrl, t); err != nil {
		if errors.Is(err, ErrPending) {
			return ErrNotOK
		}
		return err
	}
	if err := c.await(ctrl); err != nil {
		c.log.Warn("controller %d: %s not reached within %s", ctrl.cfg.ID, t, c.cfg.LoopTimeout)
		return ErrNotOK
	}
	return nil
}

// SetBaudrate 按配置索引设置波特率，只允许在 STOPPED 模式下调用。
func (c *Core) SetBaudrate(id uint8, index uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctrl := c.lookup(APISetBaudrate, id)
	if ctrl == nil {
		return ErrNotOK
	}
	b, ok := ctrl.cfg.baudrate(index)
	if !ok {
		c.det.Report(det.ModuleCan, APISetBaudrate, ErrParamBaudrate)
		return ErrNotOK
	}
	if Mode(ctrl.fsm.Current()) != ModeStopped || ctrl.target != "" {
		c.det.Report(det.ModuleCan, APISetBaudrate, ErrTransition)
		return ErrNotOK
	}
	if err := c.ext.SetBaudrate(id, b.Bps); err != nil {
		c.det.Report(det.ModuleCan, APISetBaudrate, ErrExtensionResult)
		return fmt.Errorf("controller %d: set baudrate: %w", id, err)
	}
	ctrl.bps = b.Bps
	return nil
}

// Baudrate 返回控制器当前波特率
func (c *Core) Baudrate(id uint8) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctrl := c.lookup(APICheckBaudrate, id)
	if ctrl == nil {
		return 0, ErrNotOK
	}
	return ctrl.bps, nil
}
