package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.einride.tech/can"

	"github.com/LoveWonYoung/dcm/logrecorder"
)

// VirtualBus 是内存中的 CAN 总线：一个节点写入的帧被投递到其他所有已启动的节点。
// 用于开发和测试，不依赖实际硬件。
type VirtualBus struct {
	mu    sync.Mutex
	nodes []*VirtualNode
	log   logrecorder.Logger
}

func NewVirtualBus(log logrecorder.Logger) *VirtualBus {
	return &VirtualBus{log: logrecorder.OrDiscard(log)}
}

// Attach 在总线上创建一个新节点
func (b *VirtualBus) Attach(name string) *VirtualNode {
	ctx, cancel := context.WithCancel(context.Background())
	n := &VirtualNode{
		name:   name,
		bus:    b,
		rxChan: make(chan can.Frame, RxChannelBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	b.mu.Lock()
	b.nodes = append(b.nodes, n)
	b.mu.Unlock()
	return n
}

func (b *VirtualBus) deliver(from *VirtualNode, f can.Frame) {
	b.mu.Lock()
	nodes := append([]*VirtualNode(nil), b.nodes...)
	b.mu.Unlock()
	for _, n := range nodes {
		if n != from {
			n.inject(f)
		}
	}
}

// VirtualNode 是虚拟总线上的一个 CAN 控制器，实现 CANDriver。
type VirtualNode struct {
	name string
	bus  *VirtualBus

	mu       sync.Mutex
	rxChan   chan can.Frame
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	stopped  bool
	dropped  int
	writeLog []WriteRecord // 记录写入的数据
}

var _ CANDriver = (*VirtualNode)(nil)

var ErrNotStarted = errors.New("设备未启动")

// Init 初始化虚拟设备 (总是成功)
func (n *VirtualNode) Init() error {
	n.bus.log.Debug("[%s] 虚拟 CAN 设备初始化成功", n.name)
	return nil
}

// Start 启动虚拟设备。停止后不能再次启动。
func (n *VirtualNode) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running || n.stopped {
		return
	}
	n.running = true
	n.bus.log.Debug("[%s] 虚拟 CAN 设备已启动", n.name)
}

// Stop 停止虚拟设备并关闭接收通道
func (n *VirtualNode) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return
	}
	n.running = false
	n.stopped = true
	n.cancel()
	close(n.rxChan)
	n.bus.log.Debug("[%s] 虚拟 CAN 设备已停止", n.name)
}

// Write 把帧发送到总线上的其他节点
func (n *VirtualNode) Write(f can.Frame) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return ErrNotStarted
	}
	if f.Length > 8 {
		n.mu.Unlock()
		return fmt.Errorf("DLC %d 超出经典 CAN 范围", f.Length)
	}
	n.writeLog = append(n.writeLog, WriteRecord{Frame: f, Timestamp: time.Now()})
	n.mu.Unlock()

	n.bus.log.Debug("[%s] TX ID=0x%03X, DLC=%d, Data=% 02X", n.name, f.ID, f.Length, Payload(f))
	n.bus.deliver(n, f)
	return nil
}

// inject 向接收通道注入一条消息；通道满时丢弃。
func (n *VirtualNode) inject(f can.Frame) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return
	}
	select {
	case n.rxChan <- f:
	default:
		n.dropped++
		n.bus.log.Warn("[%s] 接收通道已满，丢弃 ID=0x%03X", n.name, f.ID)
	}
}

// InjectMessage 模拟从总线接收一条消息
func (n *VirtualNode) InjectMessage(f can.Frame) error {
	n.mu.Lock()
	running := n.running
	n.mu.Unlock()
	if !running {
		return ErrNotStarted
	}
	n.inject(f)
	return nil
}

func (n *VirtualNode) RxChan() <-chan can.Frame   { return n.rxChan }
func (n *VirtualNode) Context() context.Context { return n.ctx }

// GetWriteLog 获取写入日志
func (n *VirtualNode) GetWriteLog() []WriteRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]WriteRecord{}, n.writeLog...)
}

// ClearWriteLog 清除写入日志
func (n *VirtualNode) ClearWriteLog() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.writeLog = nil
}

// Dropped 返回因接收通道已满而丢弃的帧数
func (n *VirtualNode) Dropped() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// IsRunning 检查设备是否正在运行
func (n *VirtualNode) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}
