// Package driver 提供 CAN 驱动抽象：统一的 CANDriver 接口、用于开发和测试的
// 虚拟总线，以及 Linux 上的 SocketCAN 实现。
package driver

import (
	"context"
	"time"

	"go.einride.tech/can"
)

// 缓冲区配置常量
const (
	RxChannelBufferSize = 1024
	ReceiveBackoffMax   = time.Second
	// 连续接收错误超过该次数后接收循环退出
	MaxConsecutiveErrors = 100
)

// CANDriver 定义了CAN驱动的统一接口
type CANDriver interface {
	Init() error
	Start()
	Stop()
	Write(f can.Frame) error
	RxChan() <-chan can.Frame
	Context() context.Context
}

// WriteRecord 记录一次写入操作
type WriteRecord struct {
	Frame     can.Frame
	Timestamp time.Time
}

// Payload 返回帧的有效数据
func Payload(f can.Frame) []byte {
	n := int(f.Length)
	if n > len(f.Data) {
		n = len(f.Data)
	}
	return f.Data[:n]
}

// NewFrame 用 id 和数据构造经典 CAN 帧；超过 8 字节的部分被截断。
func NewFrame(id uint32, extended bool, data []byte) can.Frame {
	f := can.Frame{ID: id, IsExtended: extended}
	f.Length = uint8(copy(f.Data[:], data))
	return f
}
