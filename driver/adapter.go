package driver

import (
	"context"
	"errors"
	"fmt"

	"go.einride.tech/can"

	"github.com/LoveWonYoung/dcm/logrecorder"
)

// Bridge 是连接传输层帧通道和 CAN 驱动的适配器
type Bridge struct {
	driver CANDriver
	log    logrecorder.Logger
	tx     chan can.Frame
}

// NewBridge 初始化并启动驱动
func NewBridge(dev CANDriver, log logrecorder.Logger) (*Bridge, error) {
	if dev == nil {
		return nil, errors.New("CAN driver instance cannot be nil")
	}
	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize CAN device: %w", err)
	}
	dev.Start()

	b := &Bridge{
		driver: dev,
		log:    logrecorder.OrDiscard(log),
		tx:     make(chan can.Frame, RxChannelBufferSize),
	}
	b.log.Info("CAN bridge created and device started successfully.")
	return b, nil
}

// Rx 返回驱动的接收通道，交给传输层读取
func (b *Bridge) Rx() <-chan can.Frame { return b.driver.RxChan() }

// Tx 返回传输层写入待发送帧的通道
func (b *Bridge) Tx() chan<- can.Frame { return b.tx }

// Run 把 Tx 通道中的帧写入驱动，直到 ctx 结束或驱动停止
func (b *Bridge) Run(ctx context.Context) error {
	dctx := b.driver.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-dctx.Done():
			return nil
		case f := <-b.tx:
			if err := b.driver.Write(f); err != nil {
				b.log.Error("bridge failed to send 0x%X: %v", f.ID, err)
			}
		}
	}
}

// Close 用于停止驱动并释放资源
func (b *Bridge) Close() {
	b.log.Info("Closing CAN bridge...")
	b.driver.Stop()
}
