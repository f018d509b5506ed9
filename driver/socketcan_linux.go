//go:build linux

package driver

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"

	"github.com/LoveWonYoung/dcm/logrecorder"
)

const canNetwork = "can"

// SocketCAN 是基于 Linux SocketCAN 的 CANDriver 实现
type SocketCAN struct {
	iface string
	log   logrecorder.Logger

	conn io.ReadWriteCloser
	recv *socketcan.Receiver
	tx   *socketcan.Transmitter

	rxChan chan can.Frame
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

var _ CANDriver = (*SocketCAN)(nil)

// NewSocketCAN 创建 iface（如 "can0", "vcan0"）上的驱动
func NewSocketCAN(iface string, log logrecorder.Logger) *SocketCAN {
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketCAN{
		iface:  iface,
		log:    logrecorder.OrDiscard(log),
		rxChan: make(chan can.Frame, RxChannelBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *SocketCAN) Init() error {
	conn, err := socketcan.DialContext(s.ctx, canNetwork, s.iface)
	if err != nil {
		return fmt.Errorf("socketCAN connect %s: %w", s.iface, err)
	}
	s.conn = conn
	s.recv = socketcan.NewReceiver(conn)
	s.tx = socketcan.NewTransmitter(conn)
	s.log.Info("SocketCAN %s 已打开", s.iface)
	return nil
}

func (s *SocketCAN) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.recv == nil {
		return
	}
	s.running = true
	s.wg.Add(1)
	go s.receiveLoop()
}

func (s *SocketCAN) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	// 关闭连接使阻塞中的 Receive 返回
	if err := s.conn.Close(); err != nil {
		s.log.Warn("close %s: %s", s.iface, err)
	}
	s.wg.Wait()
	close(s.rxChan)
	s.log.Info("SocketCAN %s 已关闭", s.iface)
}

func (s *SocketCAN) Write(f can.Frame) error {
	if s.tx == nil {
		return ErrNotStarted
	}
	if err := f.Validate(); err != nil {
		return err
	}
	return s.tx.TransmitFrame(s.ctx, f)
}

func (s *SocketCAN) RxChan() <-chan can.Frame   { return s.rxChan }
func (s *SocketCAN) Context() context.Context { return s.ctx }

func (s *SocketCAN) receiveLoop() {
	defer s.wg.Done()
	var errCount int
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		if !s.recv.Receive() {
			if s.ctx.Err() != nil {
				return
			}
			if err := s.recv.Err(); err != nil {
				s.log.Warn("receive error: %s", err)
			}
			errCount++
			if errCount > MaxConsecutiveErrors {
				s.log.Error("receive loop terminating after %d consecutive errors", errCount)
				return
			}
			backoff := ReceiveBackoffMax
			if errCount < 10 {
				backoff = time.Millisecond << uint(errCount)
			}
			time.Sleep(backoff)
			continue
		}
		errCount = 0
		if s.recv.HasErrorFrame() {
			s.log.Warn("error frame: %v", s.recv.ErrorFrame())
			continue
		}
		select {
		case s.rxChan <- s.recv.Frame():
		case <-s.ctx.Done():
			return
		}
	}
}
