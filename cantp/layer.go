// Package cantp is an ISO 15765-2 transport layer for classic CAN. It
// segments and reassembles N-SDUs of many connections at once and talks to
// its upper layer through the comstack callbacks.
package cantp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.einride.tech/can"

	"github.com/LoveWonYoung/dcm/comstack"
	"github.com/LoveWonYoung/dcm/logrecorder"
	"github.com/LoveWonYoung/dcm/timer"
)

// State 定义了收发状态机的状态。
type State uint8

const (
	StateIdle State = iota
	StateWaitFC
	StateWaitCF
	StateTransmit
)

type cmdKind uint8

const (
	cmdTransmit cmdKind = iota
	cmdCancelRx
	cmdCancelTx
)

type command struct {
	kind   cmdKind
	id     comstack.PduID
	length int
}

type rxConn struct {
	sdu     *RxSdu
	busy    atomic.Bool
	state   State
	total   int
	got     int
	seq     int
	blocks  int
	timerCr *timer.Timer
}

type txConn struct {
	sdu      *TxSdu
	busy     atomic.Bool
	state    State
	total    int
	sent     int
	seq      int
	blocks   int
	remoteBS int
	stmin    time.Duration
	wft      int
	timerBs  *timer.Timer
	timerST  *timer.Timer
}

// Layer 是多连接的 ISO-TP 传输层。所有上层回调都在 Run 所在的协程中执行。
type Layer struct {
	cfg   Config
	log   logrecorder.Logger
	upper comstack.UpperLayer

	rx map[comstack.PduID]*rxConn
	tx map[comstack.PduID]*txConn
	// 配置顺序，决定报文匹配的优先级
	rxList []*rxConn
	txList []*txConn

	mu       sync.Mutex
	commands []command
	wake     chan struct{}

	out chan<- can.Frame

	// ErrorChan 上报协议错误，满时丢弃
	ErrorChan chan error
}

var _ comstack.LowerLayer = (*Layer)(nil)

// New 创建传输层。upper 通过 Bind 设置。
func New(cfg Config, log logrecorder.Logger) (*Layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Layer{
		cfg:       cfg,
		log:       logrecorder.OrDiscard(log),
		rx:        make(map[comstack.PduID]*rxConn),
		tx:        make(map[comstack.PduID]*txConn),
		wake:      make(chan struct{}, 1),
		ErrorChan: make(chan error, 16),
	}
	for i := range l.cfg.RxSdus {
		c := &rxConn{sdu: &l.cfg.RxSdus[i], timerCr: timer.NewTimer(cfg.TimeoutN_Cr)}
		l.rx[c.sdu.ID] = c
		l.rxList = append(l.rxList, c)
	}
	for i := range l.cfg.TxSdus {
		c := &txConn{
			sdu:     &l.cfg.TxSdus[i],
			timerBs: timer.NewTimer(cfg.TimeoutN_Bs),
			timerST: timer.NewTimer(0),
		}
		l.tx[c.sdu.ID] = c
		l.txList = append(l.txList, c)
	}
	return l, nil
}

// Bind 设置上层。必须在 Run 之前调用。
func (l *Layer) Bind(upper comstack.UpperLayer) { l.upper = upper }

func (l *Layer) post(c command) {
	l.mu.Lock()
	l.commands = append(l.commands, c)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Transmit 请求发送 length 字节；数据稍后通过 CopyTxData 取得。
func (l *Layer) Transmit(id comstack.PduID, length int) error {
	c, ok := l.tx[id]
	if !ok {
		return UnknownPduError{}
	}
	if length <= 0 {
		return FrameTooLongError{NewIsoTpError("empty N-SDU")}
	}
	if !c.busy.CompareAndSwap(false, true) {
		return BusyError{}
	}
	l.post(command{kind: cmdTransmit, id: id, length: length})
	return nil
}

// CancelReceive 中止 id 上正在进行的接收，上层随后收到 E_NOT_OK 指示。
func (l *Layer) CancelReceive(id comstack.PduID) error {
	c, ok := l.rx[id]
	if !ok {
		return UnknownPduError{}
	}
	if !c.busy.Load() {
		return NotInProgressError{}
	}
	l.post(command{kind: cmdCancelRx, id: id})
	return nil
}

// CancelTransmit 中止 id 上正在进行的发送，上层随后收到 E_NOT_OK 确认。
func (l *Layer) CancelTransmit(id comstack.PduID) error {
	c, ok := l.tx[id]
	if !ok {
		return UnknownPduError{}
	}
	if !c.busy.Load() {
		return NotInProgressError{}
	}
	l.post(command{kind: cmdCancelTx, id: id})
	return nil
}

// Run 是协议栈的事件循环，直到 ctx 结束或 rxChan 关闭。
func (l *Layer) Run(ctx context.Context, rxChan <-chan can.Frame, txChan chan<- can.Frame) error {
	l.out = txChan
	ticker := time.NewTicker(l.cfg.Tick)
	defer ticker.Stop()
	defer l.abortAll()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-rxChan:
			if !ok {
				return nil
			}
			l.processRx(&f)
		case <-l.wake:
			l.drainCommands()
		case <-ticker.C:
			l.poll()
		}
	}
}

func (l *Layer) drainCommands() {
	l.mu.Lock()
	cmds := l.commands
	l.commands = nil
	l.mu.Unlock()

	for _, c := range cmds {
		switch c.kind {
		case cmdTransmit:
			l.startTransmission(l.tx[c.id], c.length)
		case cmdCancelRx:
			if rc := l.rx[c.id]; rc.state != StateIdle {
				l.log.Debug("rx %d: cancelled", c.id)
				l.finishRx(rc, comstack.ResultNotOK)
			}
		case cmdCancelTx:
			if tc := l.tx[c.id]; tc.busy.Load() {
				l.log.Debug("tx %d: cancelled", c.id)
				l.finishTx(tc, comstack.ResultNotOK)
			}
		}
	}
}

// poll 检查超时并发送到期的连续帧
func (l *Layer) poll() {
	for _, rc := range l.rxList {
		if rc.state == StateWaitCF && rc.timerCr.IsTimedOut() {
			l.fireError(ConsecutiveFrameTimeoutError{})
			l.log.Warn("rx %d: N_Cr timeout after %d of %d bytes", rc.sdu.ID, rc.got, rc.total)
			l.finishRx(rc, comstack.ResultNotOK)
		}
	}
	for _, tc := range l.txList {
		switch tc.state {
		case StateWaitFC:
			if tc.timerBs.IsTimedOut() {
				l.fireError(FlowControlTimeoutError{})
				l.log.Warn("tx %d: N_Bs timeout", tc.sdu.ID)
				l.finishTx(tc, comstack.ResultNotOK)
			}
		case StateTransmit:
			l.handleTxTransmit(tc)
		}
	}
}

func (l *Layer) abortAll() {
	l.mu.Lock()
	cmds := l.commands
	l.commands = nil
	l.mu.Unlock()
	for _, c := range cmds {
		if c.kind == cmdTransmit {
			l.finishTx(l.tx[c.id], comstack.ResultNotOK)
		}
	}
	for _, rc := range l.rxList {
		if rc.state != StateIdle {
			l.finishRx(rc, comstack.ResultNotOK)
		}
	}
	for _, tc := range l.txList {
		if tc.busy.Load() {
			l.finishTx(tc, comstack.ResultNotOK)
		}
	}
}

// send 把帧交给驱动，最多等待 N_As
func (l *Layer) send(f can.Frame) bool {
	select {
	case l.out <- f:
		return true
	default:
	}
	t := time.NewTimer(l.cfg.TimeoutN_As)
	defer t.Stop()
	select {
	case l.out <- f:
		return true
	case <-t.C:
		l.fireError(NewIsoTpError("N_As timeout: tx channel full"))
		return false
	}
}

// fireError sends an error to the ErrorChan. Non-blocking.
func (l *Layer) fireError(err error) {
	select {
	case l.ErrorChan <- err:
	default:
	}
}
