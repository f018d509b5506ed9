package cantp

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.einride.tech/can"

	"github.com/LoveWonYoung/dcm/comstack"
)

type rxEvent struct {
	id     comstack.PduID
	data   []byte
	result comstack.Result
}

type txEvent struct {
	id     comstack.PduID
	result comstack.Result
}

// sink 是测试用上层：接收的数据拼接后在指示时上报，发送数据从 txData 中取。
type sink struct {
	mu     sync.Mutex
	limit  int
	rxBuf  map[comstack.PduID][]byte
	txData map[comstack.PduID][]byte
	txPos  map[comstack.PduID]int

	received  chan rxEvent
	confirmed chan txEvent
}

func newSink() *sink {
	return &sink{
		limit:     4095,
		rxBuf:     make(map[comstack.PduID][]byte),
		txData:    make(map[comstack.PduID][]byte),
		txPos:     make(map[comstack.PduID]int),
		received:  make(chan rxEvent, 16),
		confirmed: make(chan txEvent, 16),
	}
}

func (s *sink) StartOfReception(id comstack.PduID, info *comstack.PduInfo, n int) (int, comstack.BufReqReturn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.limit {
		return 0, comstack.BufReqOverflow
	}
	s.rxBuf[id] = append([]byte(nil), info.Data...)
	return s.limit - len(info.Data), comstack.BufReqOK
}

func (s *sink) CopyRxData(id comstack.PduID, info *comstack.PduInfo) (int, comstack.BufReqReturn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rxBuf[id] = append(s.rxBuf[id], info.Data...)
	return s.limit - len(s.rxBuf[id]), comstack.BufReqOK
}

func (s *sink) TpRxIndication(id comstack.PduID, result comstack.Result) {
	s.mu.Lock()
	data := s.rxBuf[id]
	delete(s.rxBuf, id)
	s.mu.Unlock()
	s.received <- rxEvent{id: id, data: data, result: result}
}

func (s *sink) CopyTxData(id comstack.PduID, info *comstack.PduInfo) (int, comstack.BufReqReturn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.txData[id][s.txPos[id]:]
	n := copy(info.Data, src)
	s.txPos[id] += n
	return len(src) - n, comstack.BufReqOK
}

func (s *sink) TpTxConfirmation(id comstack.PduID, result comstack.Result) {
	s.mu.Lock()
	delete(s.txPos, id)
	s.mu.Unlock()
	s.confirmed <- txEvent{id: id, result: result}
}

func (s *sink) setTx(id comstack.PduID, data []byte) {
	s.mu.Lock()
	s.txData[id] = data
	s.txPos[id] = 0
	s.mu.Unlock()
}

const waitTimeout = 2 * time.Second

func (s *sink) waitRx(t *testing.T) rxEvent {
	t.Helper()
	select {
	case ev := <-s.received:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("等待接收指示超时")
	}
	return rxEvent{}
}

func (s *sink) waitTx(t *testing.T) txEvent {
	t.Helper()
	select {
	case ev := <-s.confirmed:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("等待发送确认超时")
	}
	return txEvent{}
}

func waitFrame(t *testing.T, ch <-chan can.Frame) can.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(waitTimeout):
		t.Fatal("等待CAN帧超时")
	}
	return can.Frame{}
}

func mustAddress(t *testing.T, mode AddressingMode, opts ...func(*Address)) *Address {
	t.Helper()
	a, err := NewAddress(mode, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// ecuConfig: 物理请求 0x7E0，功能请求 0x7DF，响应 0x7E8
func ecuConfig(t *testing.T) Config {
	phys := mustAddress(t, Normal11Bit, WithTxID(0x7E8), WithRxID(0x7E0))
	fn := mustAddress(t, Normal11Bit, WithTxID(0x7E8), WithRxID(0x7DF))
	cfg := DefaultConfig()
	cfg.RxSdus = []RxSdu{{ID: 0, Address: phys}, {ID: 1, Address: fn, Functional: true}}
	cfg.TxSdus = []TxSdu{{ID: 0, Address: phys}}
	return cfg
}

type running struct {
	layer *Layer
	sink  *sink
	in    chan can.Frame
	out   chan can.Frame
}

func startLayer(t *testing.T, cfg Config) *running {
	t.Helper()
	l, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := &running{layer: l, sink: newSink(), in: make(chan can.Frame, 64), out: make(chan can.Frame, 64)}
	l.Bind(r.sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx, r.in, r.out)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func TestLayer_SingleFrameReception(t *testing.T) {
	r := startLayer(t, ecuConfig(t))
	r.in <- frame(0x7E0, 0x03, 0x22, 0xF1, 0x90)
	ev := r.sink.waitRx(t)
	if ev.id != 0 || ev.result != comstack.ResultOK || !bytes.Equal(ev.data, []byte{0x22, 0xF1, 0x90}) {
		t.Fatalf("接收指示错误: %+v", ev)
	}

	// 功能寻址
	r.in <- frame(0x7DF, 0x02, 0x3E, 0x80)
	ev = r.sink.waitRx(t)
	if ev.id != 1 || !bytes.Equal(ev.data, []byte{0x3E, 0x80}) {
		t.Fatalf("功能请求指示错误: %+v", ev)
	}
}

func TestLayer_MultiFrameReception(t *testing.T) {
	r := startLayer(t, ecuConfig(t))
	r.in <- frame(0x7E0, 0x10, 0x0A, 0x2E, 0xF1, 0x90, 0x01, 0x02, 0x03)

	fc := waitFrame(t, r.out)
	if fc.ID != 0x7E8 || !bytes.Equal(payloadOf(fc), []byte{0x30, 0x00, 0x00}) {
		t.Fatalf("流控帧错误: 0x%X % 02X", fc.ID, payloadOf(fc))
	}
	r.in <- frame(0x7E0, 0x21, 0x04, 0x05, 0x06, 0x07, 0xAA, 0xAA, 0xAA)

	ev := r.sink.waitRx(t)
	want := []byte{0x2E, 0xF1, 0x90, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
	if ev.result != comstack.ResultOK || !bytes.Equal(ev.data, want) {
		t.Fatalf("多帧接收结果错误: %+v", ev)
	}
}

func TestLayer_WrongSequenceNumber(t *testing.T) {
	r := startLayer(t, ecuConfig(t))
	r.in <- frame(0x7E0, 0x10, 0x0A, 0x2E, 0xF1, 0x90, 0x01, 0x02, 0x03)
	waitFrame(t, r.out)
	r.in <- frame(0x7E0, 0x22, 0x04, 0x05, 0x06, 0x07)

	if ev := r.sink.waitRx(t); ev.result != comstack.ResultNotOK {
		t.Fatalf("序列号错误应该上报 E_NOT_OK: %+v", ev)
	}
	select {
	case err := <-r.layer.ErrorChan:
		var wrong WrongSequenceNumberError
		if !errors.As(err, &wrong) {
			t.Errorf("错误类型不对: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("没有上报错误")
	}
}

func TestLayer_ReceptionOverflow(t *testing.T) {
	r := startLayer(t, ecuConfig(t))
	r.sink.mu.Lock()
	r.sink.limit = 8
	r.sink.mu.Unlock()
	r.in <- frame(0x7E0, 0x10, 0x0A, 0x2E, 0xF1, 0x90, 0x01, 0x02, 0x03)

	fc := waitFrame(t, r.out)
	if !bytes.Equal(payloadOf(fc), []byte{0x32, 0x00, 0x00}) {
		t.Fatalf("应该回复 FC.OVFLW: % 02X", payloadOf(fc))
	}
}

func TestLayer_ConsecutiveFrameTimeout(t *testing.T) {
	cfg := ecuConfig(t)
	cfg.TimeoutN_Cr = 20 * time.Millisecond
	r := startLayer(t, cfg)
	r.in <- frame(0x7E0, 0x10, 0x0A, 0x2E, 0xF1, 0x90, 0x01, 0x02, 0x03)
	waitFrame(t, r.out)

	if ev := r.sink.waitRx(t); ev.result != comstack.ResultNotOK {
		t.Fatalf("N_Cr 超时应该上报 E_NOT_OK: %+v", ev)
	}
}

func TestLayer_FunctionalFirstFrameIgnored(t *testing.T) {
	r := startLayer(t, ecuConfig(t))
	r.in <- frame(0x7DF, 0x10, 0x0A, 0x2E, 0xF1, 0x90, 0x01, 0x02, 0x03)
	select {
	case err := <-r.layer.ErrorChan:
		var invalid InvalidCanDataError
		if !errors.As(err, &invalid) {
			t.Errorf("错误类型不对: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("没有上报错误")
	}
	if len(r.out) != 0 {
		t.Error("功能寻址的首帧不应回复流控帧")
	}
}

func TestLayer_CancelReceive(t *testing.T) {
	r := startLayer(t, ecuConfig(t))
	var notInProgress NotInProgressError
	if err := r.layer.CancelReceive(0); !errors.As(err, &notInProgress) {
		t.Fatalf("空闲时取消应该返回 NotInProgressError: %v", err)
	}
	var unknown UnknownPduError
	if err := r.layer.CancelReceive(9); !errors.As(err, &unknown) {
		t.Fatalf("未配置的 N-SDU: %v", err)
	}

	r.in <- frame(0x7E0, 0x10, 0x0A, 0x2E, 0xF1, 0x90, 0x01, 0x02, 0x03)
	waitFrame(t, r.out)
	if err := r.layer.CancelReceive(0); err != nil {
		t.Fatalf("取消接收失败: %v", err)
	}
	if ev := r.sink.waitRx(t); ev.result != comstack.ResultNotOK {
		t.Fatalf("取消后应该上报 E_NOT_OK: %+v", ev)
	}
}

func TestLayer_SingleFrameTransmission(t *testing.T) {
	r := startLayer(t, ecuConfig(t))
	r.sink.setTx(0, []byte{0x50, 0x03, 0x00, 0x32, 0x01, 0xF4})
	if err := r.layer.Transmit(0, 6); err != nil {
		t.Fatal(err)
	}
	f := waitFrame(t, r.out)
	if f.ID != 0x7E8 || !bytes.Equal(payloadOf(f), []byte{0x06, 0x50, 0x03, 0x00, 0x32, 0x01, 0xF4}) {
		t.Fatalf("单帧错误: 0x%X % 02X", f.ID, payloadOf(f))
	}
	if ev := r.sink.waitTx(t); ev.result != comstack.ResultOK {
		t.Fatalf("发送确认错误: %+v", ev)
	}
}

func seq(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestLayer_MultiFrameTransmission(t *testing.T) {
	r := startLayer(t, ecuConfig(t))
	r.sink.setTx(0, seq(20))
	if err := r.layer.Transmit(0, 20); err != nil {
		t.Fatal(err)
	}
	ff := waitFrame(t, r.out)
	if !bytes.Equal(payloadOf(ff), []byte{0x10, 0x14, 0, 1, 2, 3, 4, 5}) {
		t.Fatalf("首帧错误: % 02X", payloadOf(ff))
	}

	var busy BusyError
	if err := r.layer.Transmit(0, 3); !errors.As(err, &busy) {
		t.Fatalf("发送中应该返回 BusyError: %v", err)
	}

	r.in <- frame(0x7E0, 0x30, 0x00, 0x00)
	cf1 := waitFrame(t, r.out)
	cf2 := waitFrame(t, r.out)
	if !bytes.Equal(payloadOf(cf1), []byte{0x21, 6, 7, 8, 9, 10, 11, 12}) {
		t.Errorf("CF1 错误: % 02X", payloadOf(cf1))
	}
	if !bytes.Equal(payloadOf(cf2), []byte{0x22, 13, 14, 15, 16, 17, 18, 19}) {
		t.Errorf("CF2 错误: % 02X", payloadOf(cf2))
	}
	if ev := r.sink.waitTx(t); ev.result != comstack.ResultOK {
		t.Fatalf("发送确认错误: %+v", ev)
	}
}

func TestLayer_BlockSizeAndWait(t *testing.T) {
	r := startLayer(t, ecuConfig(t))
	r.sink.setTx(0, seq(20))
	if err := r.layer.Transmit(0, 20); err != nil {
		t.Fatal(err)
	}
	waitFrame(t, r.out)

	r.in <- frame(0x7E0, 0x31, 0x00, 0x00) // WAIT
	r.in <- frame(0x7E0, 0x30, 0x01, 0x00) // CTS, BS=1
	if cf := waitFrame(t, r.out); cf.Data[0] != 0x21 {
		t.Fatalf("CF1 错误: % 02X", payloadOf(cf))
	}
	select {
	case f := <-r.out:
		t.Fatalf("BS=1 时应该等待下一个流控帧, 收到 % 02X", payloadOf(f))
	case <-time.After(20 * time.Millisecond):
	}

	r.in <- frame(0x7E0, 0x30, 0x01, 0x00)
	if cf := waitFrame(t, r.out); cf.Data[0] != 0x22 {
		t.Fatalf("CF2 错误: % 02X", payloadOf(cf))
	}
	if ev := r.sink.waitTx(t); ev.result != comstack.ResultOK {
		t.Fatalf("发送确认错误: %+v", ev)
	}
}

func TestLayer_FlowControlTimeout(t *testing.T) {
	cfg := ecuConfig(t)
	cfg.TimeoutN_Bs = 20 * time.Millisecond
	r := startLayer(t, cfg)
	r.sink.setTx(0, seq(20))
	if err := r.layer.Transmit(0, 20); err != nil {
		t.Fatal(err)
	}
	waitFrame(t, r.out)
	if ev := r.sink.waitTx(t); ev.result != comstack.ResultNotOK {
		t.Fatalf("N_Bs 超时应该确认 E_NOT_OK: %+v", ev)
	}
	// 超时后可以再次发送
	r.sink.setTx(0, []byte{0x7E, 0x00})
	if err := r.layer.Transmit(0, 2); err != nil {
		t.Fatalf("超时后发送失败: %v", err)
	}
	if ev := r.sink.waitTx(t); ev.result != comstack.ResultOK {
		t.Fatalf("发送确认错误: %+v", ev)
	}
}

func TestLayer_RemoteOverflow(t *testing.T) {
	r := startLayer(t, ecuConfig(t))
	r.sink.setTx(0, seq(20))
	if err := r.layer.Transmit(0, 20); err != nil {
		t.Fatal(err)
	}
	waitFrame(t, r.out)
	r.in <- frame(0x7E0, 0x32, 0x00, 0x00)
	if ev := r.sink.waitTx(t); ev.result != comstack.ResultNotOK {
		t.Fatalf("FC.OVFLW 应该确认 E_NOT_OK: %+v", ev)
	}
}

func TestLayer_CancelTransmit(t *testing.T) {
	r := startLayer(t, ecuConfig(t))
	r.sink.setTx(0, seq(20))
	if err := r.layer.Transmit(0, 20); err != nil {
		t.Fatal(err)
	}
	waitFrame(t, r.out)
	if err := r.layer.CancelTransmit(0); err != nil {
		t.Fatal(err)
	}
	if ev := r.sink.waitTx(t); ev.result != comstack.ResultNotOK {
		t.Fatalf("取消后应该确认 E_NOT_OK: %+v", ev)
	}
}

// TestLayer_BackToBack 两个传输层背靠背连接，测试仪发送一个长请求
func TestLayer_BackToBack(t *testing.T) {
	ecuCfg := ecuConfig(t)
	ecuCfg.BlockSize = 4
	phys := ecuCfg.RxSdus[0].Address.Reverse()
	testerCfg := DefaultConfig()
	testerCfg.RxSdus = []RxSdu{{ID: 0, Address: phys}}
	testerCfg.TxSdus = []TxSdu{{ID: 0, Address: phys}}

	ecu, err := New(ecuCfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	tester, err := New(testerCfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	ecuSink, testerSink := newSink(), newSink()
	ecu.Bind(ecuSink)
	tester.Bind(testerSink)

	toEcu := make(chan can.Frame, 64)
	toTester := make(chan can.Frame, 64)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = ecu.Run(ctx, toEcu, toTester) }()
	go func() { defer wg.Done(); _ = tester.Run(ctx, toTester, toEcu) }()
	defer func() {
		cancel()
		wg.Wait()
	}()

	req := seq(100)
	testerSink.setTx(0, req)
	if err := tester.Transmit(0, len(req)); err != nil {
		t.Fatal(err)
	}
	if ev := ecuSink.waitRx(t); ev.result != comstack.ResultOK || !bytes.Equal(ev.data, req) {
		t.Fatalf("ECU 接收结果错误: %+v", ev)
	}
	if ev := testerSink.waitTx(t); ev.result != comstack.ResultOK {
		t.Fatalf("测试仪发送确认错误: %+v", ev)
	}

	// 响应方向
	resp := seq(40)
	ecuSink.setTx(0, resp)
	if err := ecu.Transmit(0, len(resp)); err != nil {
		t.Fatal(err)
	}
	if ev := testerSink.waitRx(t); ev.result != comstack.ResultOK || !bytes.Equal(ev.data, resp) {
		t.Fatalf("测试仪接收结果错误: %+v", ev)
	}
}
