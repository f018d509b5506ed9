package cantp

import (
	"fmt"

	"go.einride.tech/can"

	"github.com/LoveWonYoung/dcm/comstack"
)

// processRx 处理接收到的单个CAN报文
func (l *Layer) processRx(f *can.Frame) {
	// 发送方等待的流控帧优先
	for _, tc := range l.txList {
		if tc.state != StateWaitFC || !tc.sdu.Address.IsForMe(f, Physical) {
			continue
		}
		fr, err := parseFrame(f, tc.sdu.Address.rxPrefix)
		if fc, ok := fr.(*flowControlFrame); err == nil && ok {
			l.handleTxFlowControl(tc, fc)
			return
		}
	}

	for _, rc := range l.rxList {
		addrType := Physical
		if rc.sdu.Functional {
			addrType = Functional
		}
		if !rc.sdu.Address.IsForMe(f, addrType) {
			continue
		}
		fr, err := parseFrame(f, rc.sdu.Address.rxPrefix)
		if err != nil {
			l.fireError(err)
			return
		}
		switch fr := fr.(type) {
		case *singleFrame:
			l.handleRxSingleFrame(rc, fr)
		case *firstFrame:
			l.handleRxFirstFrame(rc, fr)
		case *consecutiveFrame:
			l.handleRxConsecutiveFrame(rc, fr)
		}
		return
	}
}

func (l *Layer) interrupt(rc *rxConn) {
	if rc.state != StateIdle {
		l.fireError(ReceptionInterruptedError{})
		l.finishRx(rc, comstack.ResultNotOK)
	}
}

func (l *Layer) handleRxSingleFrame(rc *rxConn, f *singleFrame) {
	l.interrupt(rc)
	id := rc.sdu.ID
	_, ret := l.upper.StartOfReception(id, &comstack.PduInfo{Data: f.Data}, len(f.Data))
	if ret != comstack.BufReqOK {
		l.log.Debug("rx %d: single frame refused: %s", id, ret)
		return
	}
	l.upper.TpRxIndication(id, comstack.ResultOK)
}

func (l *Layer) handleRxFirstFrame(rc *rxConn, f *firstFrame) {
	if rc.sdu.Functional {
		l.fireError(InvalidCanDataError{NewIsoTpError("first frame on a functional address")})
		return
	}
	l.interrupt(rc)
	id := rc.sdu.ID
	_, ret := l.upper.StartOfReception(id, &comstack.PduInfo{Data: f.Data}, f.TotalSize)
	switch ret {
	case comstack.BufReqOK:
	case comstack.BufReqOverflow:
		l.log.Debug("rx %d: %d bytes do not fit, overflow", id, f.TotalSize)
		l.sendFlowControl(rc, FlowStatusOverflow)
		return
	default:
		l.log.Debug("rx %d: first frame refused: %s", id, ret)
		return
	}

	rc.busy.Store(true)
	rc.state = StateWaitCF
	rc.total = f.TotalSize
	rc.got = len(f.Data)
	rc.seq = 1
	rc.blocks = 0
	l.sendFlowControl(rc, FlowStatusContinueToSend)
	rc.timerCr.Start()
}

func (l *Layer) handleRxConsecutiveFrame(rc *rxConn, f *consecutiveFrame) {
	if rc.state != StateWaitCF {
		// Ignore unexpected CF
		return
	}
	if f.SequenceNumber != rc.seq {
		l.fireError(WrongSequenceNumberError{NewIsoTpError(fmt.Sprintf("错误：序列号不匹配。期望: %d,收到: %d", rc.seq, f.SequenceNumber))})
		l.finishRx(rc, comstack.ResultNotOK)
		return
	}
	rc.seq = (rc.seq + 1) % 16

	data := f.Data
	if rest := rc.total - rc.got; len(data) > rest {
		data = data[:rest]
	}
	if _, ret := l.upper.CopyRxData(rc.sdu.ID, &comstack.PduInfo{Data: data}); ret != comstack.BufReqOK {
		l.fireError(UpperLayerAbortError{})
		l.finishRx(rc, comstack.ResultNotOK)
		return
	}
	rc.got += len(data)

	if rc.got >= rc.total {
		l.finishRx(rc, comstack.ResultOK)
		return
	}
	rc.blocks++
	if l.cfg.BlockSize > 0 && rc.blocks >= l.cfg.BlockSize {
		rc.blocks = 0
		l.sendFlowControl(rc, FlowStatusContinueToSend)
	}
	rc.timerCr.Start()
}

// finishRx 复位接收状态后通知上层
func (l *Layer) finishRx(rc *rxConn, result comstack.Result) {
	rc.state = StateIdle
	rc.total, rc.got = 0, 0
	rc.timerCr.Stop()
	rc.busy.Store(false)
	l.upper.TpRxIndication(rc.sdu.ID, result)
}

func (l *Layer) sendFlowControl(rc *rxConn, status FlowStatus) {
	payload := createFlowControlPayload(status, l.cfg.BlockSize, l.cfg.StMin)
	l.send(makeFrame(rc.sdu.Address, Physical, payload, l.cfg.PaddingByte))
}
