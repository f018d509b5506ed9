package cantp

import (
	"github.com/LoveWonYoung/dcm/comstack"
)

// maxBurst 限制 STmin 为 0 时每次轮询连续发送的帧数
const maxBurst = 8

// startTransmission 开始发送一条新的 N-SDU
func (l *Layer) startTransmission(tc *txConn, length int) {
	addr := tc.sdu.Address
	tc.total = length
	tc.sent = 0

	if 1+length <= addr.maxPayload() {
		buf := make([]byte, length)
		if _, ret := l.upper.CopyTxData(tc.sdu.ID, &comstack.PduInfo{Data: buf}); ret != comstack.BufReqOK {
			l.finishTx(tc, comstack.ResultNotOK)
			return
		}
		payload, err := createSingleFramePayload(buf, addr.maxPayload())
		if err != nil {
			l.fireError(err)
			l.finishTx(tc, comstack.ResultNotOK)
			return
		}
		result := comstack.ResultOK
		if !l.send(makeFrame(addr, tc.sdu.AddrType, payload, l.cfg.PaddingByte)) {
			result = comstack.ResultNotOK
		}
		l.finishTx(tc, result)
		return
	}

	if tc.sdu.AddrType == Functional {
		l.fireError(FrameTooLongError{NewIsoTpError("functional N-SDU must fit a single frame")})
		l.finishTx(tc, comstack.ResultNotOK)
		return
	}

	pci := firstFramePCI(length)
	buf := make([]byte, addr.maxPayload()-len(pci))
	if _, ret := l.upper.CopyTxData(tc.sdu.ID, &comstack.PduInfo{Data: buf}); ret != comstack.BufReqOK {
		l.finishTx(tc, comstack.ResultNotOK)
		return
	}
	if !l.send(makeFrame(addr, Physical, append(pci, buf...), l.cfg.PaddingByte)) {
		l.finishTx(tc, comstack.ResultNotOK)
		return
	}
	tc.sent = len(buf)
	tc.seq = 1
	tc.wft = 0
	tc.state = StateWaitFC
	tc.timerBs.Start()
}

func (l *Layer) handleTxFlowControl(tc *txConn, fc *flowControlFrame) {
	tc.timerBs.Stop()
	switch fc.FlowStatus {
	case FlowStatusContinueToSend:
		tc.wft = 0
		tc.remoteBS = fc.BlockSize
		tc.stmin = fc.STmin
		tc.blocks = 0
		tc.state = StateTransmit
		tc.timerST.Start(0)
		l.handleTxTransmit(tc)

	case FlowStatusWait:
		tc.wft++
		if tc.wft > l.cfg.MaxWaitFrame {
			l.fireError(MaximumWaitFrameReachedError{})
			l.finishTx(tc, comstack.ResultNotOK)
			return
		}
		tc.timerBs.Start()

	case FlowStatusOverflow:
		l.fireError(OverflowError{})
		l.finishTx(tc, comstack.ResultNotOK)

	default:
		l.fireError(InvalidCanDataError{NewIsoTpError("invalid flow status")})
		l.finishTx(tc, comstack.ResultNotOK)
	}
}

// handleTxTransmit 在 STmin 到期后发送下一个连续帧
func (l *Layer) handleTxTransmit(tc *txConn) {
	addr := tc.sdu.Address
	for i := 0; i < maxBurst && tc.state == StateTransmit; i++ {
		if !tc.timerST.IsTimedOut() {
			return
		}
		n := addr.maxPayload() - 1
		if rest := tc.total - tc.sent; n > rest {
			n = rest
		}
		buf := make([]byte, n)
		if _, ret := l.upper.CopyTxData(tc.sdu.ID, &comstack.PduInfo{Data: buf}); ret != comstack.BufReqOK {
			l.fireError(UpperLayerAbortError{})
			l.finishTx(tc, comstack.ResultNotOK)
			return
		}
		if !l.send(makeFrame(addr, Physical, createConsecutiveFramePayload(buf, tc.seq), l.cfg.PaddingByte)) {
			l.finishTx(tc, comstack.ResultNotOK)
			return
		}
		tc.sent += n
		tc.seq = (tc.seq + 1) % 16
		tc.blocks++

		if tc.sent >= tc.total {
			l.finishTx(tc, comstack.ResultOK)
			return
		}
		if tc.remoteBS > 0 && tc.blocks >= tc.remoteBS {
			tc.blocks = 0
			tc.state = StateWaitFC
			tc.timerBs.Start()
			return
		}
		tc.timerST.Start(tc.stmin)
	}
}

// finishTx 复位发送状态后通知上层
func (l *Layer) finishTx(tc *txConn, result comstack.Result) {
	tc.state = StateIdle
	tc.total, tc.sent = 0, 0
	tc.timerBs.Stop()
	tc.timerST.Stop()
	tc.busy.Store(false)
	l.upper.TpTxConfirmation(tc.sdu.ID, result)
}
