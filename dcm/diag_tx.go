package dcm

import (
	"fmt"

	"github.com/LoveWonYoung/dcm/comstack"
)

// functionalSuppressed decides whether the response to the running
// functional request is dropped.
func (d *Dcm) functionalSuppressed(nrc NRC) bool {
	msg := &d.diag.msg
	if !msg.Functional || d.diag.tobj.ResType == ResTypeFblFinal {
		return false
	}
	if nrc != PositiveResponse && nrc.suppressedOnFunctional() {
		return true
	}
	if !d.cfg.Connections[msg.Conn].SuppressFunctional {
		return false
	}
	return d.diag.svc == nil || !d.diag.svc.cfg.RespondOnFunctional
}

// diagTransmit moves the running object to PREP_TX and sends n bytes.
func (d *Dcm) diagTransmit(src txSource, n int, suppress bool) {
	t := d.diag.tobj
	msg := &d.diag.msg
	var eff effects

	d.mu.Lock()
	t.txSrc = src
	t.TxLen = n
	t.suppress = suppress
	t.pager = nil
	t.pageStart, t.pageLen = 0, n
	if src == txFromBuffer && msg.pager != nil {
		t.pager = msg.pager
		t.pageLen = 1 + len(msg.Res)
		t.ResType = ResTypePaged
	}
	t.State = TObjPrepTx
	d.transmitUsdtResponseLocked(t, &eff)
	d.mu.Unlock()
	d.apply(&eff)
}

func (d *Dcm) diagPositive() {
	msg := &d.diag.msg
	msg.resBuf[0] = msg.SID | 0x40
	total := 1 + len(msg.Res)
	if msg.pager != nil {
		total = 1 + msg.pageLen
	}
	suppress := msg.SuppressPosResponse || d.functionalSuppressed(PositiveResponse)

	d.timers.Stop(timerP2)
	if d.diag.op.PostProcess != nil {
		d.setProcState(procOnTx | procPostProcess)
	} else {
		d.setProcState(procOnTx)
	}
	d.diagTransmit(txFromBuffer, total, suppress)
}

func (d *Dcm) diagNegative(nrc NRC) {
	t := d.diag.tobj
	msg := &d.diag.msg
	suppress := d.functionalSuppressed(nrc)
	d.log.Debug("conn %d: sid 0x%02X -> %s", msg.Conn, msg.SID, nrc)

	d.mu.Lock()
	t.AddBuffer[0], t.AddBuffer[1], t.AddBuffer[2] = 0x7F, msg.SID, byte(nrc)
	d.mu.Unlock()

	d.timers.Stop(timerP2)
	d.diag.op.PostProcess = nil
	d.setProcState(procOnTx)
	d.diagTransmit(txFromAddBuffer, 3, suppress)
}

// diagSendRcrrp sends responsePending; the final response is then always
// sent, whatever the SPRMIB.
func (d *Dcm) diagSendRcrrp() {
	t := d.diag.tobj
	msg := &d.diag.msg

	d.mu.Lock()
	t.AddBuffer[0], t.AddBuffer[1], t.AddBuffer[2] = 0x7F, msg.SID, byte(NRCResponsePending)
	d.mu.Unlock()

	d.diag.rcrrpCount++
	d.diag.rcrrpOnTx = true
	msg.SuppressPosResponse = false
	d.diagTransmit(txFromAddBuffer, 3, false)
}

// diagTxConfirmed processes the confirmation of a response of the running
// request.
func (d *Dcm) diagTxConfirmed(t *TransportObject, result comstack.Result) {
	if d.diag.rcrrpOnTx {
		d.diag.rcrrpOnTx = false
		d.mu.Lock()
		t.State = TObjReady
		d.mu.Unlock()
		d.diag.p2Expired = false
		d.timers.Start(timerP2, d.ticks(d.p2Star()))
		if d.diag.forced {
			d.diag.forced = false
			d.diag.op.Status = OpForceRcrrpOK
		}
		return
	}

	post := d.diag.op.PostProcess
	d.diag.op.PostProcess = nil
	d.release(t)
	d.diag.tobj = nil
	if post != nil {
		d.setProcState(procPostProcess)
		post(result)
	}
	d.setProcState(procIdle)
	d.auth.endRequest()

	if d.state.Session() != DefaultSession {
		d.timers.Start(timerS3, d.ticks(d.cfg.S3))
	}
	if d.diag.queue == queueWaiting && d.diag.queued != nil {
		q := d.diag.queued
		d.diag.queued = nil
		d.diag.queue = queueActive
		d.diagProcess(q)
		return
	}
	d.diag.queue = queueNone
}

// SendFblFinalResponse sends res as the final response of a request that
// was accepted before a jump between boot loader and application, e.g.
// "50 02 ..." after reprogramming. It is sent even where functional
// responses are suppressed.
func (d *Dcm) SendFblFinalResponse(conn ConnID, res []byte) error {
	if !d.initialized.Load() {
		return ErrUninit
	}
	if int(conn) >= len(d.cfg.Connections) || len(res) == 0 {
		d.det.Report(detModule, apiInternal, detParam)
		return ErrNotOK
	}
	var eff effects
	defer d.apply(&eff)
	d.mu.Lock()
	defer d.mu.Unlock()

	cc := &d.cfg.Connections[conn]
	if len(res) > len(d.net.buffers[cc.Buffer].data) {
		return fmt.Errorf("final response of %d bytes exceeds buffer: %w", len(res), ErrNotOK)
	}
	t := d.allocateOrGetLocked(conn)
	if t == nil || t.State != TObjReserved {
		return fmt.Errorf("conn %d busy: %w", conn, ErrNotOK)
	}
	if !d.bufferLockLocked(cc.Buffer) {
		d.releaseLocked(t, &eff)
		return fmt.Errorf("buffer %d locked: %w", cc.Buffer, ErrNotOK)
	}
	t.BufIdx = cc.Buffer
	t.Flags |= FlagInternal
	t.ResType = ResTypeFblFinal
	t.active = true
	d.registerActiveConnectionLocked(conn, &eff)

	copy(d.net.buffers[cc.Buffer].data, res)
	t.txSrc = txFromBuffer
	t.TxLen = len(res)
	t.pageStart, t.pageLen = 0, len(res)
	t.State = TObjPrepTx
	d.transmitUsdtResponseLocked(t, &eff)
	return nil
}
