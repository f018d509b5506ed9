package dcm

import (
	"github.com/LoveWonYoung/dcm/comstack"
)

// transmitUsdtResponseLocked hands the response held by t to the transport
// layer. t must be in PREP_TX.
func (d *Dcm) transmitUsdtResponseLocked(t *TransportObject, eff *effects) {
	if t.State != TObjPrepTx {
		d.det.Report(detModule, apiInternal, detIllegalState)
		return
	}
	t.BuffPos = 0
	cc := &d.cfg.Connections[t.ConnID]

	switch {
	case t.suppress || (cc.NoMainTx && t.txSrc == txFromBuffer):
		t.State = TObjOnTx
		t.txResult = comstack.ResultOK
		d.net.txConfirmed.Set(t.Handle)
	case d.channelLocked(cc.Channel).txEnabled():
		t.State = TObjOnTx
		eff.transmit = append(eff.transmit, txRequest{pdu: cc.TxPdu, length: t.TxLen})
	default:
		// A refused response is never retried.
		t.State = TObjOnTx
		t.txResult = comstack.ResultNotOK
		d.net.txConfirmed.Set(t.Handle)
	}
}

// txObjectLocked returns the object transmitting on tx pdu id.
func (d *Dcm) txObjectLocked(id comstack.PduID) *TransportObject {
	conn, ok := d.net.txPdus[id]
	if !ok {
		return nil
	}
	h := d.net.connMap[conn]
	if h < 0 {
		return nil
	}
	return &d.net.pool[h]
}

// CopyTxData copies the next part of the response into info.Data.
func (d *Dcm) CopyTxData(id comstack.PduID, info *comstack.PduInfo) (int, comstack.BufReqReturn) {
	if !d.initialized.Load() {
		d.det.Report(detModule, apiCopyTxData, detUninit)
		return 0, comstack.BufReqNotOK
	}
	if info == nil {
		d.det.Report(detModule, apiCopyTxData, detParamPointer)
		return 0, comstack.BufReqNotOK
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.net.txPdus[id]; !ok {
		d.det.Report(detModule, apiCopyTxData, detParam)
		return 0, comstack.BufReqNotOK
	}
	t := d.txObjectLocked(id)
	if t == nil || t.State != TObjOnTx {
		return 0, comstack.BufReqNotOK
	}
	need := len(info.Data)
	if t.BuffPos+need > t.TxLen {
		return 0, comstack.BufReqNotOK
	}

	if t.txSrc == txFromAddBuffer {
		copy(info.Data, t.AddBuffer[t.BuffPos:t.BuffPos+need])
		t.BuffPos += need
		return t.TxLen - t.BuffPos, comstack.BufReqOK
	}

	data := d.net.buffers[t.BufIdx].data
	out := info.Data
	for len(out) > 0 {
		off := t.BuffPos - t.pageStart
		if off >= t.pageLen {
			if t.pager == nil {
				return 0, comstack.BufReqNotOK
			}
			n, err := t.pager(data)
			if err != nil || n <= 0 {
				d.log.Warn("conn %d: paged response update failed: %v", t.ConnID, err)
				return 0, comstack.BufReqNotOK
			}
			t.pageStart += t.pageLen
			t.pageLen = n
			off = 0
		}
		c := copy(out, data[off:t.pageLen])
		out = out[c:]
		t.BuffPos += c
	}
	return t.TxLen - t.BuffPos, comstack.BufReqOK
}

// TpTxConfirmation completes a transmission. The result is processed by
// the next MainFunction.
func (d *Dcm) TpTxConfirmation(id comstack.PduID, result comstack.Result) {
	if !d.initialized.Load() {
		d.det.Report(detModule, apiTpTxConfirmation, detUninit)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.net.txPdus[id]; !ok {
		d.det.Report(detModule, apiTpTxConfirmation, detParam)
		return
	}
	t := d.txObjectLocked(id)
	if t == nil || t.State != TObjOnTx {
		return
	}
	t.txResult = result
	d.net.txConfirmed.Set(t.Handle)
}

// netTxTask sends the pending busyRepeatRequest responses.
func (d *Dcm) netTxTask() {
	var eff effects
	d.mu.Lock()
	pending := d.net.busyTx
	d.net.busyTx = 0
	pending.ForEach(func(h int) {
		t := &d.net.pool[h]
		if t.State != TObjReady || !t.has(FlagBusy) {
			return
		}
		sid := t.AddBuffer[0]
		t.AddBuffer[0] = 0x7F
		t.AddBuffer[1] = sid
		t.AddBuffer[2] = byte(NRCBusyRepeatRequest)
		t.TxLen = 3
		t.txSrc = txFromAddBuffer
		t.State = TObjPrepTx
		d.transmitUsdtResponseLocked(t, &eff)
	})
	d.mu.Unlock()
	d.apply(&eff)
}

type confirmation struct {
	t      *TransportObject
	result comstack.Result
}

// netTxConfirmTask dispatches the confirmations collected since the last
// cycle.
func (d *Dcm) netTxConfirmTask() {
	var eff effects
	var diagConfs []confirmation

	d.mu.Lock()
	confirmed := d.net.txConfirmed
	d.net.txConfirmed = 0
	confirmed.ForEach(func(h int) {
		t := &d.net.pool[h]
		if t.State != TObjOnTx {
			return
		}
		if t.has(FlagBusy|FlagIgnore) || t != d.diag.tobj {
			d.releaseLocked(t, &eff)
			return
		}
		diagConfs = append(diagConfs, confirmation{t: t, result: t.txResult})
	})
	d.mu.Unlock()
	d.apply(&eff)

	for _, c := range diagConfs {
		d.diagTxConfirmed(c.t, c.result)
	}
}
