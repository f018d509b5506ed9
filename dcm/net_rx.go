package dcm

import (
	"github.com/LoveWonYoung/dcm/comstack"
)

// isTesterPresentSuppressed reports a functional "3E 80" request.
func isTesterPresentSuppressed(data []byte) bool {
	return len(data) == 2 && data[0] == 0x3E && data[1] == 0x80
}

// StartOfReception is called by the transport layer when a new request
// starts on rx pdu id. It returns the free buffer size.
func (d *Dcm) StartOfReception(id comstack.PduID, info *comstack.PduInfo, tpSduLength int) (int, comstack.BufReqReturn) {
	if !d.initialized.Load() {
		d.det.Report(detModule, apiStartOfReception, detUninit)
		return 0, comstack.BufReqNotOK
	}

	var eff effects
	defer d.apply(&eff)

	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.net.rxPdus[id]
	if !ok {
		d.det.Report(detModule, apiStartOfReception, detParam)
		return 0, comstack.BufReqNotOK
	}
	if tpSduLength <= 0 {
		return 0, comstack.BufReqNotOK
	}
	cc := &d.cfg.Connections[e.conn]
	ch := d.channelLocked(cc.Channel)
	if !ch.rxEnabled() || (ch.needReady && cc.ReadyIndication && !ch.ready) {
		return 0, comstack.BufReqNotOK
	}

	// Functional TesterPresent without response only keeps the session
	// alive; it never occupies a transport object.
	if e.functional && info != nil && tpSduLength == 2 && isTesterPresentSuppressed(info.Data) {
		d.net.s3Reload = true
		return 0, comstack.BufReqNotOK
	}

	d.cancelForeignLocked(e.conn, &eff)

	t := d.allocateOrGetLocked(e.conn)
	if t == nil {
		d.log.Debug("conn %d: no free transport object", e.conn)
		return 0, comstack.BufReqNotOK
	}
	if t.State != TObjReserved {
		// The connection is still busy with its previous request.
		return 0, comstack.BufReqNotOK
	}
	t.RxPduID = id
	t.Functional = e.functional
	t.ReqLen = tpSduLength
	t.BuffPos = 0

	buf := &d.net.buffers[cc.Buffer]
	if tpSduLength > len(buf.data) {
		d.releaseLocked(t, &eff)
		return 0, comstack.BufReqOverflow
	}

	switch {
	case d.bufferLockLocked(cc.Buffer):
		t.BufIdx = cc.Buffer
	case d.cfg.BusyPolicy != BusyDrop && !e.functional:
		// Receive only the head of the request so a busy response can
		// name the service.
		t.Flags |= FlagBusy | FlagCopyHead
	default:
		d.releaseLocked(t, &eff)
		return 0, comstack.BufReqNotOK
	}

	t.State = TObjOnRx
	t.active = true
	d.registerActiveConnectionLocked(e.conn, &eff)

	if info != nil && len(info.Data) > 0 {
		if !d.copyRxLocked(t, info.Data) {
			d.releaseLocked(t, &eff)
			return 0, comstack.BufReqNotOK
		}
	}
	return d.rxAvailableLocked(t), comstack.BufReqOK
}

// cancelForeignLocked cancels a reception in progress from the same tester
// on another connection.
func (d *Dcm) cancelForeignLocked(conn ConnID, eff *effects) {
	addr := d.cfg.Connections[conn].TesterAddress
	for i := range d.cfg.Connections {
		other := ConnID(i)
		if other == conn || d.cfg.Connections[i].TesterAddress != addr {
			continue
		}
		h := d.net.connMap[other]
		if h < 0 {
			continue
		}
		t := &d.net.pool[h]
		if t.State == TObjOnRx && !t.has(FlagCanceled) {
			t.Flags |= FlagCanceled
			eff.cancelRx = append(eff.cancelRx, t.RxPduID)
			d.log.Debug("conn %d: cancel reception, tester moved to conn %d", other, conn)
		}
	}
}

func (d *Dcm) rxAvailableLocked(t *TransportObject) int {
	if t.has(FlagCopyHead) {
		return t.ReqLen - t.BuffPos
	}
	return len(d.net.buffers[t.BufIdx].data) - t.BuffPos
}

func (d *Dcm) copyRxLocked(t *TransportObject, data []byte) bool {
	if t.BuffPos+len(data) > t.ReqLen {
		return false
	}
	if t.has(FlagCopyHead) {
		for _, b := range data {
			if t.BuffPos < 2 {
				t.AddBuffer[t.BuffPos] = b
			}
			t.BuffPos++
		}
		return true
	}
	copy(d.net.buffers[t.BufIdx].data[t.BuffPos:], data)
	t.BuffPos += len(data)
	return true
}

// rxObjectLocked returns the object receiving on rx pdu id.
func (d *Dcm) rxObjectLocked(id comstack.PduID) *TransportObject {
	e, ok := d.net.rxPdus[id]
	if !ok {
		return nil
	}
	h := d.net.connMap[e.conn]
	if h < 0 {
		return nil
	}
	t := &d.net.pool[h]
	if t.RxPduID != id {
		return nil
	}
	return t
}

// CopyRxData copies the next part of a request.
func (d *Dcm) CopyRxData(id comstack.PduID, info *comstack.PduInfo) (int, comstack.BufReqReturn) {
	if !d.initialized.Load() {
		d.det.Report(detModule, apiCopyRxData, detUninit)
		return 0, comstack.BufReqNotOK
	}
	if info == nil {
		d.det.Report(detModule, apiCopyRxData, detParamPointer)
		return 0, comstack.BufReqNotOK
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	t := d.rxObjectLocked(id)
	if t == nil || t.State != TObjOnRx {
		return 0, comstack.BufReqNotOK
	}
	if len(info.Data) > 0 && !d.copyRxLocked(t, info.Data) {
		return 0, comstack.BufReqNotOK
	}
	return d.rxAvailableLocked(t), comstack.BufReqOK
}

// TpRxIndication completes a reception.
func (d *Dcm) TpRxIndication(id comstack.PduID, result comstack.Result) {
	if !d.initialized.Load() {
		d.det.Report(detModule, apiTpRxIndication, detUninit)
		return
	}
	var eff effects
	defer d.apply(&eff)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.net.rxPdus[id]; !ok {
		d.det.Report(detModule, apiTpRxIndication, detParam)
		return
	}
	t := d.rxObjectLocked(id)
	if t == nil || t.State != TObjOnRx {
		return
	}
	if result != comstack.ResultOK || t.has(FlagCanceled|FlagObsolete) || t.BuffPos < t.ReqLen {
		d.releaseLocked(t, &eff)
		return
	}
	if t.Functional && t.BufIdx != noBuffer &&
		isTesterPresentSuppressed(d.net.buffers[t.BufIdx].data[:t.ReqLen]) {
		d.net.s3Reload = true
		d.releaseLocked(t, &eff)
		return
	}
	t.State = TObjRxEnd
	d.net.rxSignaled.Set(t.Handle)
}
