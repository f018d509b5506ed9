package dcm

import (
	"time"

	"github.com/LoveWonYoung/dcm/comstack"
)

// procState is the processor state bit set of the diagnostic thread.
type procState uint8

const (
	procIdle procState = 1 << iota
	procProcess
	procOnTx
	procPostProcess
)

// valid reports a legal combination. ON_TX and POST_PROCESS coexist while
// the final response of a service with post-processing is on the bus.
func (s procState) valid() bool {
	switch s {
	case procIdle, procProcess, procOnTx, procPostProcess, procOnTx | procPostProcess:
		return true
	}
	return false
}

type queueState uint8

const (
	queueNone queueState = iota
	// queueWaiting: a second request waits for the thread to go idle.
	queueWaiting
	// queueActive: the thread processes a request taken from the queue.
	queueActive
)

// OpContext carries the handler's call reason between polls.
type OpContext struct {
	Status OpStatus
	// PostProcess, when set by the handler, runs after the confirmation of
	// the final response.
	PostProcess func(result comstack.Result)
	// Data is free for the handler between PENDING polls.
	Data any
}

// MsgContext is the request/response of the running service.
type MsgContext struct {
	SID byte
	// SubFunction has the suppress bit cleared.
	SubFunction byte
	// Req is the request after the SID.
	Req []byte
	// Res is the positive response after the response SID.
	Res        []byte
	Functional bool
	// SuppressPosResponse is the SPRMIB of the request.
	SuppressPosResponse bool
	Conn                ConnID

	reqBuf   []byte
	resBuf   []byte
	overflow bool
	pager    PageFunc
	pageLen  int
}

// Append adds b to the response. It returns false when the buffer is full;
// the request is then answered with responseTooLong.
func (m *MsgContext) Append(b ...byte) bool {
	if len(m.Res)+len(b) > cap(m.Res) {
		m.overflow = true
		return false
	}
	m.Res = append(m.Res, b...)
	return true
}

// Cap returns the number of response bytes the buffer can still take.
func (m *MsgContext) Cap() int { return cap(m.Res) - len(m.Res) }

// SetPaged turns the response into a paged response of total bytes after
// the response SID. Res holds the first page; fill is called for the
// following pages with the whole buffer as destination.
func (m *MsgContext) SetPaged(total int, fill PageFunc) {
	m.pager = fill
	m.pageLen = total
}

type diagThread struct {
	state  procState
	queue  queueState
	tobj   *TransportObject
	queued *TransportObject

	msg MsgContext
	op  OpContext
	svc *serviceEntry

	p2Expired  bool
	rcrrpCount int
	rcrrpOnTx  bool
	forced     bool
}

func (t *diagThread) init() {
	t.state = procIdle
	t.queue = queueNone
}

func (t *diagThread) idle() bool { return t.state == procIdle }

func (d *Dcm) setProcState(s procState) {
	if !s.valid() {
		d.det.Report(detModule, apiInternal, detIllegalState)
		d.log.Error("diag: illegal processor state %04b", s)
	}
	d.diag.state = s
}

// diagStart hands an arbitration winner to the thread. A request arriving
// while the previous response is still being sent is queued once; anything
// else is busy.
func (d *Dcm) diagStart(t *TransportObject) {
	switch {
	case d.diag.idle():
		d.diagProcess(t)
	case d.diag.state&procProcess == 0 && d.diag.queue != queueWaiting:
		d.diag.queued = t
		d.diag.queue = queueWaiting
		d.log.Debug("conn %d: request queued", t.ConnID)
	default:
		var eff effects
		d.mu.Lock()
		d.busyLocked(t, &eff)
		d.mu.Unlock()
		d.apply(&eff)
	}
}

// diagProcess is the RxIndication of the dispatcher.
func (d *Dcm) diagProcess(t *TransportObject) {
	msg := &d.diag.msg

	d.mu.Lock()
	buf := d.net.buffers[t.BufIdx].data
	msg.reqBuf = append(msg.reqBuf[:0], buf[:t.ReqLen]...)
	functional := t.Functional
	t.ResType = ResTypeSimple
	d.mu.Unlock()

	*msg = MsgContext{
		SID:        msg.reqBuf[0],
		Req:        msg.reqBuf[1:],
		Res:        buf[1:1:len(buf)],
		Functional: functional,
		Conn:       t.ConnID,
		reqBuf:     msg.reqBuf,
		resBuf:     buf,
	}
	d.diag.tobj = t
	d.diag.op = OpContext{Status: OpInitial}
	d.diag.svc = nil
	d.diag.p2Expired = false
	d.diag.rcrrpCount = 0
	d.diag.rcrrpOnTx = false
	d.diag.forced = false
	d.setProcState(procProcess)
	d.auth.beginRequest()

	d.timers.Stop(timerS3)
	d.timers.Start(timerP2, d.ticks(d.p2()))

	if nrc := d.diagCheck(msg); nrc != PositiveResponse {
		d.diagNegative(nrc)
		return
	}
	d.diagCall()
}

func (d *Dcm) p2() time.Duration {
	if s := d.cfg.session(d.state.Session()); s != nil {
		return s.P2
	}
	return d.cfg.Sessions[0].P2
}

func (d *Dcm) p2Star() time.Duration {
	if s := d.cfg.session(d.state.Session()); s != nil {
		return s.P2Star
	}
	return d.cfg.Sessions[0].P2Star
}

// diagCheck runs the service and sub-function preconditions in order.
func (d *Dcm) diagCheck(msg *MsgContext) NRC {
	e, ok := d.services[msg.SID]
	if !ok || e.Handler == nil {
		return NRCServiceNotSupported
	}
	d.diag.svc = e
	if !d.isSupportedInProtocol(e, msg.Conn) {
		return NRCServiceNotSupported
	}
	if len(e.subs) > 0 && len(msg.Req) > 0 {
		msg.SuppressPosResponse = msg.Req[0]&0x80 != 0
		msg.SubFunction = msg.Req[0] & 0x7F
		msg.Req[0] = msg.SubFunction
	}
	sessionOK, securityOK := d.state.check(&e.cfg.Precondition)
	if !sessionOK {
		return NRCServiceNotSupportedInActiveSession
	}
	if !securityOK {
		return NRCSecurityAccessDenied
	}
	if nrc := d.auth.checkService(msg.Conn, e.cfg.Roles, msg.reqBuf); nrc != PositiveResponse {
		return nrc
	}
	// length is checked after session, security and authentication
	if 1+len(msg.Req) < e.cfg.MinLength || (len(e.subs) > 0 && len(msg.Req) == 0) {
		return NRCIncorrectMessageLength
	}

	if len(e.subs) > 0 {
		sf, ok := e.subs[msg.SubFunction]
		if !ok || sf.Disabled {
			return NRCSubFunctionNotSupported
		}
		sessionOK, securityOK := d.state.check(&sf.Precondition)
		if !sessionOK {
			return NRCSubFunctionNotSupportedInActiveSession
		}
		if !securityOK {
			return NRCSecurityAccessDenied
		}
		if !d.auth.checkRole(msg.Conn, sf.Roles) {
			return NRCAuthenticationRequired
		}
	}
	if e.Sequence != nil {
		if nrc := e.Sequence(msg); nrc != PositiveResponse {
			return nrc
		}
	}
	return PositiveResponse
}

// diagCall runs the handler once and acts on its status.
func (d *Dcm) diagCall() {
	msg := &d.diag.msg
	st, nrc := d.diag.svc.Handler(&d.diag.op, msg)
	switch st {
	case StatusOK:
		if msg.overflow {
			d.diagNegative(NRCResponseTooLong)
			return
		}
		d.diagPositive()
	case StatusPending:
		d.diag.op.Status = OpPending
	case StatusForceRcrrp:
		d.diag.forced = true
		d.diag.op.Status = OpPending
		d.diagSendRcrrp()
	default:
		if nrc == PositiveResponse {
			nrc = NRCGeneralReject
		}
		d.diagNegative(nrc)
	}
}

// diagTask polls a pending handler and sends RCRRP on P2 expiry.
func (d *Dcm) diagTask() {
	if d.diag.state != procProcess || d.diag.rcrrpOnTx {
		return
	}
	if d.diag.p2Expired {
		d.diag.p2Expired = false
		if d.cfg.MaxRcrrp > 0 && d.diag.rcrrpCount >= d.cfg.MaxRcrrp {
			d.log.Warn("sid 0x%02X: response pending limit reached", d.diag.msg.SID)
			d.diagAbortHandler()
			d.diagNegative(NRCGeneralReject)
			return
		}
		d.diagSendRcrrp()
		return
	}
	if d.diag.op.Status == OpPending || d.diag.op.Status == OpForceRcrrpOK {
		d.diagCall()
	}
}

// diagAbortHandler tells a pending handler that its request is gone.
func (d *Dcm) diagAbortHandler() {
	if d.diag.svc == nil || d.diag.svc.Handler == nil {
		return
	}
	if d.diag.op.Status != OpPending && d.diag.op.Status != OpForceRcrrpOK {
		return
	}
	d.diag.op.Status = OpCancel
	d.diag.svc.Handler(&d.diag.op, &d.diag.msg)
	d.diag.op.PostProcess = nil
}

// diagCancel drops the running and queued requests, used when a higher
// priority protocol takes over.
func (d *Dcm) diagCancel() {
	var eff effects
	if d.diag.state&procProcess != 0 {
		d.diagAbortHandler()
	}
	d.timers.Stop(timerP2)

	d.mu.Lock()
	if t := d.diag.tobj; t != nil {
		if t.State == TObjOnTx {
			eff.cancelTx = append(eff.cancelTx, d.cfg.Connections[t.ConnID].TxPdu)
		}
		d.releaseLocked(t, &eff)
	}
	if q := d.diag.queued; q != nil {
		d.releaseLocked(q, &eff)
	}
	d.mu.Unlock()
	d.apply(&eff)

	d.diag.tobj, d.diag.queued = nil, nil
	d.diag.queue = queueNone
	d.diag.rcrrpOnTx, d.diag.forced = false, false
	d.setProcState(procIdle)
	d.auth.endRequest()
}
