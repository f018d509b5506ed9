package dcm

import (
	"time"

	"github.com/LoveWonYoung/dcm/comstack"
)

// handleSessionControl is DiagnosticSessionControl (0x10). The session
// changes once the positive response is confirmed.
func (d *Dcm) handleSessionControl(op *OpContext, msg *MsgContext) (Status, NRC) {
	if len(msg.Req) != 1 {
		return StatusNotOK, NRCIncorrectMessageLength
	}
	sc := d.cfg.session(msg.SubFunction)
	if sc == nil {
		return StatusNotOK, NRCSubFunctionNotSupported
	}
	p2 := uint16(sc.P2 / time.Millisecond)
	p2Star := uint16(sc.P2Star / (10 * time.Millisecond))
	msg.Append(msg.SubFunction, byte(p2>>8), byte(p2), byte(p2Star>>8), byte(p2Star))

	session, conn := msg.SubFunction, msg.Conn
	op.PostProcess = func(result comstack.Result) {
		if result == comstack.ResultOK {
			d.stateSetSession(session, conn)
		}
	}
	return StatusOK, PositiveResponse
}

// handleECUReset is ECUReset (0x11). The reset hook runs after the
// positive response.
func (d *Dcm) handleECUReset(op *OpContext, msg *MsgContext) (Status, NRC) {
	if len(msg.Req) != 1 {
		return StatusNotOK, NRCIncorrectMessageLength
	}
	msg.Append(msg.SubFunction)
	resetType := msg.SubFunction
	op.PostProcess = func(result comstack.Result) {
		if result != comstack.ResultOK {
			return
		}
		d.log.Info("ECU reset 0x%02X", resetType)
		d.stateResetToDefault()
		if d.reset != nil {
			d.reset(resetType)
		}
	}
	return StatusOK, PositiveResponse
}

// handleTesterPresent is TesterPresent (0x3E).
func (d *Dcm) handleTesterPresent(_ *OpContext, msg *MsgContext) (Status, NRC) {
	if len(msg.Req) != 1 {
		return StatusNotOK, NRCIncorrectMessageLength
	}
	msg.Append(msg.SubFunction)
	return StatusOK, PositiveResponse
}

// securityAccessSequence rejects a sendKey without a preceding requestSeed.
func (d *Dcm) securityAccessSequence(msg *MsgContext) NRC {
	if msg.SubFunction%2 == 0 && d.state.seeds.Get(msg.SubFunction-1) == nil {
		return NRCRequestSequenceError
	}
	return PositiveResponse
}

// handleSecurityAccess is SecurityAccess (0x27).
func (d *Dcm) handleSecurityAccess(_ *OpContext, msg *MsgContext) (Status, NRC) {
	var nrc NRC
	if msg.SubFunction%2 == 1 {
		nrc = d.requestSeed(msg.SubFunction, msg)
	} else {
		nrc = d.sendKey(msg.SubFunction, msg.Req[1:], msg)
	}
	if nrc != PositiveResponse {
		return StatusNotOK, nrc
	}
	return StatusOK, PositiveResponse
}
