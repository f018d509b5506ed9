package dcm

import (
	"encoding/binary"
	"fmt"
)

// RoutineFunc runs one RoutineControl sub-function. in is the routine
// control option record; the response already holds sub-function and RID.
type RoutineFunc func(op *OpContext, in []byte, out *MsgContext) (Status, NRC)

// Routine is the implementation of a configured RID. A nil function makes
// the sub-function unsupported for the routine.
type Routine struct {
	Start   RoutineFunc
	Stop    RoutineFunc
	Results RoutineFunc
}

type routineEntry struct {
	Routine
	started bool
}

// RegisterRoutine installs r for a configured RID.
func (d *Dcm) RegisterRoutine(rid uint16, r Routine) error {
	if d.cfg.routine(rid) == nil {
		return fmt.Errorf("routine 0x%04X not configured: %w", rid, ErrNotOK)
	}
	d.routines[rid] = &routineEntry{Routine: r}
	return nil
}

// handleRoutineControl is RoutineControl (0x31).
func (d *Dcm) handleRoutineControl(op *OpContext, msg *MsgContext) (Status, NRC) {
	req := msg.Req
	if len(req) < 3 {
		return StatusNotOK, NRCIncorrectMessageLength
	}
	sf := msg.SubFunction
	rid := binary.BigEndian.Uint16(req[1:])
	rc := d.cfg.routine(rid)
	e := d.routines[rid]
	if rc == nil || e == nil {
		return StatusNotOK, NRCRequestOutOfRange
	}
	sessionOK, securityOK := d.state.check(&rc.Precondition)
	if !sessionOK {
		return StatusNotOK, NRCRequestOutOfRange
	}
	if !securityOK {
		return StatusNotOK, NRCSecurityAccessDenied
	}
	if nrc := d.auth.checkRid(msg.Conn, rid, sf, rc.Roles); nrc != PositiveResponse {
		return StatusNotOK, nrc
	}

	var fn RoutineFunc
	switch sf {
	case 0x01:
		fn = e.Start
	case 0x02:
		fn = e.Stop
	case 0x03:
		fn = e.Results
	}
	if fn == nil {
		return StatusNotOK, NRCSubFunctionNotSupported
	}
	if sf != 0x01 && !e.started {
		return StatusNotOK, NRCRequestSequenceError
	}
	if op.Status == OpInitial {
		msg.Append(sf, req[1], req[2])
	}

	st, nrc := fn(op, req[3:], msg)
	if st == StatusOK {
		switch sf {
		case 0x01:
			e.started = true
		case 0x02:
			e.started = false
		}
	}
	return st, nrc
}
