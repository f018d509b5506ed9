package dcm

import (
	"encoding/binary"
)

// handleReadDataByIdentifier is ReadDataByIdentifier (0x22).
func (d *Dcm) handleReadDataByIdentifier(_ *OpContext, msg *MsgContext) (Status, NRC) {
	req := msg.Req
	if len(req) == 0 || len(req)%2 != 0 {
		return StatusNotOK, NRCIncorrectMessageLength
	}
	found := 0
	for i := 0; i < len(req); i += 2 {
		id := binary.BigEndian.Uint16(req[i:])
		dc := d.cfg.did(id)
		if dc == nil || dc.Read == nil {
			continue
		}
		sessionOK, securityOK := d.state.check(dc.Read)
		if !sessionOK {
			continue
		}
		if !securityOK {
			return StatusNotOK, NRCSecurityAccessDenied
		}
		if nrc := d.auth.checkDid(msg.Conn, id, AccessRead, dc.Read.Roles); nrc != PositiveResponse {
			return StatusNotOK, nrc
		}
		v, _ := d.dids.get(id)
		msg.Append(byte(id>>8), byte(id))
		msg.Append(v...)
		found++
	}
	if found == 0 {
		return StatusNotOK, NRCRequestOutOfRange
	}
	return StatusOK, PositiveResponse
}

type nvJob struct {
	done chan error
}

// handleWriteDataByIdentifier is WriteDataByIdentifier (0x2E). With a
// store the write is persisted in the background and the request stays
// pending until it completes.
func (d *Dcm) handleWriteDataByIdentifier(op *OpContext, msg *MsgContext) (Status, NRC) {
	req := msg.Req
	if op.Status == OpCancel {
		return StatusNotOK, NRCGeneralReject
	}
	if job, ok := op.Data.(*nvJob); ok {
		select {
		case err := <-job.done:
			op.Data = nil
			if err != nil {
				d.log.Error("did 0x%04X: persist: %s", binary.BigEndian.Uint16(req), err)
				return StatusNotOK, NRCGeneralProgrammingFailure
			}
			msg.Append(req[0], req[1])
			return StatusOK, PositiveResponse
		default:
			return StatusPending, PositiveResponse
		}
	}

	if len(req) < 3 {
		return StatusNotOK, NRCIncorrectMessageLength
	}
	id := binary.BigEndian.Uint16(req)
	dc := d.cfg.did(id)
	if dc == nil || dc.Write == nil {
		return StatusNotOK, NRCRequestOutOfRange
	}
	if len(req)-2 != dc.Size {
		return StatusNotOK, NRCIncorrectMessageLength
	}
	sessionOK, securityOK := d.state.check(dc.Write)
	if !sessionOK {
		return StatusNotOK, NRCRequestOutOfRange
	}
	if !securityOK {
		return StatusNotOK, NRCSecurityAccessDenied
	}
	if nrc := d.auth.checkDid(msg.Conn, id, AccessWrite, dc.Write.Roles); nrc != PositiveResponse {
		return StatusNotOK, nrc
	}

	value := append([]byte(nil), req[2:]...)
	d.dids.set(id, value)
	if d.nv == nil {
		msg.Append(req[0], req[1])
		return StatusOK, PositiveResponse
	}
	job := &nvJob{done: make(chan error, 1)}
	op.Data = job
	go func() { job.done <- d.nv.WriteBlock(didBlockID(id), value) }()
	return StatusPending, PositiveResponse
}

func beUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

// handleReadMemoryByAddress is ReadMemoryByAddress (0x23). Reads larger
// than the buffer are sent as a paged response.
func (d *Dcm) handleReadMemoryByAddress(_ *OpContext, msg *MsgContext) (Status, NRC) {
	req := msg.Req
	if len(req) == 0 {
		return StatusNotOK, NRCIncorrectMessageLength
	}
	alfid := req[0]
	sizeLen, addrLen := int(alfid>>4), int(alfid&0x0F)
	if sizeLen < 1 || sizeLen > 4 || addrLen < 1 || addrLen > 4 {
		return StatusNotOK, NRCRequestOutOfRange
	}
	if len(req) != 1+addrLen+sizeLen {
		return StatusNotOK, NRCIncorrectMessageLength
	}
	addr := beUint(req[1 : 1+addrLen])
	size := beUint(req[1+addrLen:])
	if size == 0 {
		return StatusNotOK, NRCRequestOutOfRange
	}
	rng, ok := d.memv.Validate(addr, size)
	if !ok {
		return StatusNotOK, NRCRequestOutOfRange
	}
	sessionOK, securityOK := d.state.check(&rng.Precondition)
	if !sessionOK {
		return StatusNotOK, NRCRequestOutOfRange
	}
	if !securityOK {
		return StatusNotOK, NRCSecurityAccessDenied
	}
	if nrc := d.auth.checkMemory(msg.Conn, rng.ID, rng.Roles); nrc != PositiveResponse {
		return StatusNotOK, nrc
	}
	if d.mem == nil {
		return StatusNotOK, NRCConditionsNotCorrect
	}
	data, err := d.mem.Read(addr, size)
	if err != nil {
		d.log.Debug("read memory 0x%08X+%d: %s", addr, size, err)
		return StatusNotOK, NRCRequestOutOfRange
	}

	if len(data) <= msg.Cap() {
		msg.Append(data...)
		return StatusOK, PositiveResponse
	}
	n := msg.Cap()
	msg.Append(data[:n]...)
	rest := data[n:]
	msg.SetPaged(len(data), func(dst []byte) (int, error) {
		c := copy(dst, rest)
		rest = rest[c:]
		return c, nil
	})
	return StatusOK, PositiveResponse
}
