package dcm

import (
	"github.com/LoveWonYoung/dcm/comstack"
)

// linkState remembers a verified baudrate transition of LinkControl.
type linkState struct {
	verified bool
	bps      uint32
}

func (d *Dcm) linkControlSequence(msg *MsgContext) NRC {
	if msg.SubFunction == 0x03 && !d.link.verified {
		return NRCRequestSequenceError
	}
	return PositiveResponse
}

// handleLinkControl is LinkControl (0x87) with fixed baudrates: 0x01
// verifies a transition, 0x03 performs it after the positive response.
func (d *Dcm) handleLinkControl(op *OpContext, msg *MsgContext) (Status, NRC) {
	lc := &d.cfg.LinkControl
	switch msg.SubFunction {
	case 0x01:
		if len(msg.Req) != 2 {
			return StatusNotOK, NRCIncorrectMessageLength
		}
		var bps uint32
		for _, b := range lc.Baudrates {
			if b.ID == msg.Req[1] {
				bps = b.Bps
			}
		}
		if bps == 0 {
			return StatusNotOK, NRCRequestOutOfRange
		}
		if d.baud == nil {
			return StatusNotOK, NRCConditionsNotCorrect
		}
		if err := d.baud.CheckBaudrate(lc.Controller, bps); err != nil {
			d.log.Debug("link control: %d bps rejected: %s", bps, err)
			return StatusNotOK, NRCRequestOutOfRange
		}
		d.link = linkState{verified: true, bps: bps}
		msg.Append(msg.SubFunction)
		return StatusOK, PositiveResponse

	case 0x03:
		if len(msg.Req) != 1 {
			return StatusNotOK, NRCIncorrectMessageLength
		}
		bps := d.link.bps
		d.link = linkState{}
		msg.Append(msg.SubFunction)
		op.PostProcess = func(result comstack.Result) {
			if result != comstack.ResultOK {
				return
			}
			if err := d.baud.ChangeBaudrate(lc.Controller, bps); err != nil {
				d.det.Report(detModule, apiInternal, detInterfaceReturnValue)
				d.log.Error("link control: change to %d bps: %s", bps, err)
				return
			}
			d.log.Info("link control: controller %d now at %d bps", lc.Controller, bps)
		}
		return StatusOK, PositiveResponse
	}
	return StatusNotOK, NRCSubFunctionNotSupported
}
