package dcm

import (
	"errors"

	"github.com/LoveWonYoung/dcm/timer"
)

// arbitration is the outcome of one Net Rx task pass.
type arbitration struct {
	winner  *TransportObject
	losers  timer.Mask
	start   bool // winner's protocol must be started
	preempt bool // the running protocol must be cancelled first
}

func (d *Dcm) priorityOf(conn ConnID) int {
	return int(d.cfg.protocol(d.cfg.Connections[conn].Protocol).Priority)
}

// arbitrateLocked picks the winner among the signaled objects. Candidates
// are scanned by ascending handle and only a strictly lower priority value
// replaces the current best, so the lowest handle wins ties.
func (d *Dcm) arbitrateLocked(signaled timer.Mask, eff *effects) arbitration {
	var a arbitration
	best := -1
	bestPrio := 256

	signaled.ForEach(func(h int) {
		t := &d.net.pool[h]
		if t.State != TObjRxEnd {
			return
		}
		if t.has(FlagCanceled | FlagObsolete) {
			d.releaseLocked(t, eff)
			return
		}
		if t.has(FlagBusy) {
			a.losers.Set(h)
			return
		}
		prio := d.priorityOf(t.ConnID)
		if prio < bestPrio {
			if best >= 0 {
				a.losers.Set(best)
			}
			best, bestPrio = h, prio
		} else {
			a.losers.Set(h)
		}
	})
	if best < 0 {
		return a
	}

	w := &d.net.pool[best]
	proto := d.cfg.Connections[w.ConnID].Protocol
	switch {
	case !d.net.protocolActive:
		a.start = true
	case proto == d.net.activeProtocol:
	case d.diag.idle() && d.state.Session() == DefaultSession:
		a.start = true
	case bestPrio < int(d.cfg.protocol(d.net.activeProtocol).Priority):
		a.start, a.preempt = true, true
	default:
		a.losers.Set(best)
		return a
	}
	a.winner = w
	return a
}

// busyLocked disposes of a request that cannot be served now: it either
// gets a busyRepeatRequest response from the Tx task or is dropped.
func (d *Dcm) busyLocked(t *TransportObject, eff *effects) {
	if t.BufIdx != noBuffer {
		data := d.net.buffers[t.BufIdx].data
		t.AddBuffer[0], t.AddBuffer[1] = data[0], data[1]
		d.bufferReleaseLocked(t.BufIdx)
		t.BufIdx = noBuffer
	}
	t.Flags |= FlagIgnore
	if d.cfg.BusyPolicy == BusyDrop || t.Functional {
		d.releaseLocked(t, eff)
		return
	}
	t.Flags |= FlagBusy
	t.State = TObjReady
	d.net.busyTx.Set(t.Handle)
}

// netRxTask runs request arbitration for all requests received since the
// last cycle and hands the winner to the dispatcher.
func (d *Dcm) netRxTask() {
	var eff effects

	d.mu.Lock()
	signaled := d.net.rxSignaled
	d.net.rxSignaled = 0
	if signaled.Empty() {
		d.mu.Unlock()
		return
	}
	a := d.arbitrateLocked(signaled, &eff)
	a.losers.ForEach(func(h int) {
		d.busyLocked(&d.net.pool[h], &eff)
	})
	if a.winner != nil {
		a.winner.State = TObjReady
	}
	d.mu.Unlock()
	d.apply(&eff)

	if a.winner == nil {
		return
	}
	w := a.winner
	if a.start {
		proto := d.cfg.Connections[w.ConnID].Protocol
		if a.preempt {
			d.log.Info("protocol %d preempts protocol %d", proto, d.net.activeProtocol)
			d.diagCancel()
			d.stateResetToDefault()
		}
		if err := d.startProtocol(proto); err != nil {
			d.log.Info("conn %d: protocol %d not started: %s", w.ConnID, proto, err)
			d.reject(w, NRCConditionsNotCorrect)
			return
		}
	}
	d.diagStart(w)
}

// startProtocol makes proto the active protocol, asking the hooks first.
func (d *Dcm) startProtocol(proto ProtocolID) error {
	d.mu.Lock()
	old, wasActive := d.net.activeProtocol, d.net.protocolActive
	d.mu.Unlock()
	if wasActive && old == proto {
		return nil
	}

	if d.hooks != nil {
		if err := d.hooks.StartProtocol(proto); err != nil {
			var veto ProtocolStartError
			if !errors.As(err, &veto) {
				d.det.Report(detModule, apiInternal, detInterfaceReturnValue)
			}
			return err
		}
		if wasActive {
			d.hooks.StopProtocol(old)
		}
	}

	d.mu.Lock()
	d.net.activeProtocol = proto
	d.net.protocolActive = true
	d.mu.Unlock()
	d.log.Info("protocol %d active", proto)
	return nil
}

// ActiveProtocol returns the protocol that owns the dispatcher.
func (d *Dcm) ActiveProtocol() (ProtocolID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.activeProtocol, d.net.protocolActive
}

// reject answers t with nrc from the additional buffer and releases
// its main buffer.
func (d *Dcm) reject(t *TransportObject, nrc NRC) {
	var eff effects
	d.mu.Lock()
	sid := byte(0)
	if t.BufIdx != noBuffer {
		sid = d.net.buffers[t.BufIdx].data[0]
		d.bufferReleaseLocked(t.BufIdx)
		t.BufIdx = noBuffer
	}
	t.Flags |= FlagIgnore
	t.AddBuffer[0], t.AddBuffer[1], t.AddBuffer[2] = 0x7F, sid, byte(nrc)
	t.TxLen = 3
	t.txSrc = txFromAddBuffer
	t.suppress = t.Functional && nrc.suppressedOnFunctional()
	t.State = TObjPrepTx
	d.transmitUsdtResponseLocked(t, &eff)
	d.mu.Unlock()
	d.apply(&eff)
}
