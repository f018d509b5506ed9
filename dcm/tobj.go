package dcm

import (
	"github.com/LoveWonYoung/dcm/comstack"
	"github.com/LoveWonYoung/dcm/timer"
)

const noBuffer = -1

// txSource selects where CopyTxData reads from.
type txSource uint8

const (
	txFromBuffer txSource = iota
	txFromAddBuffer
)

// PageFunc refills dst with the next part of a paged response and returns
// the number of bytes written.
type PageFunc func(dst []byte) (int, error)

// TransportObject is one in-flight request/response exchange on one
// connection. All fields are guarded by Dcm.mu.
type TransportObject struct {
	Handle     int
	ConnID     ConnID
	RxPduID    comstack.PduID
	Functional bool
	State      TObjState
	Flags      TObjFlags
	ResType    ResType
	ReqLen     int
	BuffPos    int
	BufIdx     int
	AddBuffer  [8]byte
	TxLen      int

	txSrc     txSource
	txResult  comstack.Result
	suppress  bool
	active    bool
	pager     PageFunc
	pageStart int
	pageLen   int
}

func (t *TransportObject) has(f TObjFlags) bool { return t.Flags&f != 0 }

// netContext is the state shared between the lower layer callbacks and the
// task. Guarded by Dcm.mu.
type netContext struct {
	pool     []TransportObject
	connMap  []int
	buffers  []buffer
	rxPdus   map[comstack.PduID]rxPdu
	txPdus   map[comstack.PduID]ConnID
	channels map[comstack.NetworkHandle]*channelState

	rxSignaled  timer.Mask
	txConfirmed timer.Mask
	busyTx      timer.Mask

	protocolActive bool
	activeProtocol ProtocolID
	s3Reload       bool
}

type rxPdu struct {
	conn       ConnID
	functional bool
}

// PoolStats is a snapshot of the transport object pool.
type PoolStats struct {
	Capacity int
	Free     int
	Bound    int
}

// allocateOrGetLocked returns the object bound to conn, or binds a free one.
// It returns nil when the pool is exhausted.
func (d *Dcm) allocateOrGetLocked(conn ConnID) *TransportObject {
	if h := d.net.connMap[conn]; h >= 0 {
		return &d.net.pool[h]
	}
	for i := range d.net.pool {
		t := &d.net.pool[i]
		if t.State != TObjFree {
			continue
		}
		t.ConnID = conn
		t.BufIdx = noBuffer
		t.Flags = 0
		t.ResType = ResTypeNone
		t.ReqLen, t.BuffPos, t.TxLen = 0, 0, 0
		t.State = TObjReserved
		d.net.connMap[conn] = i
		return t
	}
	return nil
}

// releaseLocked returns t to the pool. It is a no-op for FREE objects.
// FREE is written last.
func (d *Dcm) releaseLocked(t *TransportObject, eff *effects) {
	if t.State == TObjFree {
		return
	}
	if t.BufIdx != noBuffer {
		d.bufferReleaseLocked(t.BufIdx)
		t.BufIdx = noBuffer
	}
	if t.active {
		d.unregisterActiveConnectionLocked(t.ConnID, eff)
		t.active = false
	}
	if d.net.connMap[t.ConnID] == t.Handle {
		d.net.connMap[t.ConnID] = -1
	}
	d.net.rxSignaled.Clear(t.Handle)
	d.net.txConfirmed.Clear(t.Handle)
	d.net.busyTx.Clear(t.Handle)
	t.Flags = 0
	t.ResType = ResTypeNone
	t.pager = nil
	t.suppress = false
	t.Functional = false
	t.State = TObjFree
}

// release is releaseLocked for task context.
func (d *Dcm) release(t *TransportObject) {
	var eff effects
	d.mu.Lock()
	d.releaseLocked(t, &eff)
	d.mu.Unlock()
	d.apply(&eff)
}

// PoolStats returns the current pool occupancy.
func (d *Dcm) PoolStats() PoolStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := PoolStats{Capacity: len(d.net.pool)}
	for i := range d.net.pool {
		if d.net.pool[i].State == TObjFree {
			s.Free++
		}
	}
	for _, h := range d.net.connMap {
		if h >= 0 {
			s.Bound++
		}
	}
	return s
}

// TransportObjectOf returns a copy of the object bound to conn.
func (d *Dcm) TransportObjectOf(conn ConnID) (TransportObject, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(conn) >= len(d.net.connMap) {
		return TransportObject{}, false
	}
	h := d.net.connMap[conn]
	if h < 0 {
		return TransportObject{}, false
	}
	t := d.net.pool[h]
	t.pager = nil
	return t, true
}

// effects collects calls into collaborators that must be made after d.mu
// is released.
type effects struct {
	active   []comstack.NetworkHandle
	inactive []comstack.NetworkHandle
	cancelRx []comstack.PduID
	cancelTx []comstack.PduID
	transmit []txRequest
}

type txRequest struct {
	pdu    comstack.PduID
	length int
}

func (d *Dcm) apply(eff *effects) {
	if d.comm != nil {
		for _, ch := range eff.active {
			d.comm.ActiveDiagnostic(ch)
		}
		for _, ch := range eff.inactive {
			d.comm.InactiveDiagnostic(ch)
		}
	}
	for _, id := range eff.cancelRx {
		if err := d.lower.CancelReceive(id); err != nil {
			d.markObsolete(id)
		}
	}
	for _, id := range eff.cancelTx {
		if err := d.lower.CancelTransmit(id); err != nil {
			d.log.Debug("cancel transmit pdu %d: %s", id, err)
		}
	}
	for _, tx := range eff.transmit {
		if err := d.lower.Transmit(tx.pdu, tx.length); err != nil {
			d.log.Warn("transmit pdu %d: %s", tx.pdu, err)
			d.TpTxConfirmation(tx.pdu, comstack.ResultNotOK)
		}
	}
}

// markObsolete flags the reception on rx pdu id as obsolete: the lower layer
// could not cancel it, so the object is reclaimed when it completes.
func (d *Dcm) markObsolete(id comstack.PduID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.net.rxPdus[id]
	if !ok {
		return
	}
	if h := d.net.connMap[e.conn]; h >= 0 {
		t := &d.net.pool[h]
		if t.has(FlagCanceled) {
			t.Flags |= FlagObsolete
		}
	}
}
