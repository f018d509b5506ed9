package dcm

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LoveWonYoung/dcm/comstack"
	"github.com/LoveWonYoung/dcm/det"
)

type txCall struct {
	pdu    comstack.PduID
	length int
}

// fakeLower records the calls of the Dcm into the transport layer. Nothing
// is called back synchronously.
type fakeLower struct {
	mu        sync.Mutex
	tx        []txCall
	cancelRx  []comstack.PduID
	cancelTx  []comstack.PduID
	cancelErr error
}

func (f *fakeLower) Transmit(id comstack.PduID, length int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tx = append(f.tx, txCall{pdu: id, length: length})
	return nil
}

func (f *fakeLower) CancelReceive(id comstack.PduID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelRx = append(f.cancelRx, id)
	return f.cancelErr
}

func (f *fakeLower) CancelTransmit(id comstack.PduID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelTx = append(f.cancelTx, id)
	return nil
}

func (f *fakeLower) takeTx() []txCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.tx
	f.tx = nil
	return out
}

type harness struct {
	t     *testing.T
	d     *Dcm
	lower *fakeLower
	det   *det.Reporter
	sent  map[comstack.PduID][][]byte
}

// fixedRandom makes seeds and challenges predictable: every byte is 0xA5.
func fixedRandom() Option {
	return WithRandom(bytes.NewReader(bytes.Repeat([]byte{0xA5}, 4096)))
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		lower: &fakeLower{},
		det:   det.Discard(),
		sent:  make(map[comstack.PduID][][]byte),
	}
	all := append([]Option{WithDet(h.det), fixedRandom()}, opts...)
	d, err := New(cfg, h.lower, all...)
	require.NoError(t, err)
	h.d = d
	return h
}

// receive runs a complete reception of req on rx pdu id.
func (h *harness) receive(id comstack.PduID, req []byte) comstack.BufReqReturn {
	h.t.Helper()
	_, ret := h.d.StartOfReception(id, &comstack.PduInfo{}, len(req))
	if ret != comstack.BufReqOK {
		return ret
	}
	_, ret = h.d.CopyRxData(id, &comstack.PduInfo{Data: req})
	require.Equal(h.t, comstack.BufReqOK, ret)
	h.d.TpRxIndication(id, comstack.ResultOK)
	return ret
}

func (h *harness) mustReceive(id comstack.PduID, req []byte) {
	h.t.Helper()
	require.Equal(h.t, comstack.BufReqOK, h.receive(id, req))
}

// transmitAll plays the transport layer for every pending Transmit: the
// response is copied out in single frame sized chunks and confirmed.
func (h *harness) transmitAll() {
	h.t.Helper()
	for _, c := range h.lower.takeTx() {
		var out []byte
		for len(out) < c.length {
			n := c.length - len(out)
			if n > 7 {
				n = 7
			}
			info := &comstack.PduInfo{Data: make([]byte, n)}
			_, ret := h.d.CopyTxData(c.pdu, info)
			require.Equal(h.t, comstack.BufReqOK, ret)
			out = append(out, info.Data...)
		}
		h.sent[c.pdu] = append(h.sent[c.pdu], out)
		h.d.TpTxConfirmation(c.pdu, comstack.ResultOK)
	}
}

func (h *harness) step() {
	h.t.Helper()
	h.d.MainFunction()
	h.transmitAll()
}

func (h *harness) steps(n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		h.step()
	}
}

// stepUntil runs cycles until cond holds, giving background store writes
// time to complete.
func (h *harness) stepUntil(cond func() bool) {
	h.t.Helper()
	for i := 0; i < 200 && !cond(); i++ {
		h.step()
		time.Sleep(time.Millisecond)
	}
	require.True(h.t, cond())
}

func (h *harness) responses(tx comstack.PduID) [][]byte { return h.sent[tx] }

func (h *harness) last(tx comstack.PduID) []byte {
	r := h.sent[tx]
	if len(r) == 0 {
		return nil
	}
	return r[len(r)-1]
}

// request sends req and runs the two cycles of a simple exchange: dispatch
// and confirmation. It returns the last response on tx.
func (h *harness) request(rx, tx comstack.PduID, req []byte) []byte {
	h.t.Helper()
	before := len(h.sent[tx])
	h.mustReceive(rx, req)
	h.steps(2)
	if len(h.sent[tx]) == before {
		return nil
	}
	return h.last(tx)
}

// requireFree checks pool conservation and that nothing is left bound.
func (h *harness) requireFree() {
	h.t.Helper()
	s := h.d.PoolStats()
	require.Equal(h.t, s.Capacity, s.Free, "pool not drained: %+v", s)
	require.Zero(h.t, s.Bound)
	for i := range h.d.cfg.Buffers {
		require.True(h.t, h.d.BufferIsFree(i), "buffer %d still locked", i)
	}
}

func (h *harness) detCount(api, errID uint8) int {
	return h.det.Count(det.ModuleDcm, api, errID)
}

type fakeComM struct {
	mu       sync.Mutex
	active   []comstack.NetworkHandle
	inactive []comstack.NetworkHandle
}

func (f *fakeComM) ActiveDiagnostic(ch comstack.NetworkHandle) {
	f.mu.Lock()
	f.active = append(f.active, ch)
	f.mu.Unlock()
}

func (f *fakeComM) InactiveDiagnostic(ch comstack.NetworkHandle) {
	f.mu.Lock()
	f.inactive = append(f.inactive, ch)
	f.mu.Unlock()
}

type fakeHooks struct {
	startErr error
	started  []ProtocolID
	stopped  []ProtocolID
}

func (f *fakeHooks) StartProtocol(p ProtocolID) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, p)
	return nil
}

func (f *fakeHooks) StopProtocol(p ProtocolID) { f.stopped = append(f.stopped, p) }

var errNoBlock = errors.New("no such block")

// fakeNv stores blocks as JSON. A non-nil gate holds every write until it
// is closed.
type fakeNv struct {
	mu       sync.Mutex
	blocks   map[string][]byte
	gate     chan struct{}
	writeErr error
}

func newFakeNv() *fakeNv { return &fakeNv{blocks: make(map[string][]byte)} }

func (f *fakeNv) ReadBlock(id string, v any) error {
	f.mu.Lock()
	b, ok := f.blocks[id]
	f.mu.Unlock()
	if !ok {
		return errNoBlock
	}
	return json.Unmarshal(b, v)
}

func (f *fakeNv) WriteBlock(id string, v any) error {
	if f.gate != nil {
		<-f.gate
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.blocks[id] = b
	f.mu.Unlock()
	return nil
}

func (f *fakeNv) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blocks[id]
	return ok
}

// patternMemory returns byte(addr) for every address.
type patternMemory struct{}

func (patternMemory) Read(addr, size uint32) ([]byte, error) {
	out := make([]byte, size)
	for i := range out {
		out[i] = byte(addr + uint32(i))
	}
	return out, nil
}

type fakeBaud struct {
	checked []uint32
	changed []uint32
	reject  uint32
}

func (f *fakeBaud) CheckBaudrate(_ uint8, bps uint32) error {
	f.checked = append(f.checked, bps)
	if bps == f.reject {
		return errors.New("unsupported baudrate")
	}
	return nil
}

func (f *fakeBaud) ChangeBaudrate(_ uint8, bps uint32) error {
	f.changed = append(f.changed, bps)
	return nil
}

// Pdu ids of DefaultConfig.
const (
	rxTester     comstack.PduID = 0
	rxTesterFunc comstack.PduID = 1
	rxEol        comstack.PduID = 2
	txTester     comstack.PduID = 0
	txEol        comstack.PduID = 1
)

func serviceIndex(cfg *Config, sid byte) int {
	for i := range cfg.Services {
		if cfg.Services[i].SID == sid {
			return i
		}
	}
	panic("service not configured")
}
