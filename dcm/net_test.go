package dcm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LoveWonYoung/dcm/comstack"
)

func TestPoolAllocateOrGet(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	d := h.d

	d.mu.Lock()
	a := d.allocateOrGetLocked(0)
	b := d.allocateOrGetLocked(0)
	c := d.allocateOrGetLocked(1)
	d.mu.Unlock()

	require.Same(t, a, b, "one object per connection")
	require.NotSame(t, a, c)
	require.Equal(t, TObjReserved, a.State)

	s := d.PoolStats()
	require.Equal(t, 4, s.Capacity)
	require.Equal(t, 2, s.Free)
	require.Equal(t, 2, s.Bound)
	require.Equal(t, s.Capacity, s.Free+s.Bound)

	d.release(a)
	d.release(a) // already free: no-op
	s = d.PoolStats()
	require.Equal(t, 3, s.Free)
	require.Equal(t, 1, s.Bound)
	require.Equal(t, s.Capacity, s.Free+s.Bound)

	d.release(c)
	h.requireFree()
}

func TestPoolReleaseKeepsBufferCount(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, ret := h.d.StartOfReception(rxTester, &comstack.PduInfo{}, 2)
	require.Equal(t, comstack.BufReqOK, ret)
	require.Equal(t, 1, h.d.BufferUsage(0))

	tobj := &h.d.net.pool[0]
	h.d.release(tobj)
	h.d.release(tobj)
	require.Equal(t, 0, h.d.BufferUsage(0))
	h.requireFree()
}

func TestPoolExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TransportObjects = 1
	h := newHarness(t, cfg)

	_, ret := h.d.StartOfReception(rxTester, &comstack.PduInfo{}, 2)
	require.Equal(t, comstack.BufReqOK, ret)
	_, ret = h.d.StartOfReception(rxEol, &comstack.PduInfo{}, 2)
	require.Equal(t, comstack.BufReqNotOK, ret)

	// a second request on the same connection is refused as well
	_, ret = h.d.StartOfReception(rxTester, &comstack.PduInfo{}, 2)
	require.Equal(t, comstack.BufReqNotOK, ret)
	require.Zero(t, h.detCount(apiStartOfReception, detParam))
}

func TestStartOfReceptionErrors(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	_, ret := h.d.StartOfReception(99, &comstack.PduInfo{}, 2)
	require.Equal(t, comstack.BufReqNotOK, ret)
	require.Equal(t, 1, h.detCount(apiStartOfReception, detParam))

	_, ret = h.d.StartOfReception(rxTester, &comstack.PduInfo{}, 0)
	require.Equal(t, comstack.BufReqNotOK, ret)

	_, ret = h.d.StartOfReception(rxTester, &comstack.PduInfo{}, 5000)
	require.Equal(t, comstack.BufReqOverflow, ret)

	_, ret = h.d.CopyRxData(rxTester, nil)
	require.Equal(t, comstack.BufReqNotOK, ret)
	require.Equal(t, 1, h.detCount(apiCopyRxData, detParamPointer))

	h.d.TpRxIndication(99, comstack.ResultOK)
	require.Equal(t, 1, h.detCount(apiTpRxIndication, detParam))
	h.requireFree()
}

func TestUninitializedReportsDet(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	d := &Dcm{det: h.det}
	d.MainFunction()
	_, ret := d.StartOfReception(0, &comstack.PduInfo{}, 2)
	require.Equal(t, comstack.BufReqNotOK, ret)
	require.Equal(t, 1, h.detCount(apiMainFunction, detUninit))
	require.Equal(t, 1, h.detCount(apiStartOfReception, detUninit))
	require.ErrorIs(t, d.SetDeauthenticatedRole(0, []byte{1, 0, 0, 0}), ErrUninit)
}

func TestRxIndicationFailureReleases(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, ret := h.d.StartOfReception(rxTester, &comstack.PduInfo{Data: []byte{0x3E}}, 2)
	require.Equal(t, comstack.BufReqOK, ret)
	h.d.TpRxIndication(rxTester, comstack.ResultNotOK)
	h.requireFree()

	// incomplete request
	_, ret = h.d.StartOfReception(rxTester, &comstack.PduInfo{Data: []byte{0x3E}}, 2)
	require.Equal(t, comstack.BufReqOK, ret)
	h.d.TpRxIndication(rxTester, comstack.ResultOK)
	h.requireFree()
	h.step()
	require.Empty(t, h.responses(txTester))
}

func TestSharedBufferBusy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Connections[1].Buffer = 0
	h := newHarness(t, cfg)

	_, ret := h.d.StartOfReception(rxTester, &comstack.PduInfo{}, 2)
	require.Equal(t, comstack.BufReqOK, ret)
	require.False(t, h.d.BufferIsFree(0))

	// the second request only gets its head copied
	n, ret := h.d.StartOfReception(rxEol, &comstack.PduInfo{}, 3)
	require.Equal(t, comstack.BufReqOK, ret)
	require.Equal(t, 3, n)
	require.Equal(t, 1, h.d.BufferUsage(0))
	eol, ok := h.d.TransportObjectOf(1)
	require.True(t, ok)
	require.Equal(t, FlagBusy|FlagCopyHead, eol.Flags)
	require.Equal(t, noBuffer, eol.BufIdx)

	_, ret = h.d.CopyRxData(rxEol, &comstack.PduInfo{Data: []byte{0x22, 0xF1, 0x90}})
	require.Equal(t, comstack.BufReqOK, ret)
	h.d.TpRxIndication(rxEol, comstack.ResultOK)
	_, ret = h.d.CopyRxData(rxTester, &comstack.PduInfo{Data: []byte{0x3E, 0x00}})
	require.Equal(t, comstack.BufReqOK, ret)
	h.d.TpRxIndication(rxTester, comstack.ResultOK)

	// the busy request loses although its protocol has the higher priority
	h.step()
	require.Equal(t, [][]byte{{0x7E, 0x00}}, h.responses(txTester))
	require.Equal(t, [][]byte{{0x7F, 0x22, 0x21}}, h.responses(txEol))
	h.step()
	h.requireFree()
}

func TestArbitrationPriority(t *testing.T) {
	hooks := &fakeHooks{}
	h := newHarness(t, DefaultConfig(), WithProtocolHooks(hooks))

	h.mustReceive(rxTester, []byte{0x3E, 0x00}) // priority 5
	h.mustReceive(rxEol, []byte{0x3E, 0x00})    // priority 2
	h.step()

	require.Equal(t, [][]byte{{0x7E, 0x00}}, h.responses(txEol))
	require.Equal(t, [][]byte{{0x7F, 0x3E, 0x21}}, h.responses(txTester))
	proto, ok := h.d.ActiveProtocol()
	require.True(t, ok)
	require.Equal(t, ProtocolID(1), proto)
	require.Equal(t, []ProtocolID{1}, hooks.started)

	h.step()
	h.requireFree()
}

func TestArbitrationTieLowestHandleWins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Protocols[1].Priority = cfg.Protocols[0].Priority
	h := newHarness(t, cfg)

	// eol starts first and gets handle 0
	_, ret := h.d.StartOfReception(rxEol, &comstack.PduInfo{Data: []byte{0x3E, 0x00}}, 2)
	require.Equal(t, comstack.BufReqOK, ret)
	h.mustReceive(rxTester, []byte{0x3E, 0x00})
	h.d.TpRxIndication(rxEol, comstack.ResultOK)

	tobj, _ := h.d.TransportObjectOf(1)
	require.Equal(t, 0, tobj.Handle)

	h.step()
	require.Equal(t, [][]byte{{0x7E, 0x00}}, h.responses(txEol))
	require.Equal(t, [][]byte{{0x7F, 0x3E, 0x21}}, h.responses(txTester))
}

func TestArbitrationDropPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BusyPolicy = BusyDrop
	h := newHarness(t, cfg)

	h.mustReceive(rxTester, []byte{0x3E, 0x00})
	h.mustReceive(rxEol, []byte{0x3E, 0x00})
	h.step()
	require.Equal(t, [][]byte{{0x7E, 0x00}}, h.responses(txEol))
	require.Empty(t, h.responses(txTester))
	_, bound := h.d.TransportObjectOf(0)
	require.False(t, bound)
	h.step()
	h.requireFree()
}

func TestArbitrationFunctionalLoserDropped(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.mustReceive(rxTesterFunc, []byte{0x3E, 0x00})
	h.mustReceive(rxEol, []byte{0x3E, 0x00})
	h.step()
	require.Equal(t, [][]byte{{0x7E, 0x00}}, h.responses(txEol))
	require.Empty(t, h.responses(txTester))
	h.step()
	h.requireFree()
}

func TestProtocolStartVeto(t *testing.T) {
	hooks := &fakeHooks{startErr: NewProtocolStartError("ignition off")}
	h := newHarness(t, DefaultConfig(), WithProtocolHooks(hooks))

	require.Equal(t, []byte{0x7F, 0x3E, 0x22}, h.request(rxTester, txTester, []byte{0x3E, 0x00}))
	_, active := h.d.ActiveProtocol()
	require.False(t, active)
	require.Zero(t, h.detCount(apiInternal, detInterfaceReturnValue))
	h.requireFree()

	// an error that is not a veto is a contract violation of the hook
	hooks.startErr = errors.New("boom")
	require.Equal(t, []byte{0x7F, 0x3E, 0x22}, h.request(rxTester, txTester, []byte{0x3E, 0x00}))
	require.Equal(t, 1, h.detCount(apiInternal, detInterfaceReturnValue))
}

func TestPreemptionByHigherPriority(t *testing.T) {
	hooks := &fakeHooks{}
	h := newHarness(t, DefaultConfig(), WithProtocolHooks(hooks))

	require.Equal(t, []byte{0x50, 0x03, 0x00, 0x32, 0x01, 0xF4},
		h.request(rxTester, txTester, []byte{0x10, 0x03}))
	require.Equal(t, byte(0x03), h.d.Session())

	require.Equal(t, []byte{0x7E, 0x00}, h.request(rxEol, txEol, []byte{0x3E, 0x00}))
	require.Equal(t, DefaultSession, h.d.Session())
	proto, _ := h.d.ActiveProtocol()
	require.Equal(t, ProtocolID(1), proto)
	require.Equal(t, []ProtocolID{0, 1}, hooks.started)
	require.Equal(t, []ProtocolID{0}, hooks.stopped)
	h.requireFree()
}

func TestNoPreemptionByLowerPriority(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	require.Equal(t, []byte{0x50, 0x03, 0x00, 0x32, 0x01, 0xF4},
		h.request(rxEol, txEol, []byte{0x10, 0x03}))
	require.Equal(t, []byte{0x7F, 0x3E, 0x21}, h.request(rxTester, txTester, []byte{0x3E, 0x00}))
	require.Equal(t, byte(0x03), h.d.Session())
	proto, _ := h.d.ActiveProtocol()
	require.Equal(t, ProtocolID(1), proto)

	// in the default session the lower priority protocol may take over
	require.Equal(t, []byte{0x50, 0x01, 0x00, 0x32, 0x01, 0xF4},
		h.request(rxEol, txEol, []byte{0x10, 0x01}))
	require.Equal(t, []byte{0x7E, 0x00}, h.request(rxTester, txTester, []byte{0x3E, 0x00}))
	proto, _ = h.d.ActiveProtocol()
	require.Equal(t, ProtocolID(0), proto)
}

func TestLowerPriorityTakesOverIdleECU(t *testing.T) {
	hooks := &fakeHooks{}
	h := newHarness(t, DefaultConfig(), WithProtocolHooks(hooks))

	// eol (priority 2) owns the dispatcher but left the ECU idle in the default session
	require.Equal(t, []byte{0x7E, 0x00}, h.request(rxEol, txEol, []byte{0x3E, 0x00}))
	require.Equal(t, DefaultSession, h.d.Session())

	require.Equal(t, []byte{0x62, 0xF1, 0x8C, 'S', 'N', '0', '0', '0', '0', '0', '0', '0', '1'},
		h.request(rxTester, txTester, []byte{0x22, 0xF1, 0x8C}))
	proto, ok := h.d.ActiveProtocol()
	require.True(t, ok)
	require.Equal(t, ProtocolID(0), proto)
	require.Equal(t, []ProtocolID{1, 0}, hooks.started)
	require.Equal(t, []ProtocolID{1}, hooks.stopped)
	h.requireFree()
}

func TestComMGate(t *testing.T) {
	comm := &fakeComM{}
	h := newHarness(t, DefaultConfig(), WithComM(comm))

	require.Equal(t, comstack.BufReqNotOK, h.receive(rxTester, []byte{0x3E, 0x00}))

	h.d.FullComModeEntered(0)
	require.Equal(t, ComMRxEnabled|ComMTxEnabled, h.d.ComModeOf(0))
	require.Equal(t, []byte{0x7E, 0x00}, h.request(rxTester, txTester, []byte{0x3E, 0x00}))
	require.Equal(t, []comstack.NetworkHandle{0}, comm.active)
	require.Equal(t, []comstack.NetworkHandle{0}, comm.inactive)

	// silent: requests are received but the response is refused
	h.d.SilentComModeEntered(0)
	require.Nil(t, h.request(rxTester, txTester, []byte{0x10, 0x03}))
	require.Equal(t, DefaultSession, h.d.Session(), "refused response must not switch the session")
	h.requireFree()

	h.d.NoComModeEntered(0)
	require.Equal(t, comstack.BufReqNotOK, h.receive(rxTester, []byte{0x3E, 0x00}))

	h.d.FullComModeEntered(7)
	require.Equal(t, 1, h.detCount(apiComMFullComModeEntered, detParam))
}

func TestReadyIndication(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Connections[0].ReadyIndication = true
	h := newHarness(t, cfg)

	require.Equal(t, comstack.BufReqNotOK, h.receive(rxTester, []byte{0x3E, 0x00}))
	h.d.SetChannelReady(0)
	require.Equal(t, []byte{0x7E, 0x00}, h.request(rxTester, txTester, []byte{0x3E, 0x00}))
}

func TestForeignTesterAddressCancelsReception(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Connections[1].TesterAddress = cfg.Connections[0].TesterAddress
	h := newHarness(t, cfg)

	_, ret := h.d.StartOfReception(rxTester, &comstack.PduInfo{Data: []byte{0x22}}, 3)
	require.Equal(t, comstack.BufReqOK, ret)
	h.mustReceive(rxEol, []byte{0x3E, 0x00})
	require.Equal(t, []comstack.PduID{rxTester}, h.lower.cancelRx)

	tobj, ok := h.d.TransportObjectOf(0)
	require.True(t, ok)
	require.NotZero(t, tobj.Flags&FlagCanceled)

	// the lower layer finishes anyway; the request is dropped
	_, ret = h.d.CopyRxData(rxTester, &comstack.PduInfo{Data: []byte{0xF1, 0x90}})
	require.Equal(t, comstack.BufReqOK, ret)
	h.d.TpRxIndication(rxTester, comstack.ResultOK)
	_, ok = h.d.TransportObjectOf(0)
	require.False(t, ok)

	h.steps(2)
	require.Equal(t, [][]byte{{0x7E, 0x00}}, h.responses(txEol))
	require.Empty(t, h.responses(txTester))
	h.requireFree()
}

func TestForeignCancelFailureMarksObsolete(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Connections[1].TesterAddress = cfg.Connections[0].TesterAddress
	h := newHarness(t, cfg)
	h.lower.cancelErr = errors.New("segmented transfer cannot be aborted")

	_, ret := h.d.StartOfReception(rxTester, &comstack.PduInfo{Data: []byte{0x22}}, 3)
	require.Equal(t, comstack.BufReqOK, ret)
	_, ret = h.d.StartOfReception(rxEol, &comstack.PduInfo{}, 2)
	require.Equal(t, comstack.BufReqOK, ret)

	tobj, _ := h.d.TransportObjectOf(0)
	require.Equal(t, FlagCanceled|FlagObsolete, tobj.Flags)
	h.d.TpRxIndication(rxTester, comstack.ResultOK)
	_, ok := h.d.TransportObjectOf(0)
	require.False(t, ok)
}

func TestFunctionalTesterPresentSuppressed(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, ret := h.d.StartOfReception(rxTesterFunc, &comstack.PduInfo{Data: []byte{0x3E, 0x80}}, 2)
	require.Equal(t, comstack.BufReqNotOK, ret)
	require.True(t, h.d.net.s3Reload)
	h.requireFree()

	// received in several parts it still never reaches the dispatcher
	h.mustReceive(rxTesterFunc, []byte{0x3E, 0x80})
	h.steps(2)
	require.Empty(t, h.responses(txTester))
	h.requireFree()
}

func TestFblFinalResponse(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	res := []byte{0x50, 0x02, 0x00, 0x32, 0x01, 0xF4}
	require.NoError(t, h.d.SendFblFinalResponse(0, res))
	h.transmitAll()
	require.Equal(t, [][]byte{res}, h.responses(txTester))
	h.step()
	h.requireFree()

	require.ErrorIs(t, h.d.SendFblFinalResponse(9, res), ErrNotOK)
	require.Equal(t, 1, h.detCount(apiInternal, detParam))
}

func TestTxConfirmationUnknownPdu(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.d.TpTxConfirmation(42, comstack.ResultOK)
	require.Equal(t, 1, h.detCount(apiTpTxConfirmation, detParam))
	_, ret := h.d.CopyTxData(42, &comstack.PduInfo{Data: make([]byte, 1)})
	require.Equal(t, comstack.BufReqNotOK, ret)
	require.Equal(t, 1, h.detCount(apiCopyTxData, detParam))
}
