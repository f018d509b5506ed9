package dcm

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LoveWonYoung/dcm/comstack"
	"github.com/LoveWonYoung/dcm/keym"
)

var role4 = []byte{0x04, 0x00, 0x00, 0x00}

func TestAuthenticationSetterPending(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	require.NoError(t, h.d.AuthenticateConnection(0, role4, nil))
	require.True(t, h.d.AuthenticationPending(0))
	require.ErrorIs(t, h.d.DeauthenticateConnection(0), ErrIllegalState)
	require.ErrorIs(t, h.d.SetDeauthenticatedRole(0, role4), ErrIllegalState)

	state, err := h.d.GetAuthenticationState(0)
	require.NoError(t, err)
	require.Equal(t, AuthDeauthenticated, state, "nothing applied before the next cycle")

	h.step()
	require.False(t, h.d.AuthenticationPending(0))
	state, _ = h.d.GetAuthenticationState(0)
	require.Equal(t, AuthAuthenticated, state)
	role, _ := h.d.ActiveRole(0)
	require.Equal(t, uint32(0x04), role)
}

func TestAuthenticationSetterErrors(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	require.ErrorIs(t, h.d.SetDeauthenticatedRole(0, nil), ErrNotOK)
	require.Equal(t, 1, h.detCount(apiSetDeauthenticatedRole, detParamPointer))
	require.ErrorIs(t, h.d.SetDeauthenticatedRole(0, []byte{1, 2}), ErrNotOK)
	require.Equal(t, 1, h.detCount(apiSetDeauthenticatedRole, detParamValue))

	// eol has no authentication
	require.ErrorIs(t, h.d.SetDeauthenticatedRole(1, role4), ErrNotOK)
	require.Equal(t, 1, h.detCount(apiSetDeauthenticatedRole, detParam))
	_, err := h.d.GetAuthenticationState(1)
	require.ErrorIs(t, err, ErrNotOK)

	require.ErrorIs(t, h.d.AuthenticateConnection(0, []byte{0, 0, 0, 0}, nil), ErrNotOK)
	require.Equal(t, 1, h.detCount(apiAuthenticateConnection, detParamValue))

	wl := &WhiteLists{Memory: []uint8{1, 2, 3, 4, 5}}
	require.ErrorIs(t, h.d.AuthenticateConnection(0, role4, wl), ErrNotOK)
	require.Equal(t, 2, h.detCount(apiAuthenticateConnection, detParamValue))
	require.False(t, h.d.AuthenticationPending(0))
}

func TestCheckRole(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.True(t, h.d.CheckRole(0, 0), "unprotected")
	require.False(t, h.d.CheckRole(0, 0x04))
	require.True(t, h.d.CheckRole(1, 0x04), "connection without authentication")

	h.d.authenticateNow(0, 0x02, WhiteLists{})
	require.True(t, h.d.CheckRole(0, 0x06))
	require.False(t, h.d.CheckRole(0, 0x04))

	cfg := DefaultConfig()
	cfg.Authentication.GlobalBypass = true
	h = newHarness(t, cfg)
	require.True(t, h.d.CheckRole(0, 0x04))
}

func TestWhiteListFallback(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.d.authenticateNow(0, 0x01, WhiteLists{
		Dids:   []DidEntry{{ID: 0x1234, Mask: AccessRead}},
		Rids:   []RidEntry{{ID: 0x0203, Mask: 0x01}},
		Memory: []uint8{0x01},
	})

	require.False(t, h.d.CheckRole(0, 0x04))
	require.Equal(t, PositiveResponse, h.d.CheckDid(0, 0x1234, AccessRead))
	require.Equal(t, NRCAuthenticationRequired, h.d.CheckDid(0, 0x1234, AccessWrite))
	require.Equal(t, PositiveResponse, h.d.CheckDid(0, 0xF190, AccessRead), "unprotected")
	require.Equal(t, NRCRequestOutOfRange, h.d.CheckDid(0, 0xF190, AccessWrite), "read-only")
	require.Equal(t, NRCRequestOutOfRange, h.d.CheckDid(0, 0xF199, AccessRead), "unknown")
	require.Equal(t, NRCAuthenticationRequired, h.d.CheckDid(0, 0x1234, AccessRead|AccessWrite))

	require.Equal(t, []byte{0x62, 0x12, 0x34, 0, 0, 0, 0}, h.request(rxTester, txTester, []byte{0x22, 0x12, 0x34}))

	h.d.deauthenticateNow(0)
	require.Equal(t, NRCAuthenticationRequired, h.d.CheckDid(0, 0x1234, AccessRead))
}

func TestWhiteListRidAndMemory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Routines[1].Roles = 0x04
	cfg.Memory[0].Roles = 0x04
	h := newHarness(t, cfg)
	h.d.authenticateNow(0, 0x01, WhiteLists{
		Rids:   []RidEntry{{ID: 0x0203, Mask: 0x01}},
		Memory: []uint8{0x00},
	})

	require.Equal(t, PositiveResponse, h.d.CheckRid(0, 0x0203, 0x01))
	require.Equal(t, NRCAuthenticationRequired, h.d.CheckRid(0, 0x0203, 0x03))
	require.Equal(t, PositiveResponse, h.d.CheckMemory(0, 0x00))

	h.d.authenticateNow(0, 0x01, WhiteLists{})
	require.Equal(t, NRCAuthenticationRequired, h.d.CheckRid(0, 0x0203, 0x01))
	require.Equal(t, NRCAuthenticationRequired, h.d.CheckMemory(0, 0x00))
}

func TestServiceWhiteListGrantsRequest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Services[serviceIndex(&cfg, 0x22)].Roles = 0x08
	h := newHarness(t, cfg)

	require.Equal(t, []byte{0x7F, 0x22, 0x34}, h.request(rxTester, txTester, []byte{0x22, 0xF1, 0x90}))

	h.d.authenticateNow(0, 0x01, WhiteLists{Services: [][]byte{{0x22, 0x12}}})
	// the prefix match also opens the DID check of the same request
	require.Equal(t, []byte{0x62, 0x12, 0x34, 0, 0, 0, 0}, h.request(rxTester, txTester, []byte{0x22, 0x12, 0x34}))
	require.Equal(t, []byte{0x7F, 0x22, 0x34}, h.request(rxTester, txTester, []byte{0x22, 0xF1, 0x90}))
	require.False(t, h.d.CheckRole(0, 0x04), "the grant ends with the request")
}

func TestRoleGatedRead(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.Equal(t, []byte{0x7F, 0x22, 0x34}, h.request(rxTester, txTester, []byte{0x22, 0x12, 0x34}))

	require.NoError(t, h.d.AuthenticateConnection(0, role4, nil))
	h.step()
	require.Equal(t, []byte{0x62, 0x12, 0x34, 0, 0, 0, 0}, h.request(rxTester, txTester, []byte{0x22, 0x12, 0x34}))
}

func TestAuthenticationIdleTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Authentication.IdleTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)

	require.NoError(t, h.d.AuthenticateConnection(0, role4, nil))
	h.step()
	h.steps(4)
	state, _ := h.d.GetAuthenticationState(0)
	require.Equal(t, AuthAuthenticated, state)

	h.step()
	state, _ = h.d.GetAuthenticationState(0)
	require.Equal(t, AuthDeauthenticated, state)
	role, _ := h.d.ActiveRole(0)
	require.Zero(t, role)
}

func TestAuthenticationIdleOwnerOfSession(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Authentication.IdleTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.request(rxTester, txTester, []byte{0x10, 0x03})

	require.NoError(t, h.d.AuthenticateConnection(0, role4, nil))
	h.steps(20)
	state, _ := h.d.GetAuthenticationState(0)
	require.Equal(t, AuthAuthenticated, state, "owner of a non-default session keeps its authentication")

	h.request(rxTester, txTester, []byte{0x10, 0x01})
	h.steps(5)
	state, _ = h.d.GetAuthenticationState(0)
	require.Equal(t, AuthDeauthenticated, state)
}

func TestAuthenticationWaitsForIdleConnection(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, ret := h.d.StartOfReception(rxTester, &comstack.PduInfo{}, 2)
	require.Equal(t, comstack.BufReqOK, ret)

	require.NoError(t, h.d.AuthenticateConnection(0, role4, nil))
	h.steps(3)
	require.True(t, h.d.AuthenticationPending(0), "busy connection")

	h.d.TpRxIndication(rxTester, comstack.ResultNotOK)
	h.step()
	require.False(t, h.d.AuthenticationPending(0))
	state, _ := h.d.GetAuthenticationState(0)
	require.Equal(t, AuthAuthenticated, state)
	h.requireFree()
}

func TestDeauthenticatedRole(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.NoError(t, h.d.SetDeauthenticatedRole(0, []byte{0x01, 0x02, 0x03, 0x04}))
	h.step()
	role, _ := h.d.ActiveRole(0)
	require.Equal(t, uint32(0x04030201), role)
	state, _ := h.d.GetAuthenticationState(0)
	require.Equal(t, AuthDeauthenticated, state)

	// an authenticated connection keeps its role until it falls back
	require.NoError(t, h.d.AuthenticateConnection(0, role4, nil))
	h.step()
	require.NoError(t, h.d.SetDeauthenticatedRole(0, []byte{0x08, 0, 0, 0}))
	h.step()
	role, _ = h.d.ActiveRole(0)
	require.Equal(t, uint32(0x04), role)

	require.NoError(t, h.d.DeauthenticateConnection(0))
	h.step()
	role, _ = h.d.ActiveRole(0)
	require.Equal(t, uint32(0x08), role)
}

func TestDeauthenticateClearsWhiteLists(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.NoError(t, h.d.AuthenticateConnection(0, []byte{0x01, 0, 0, 0}, &WhiteLists{
		Dids: []DidEntry{{ID: 0x1234, Mask: AccessRead}},
	}))
	h.step()
	require.Equal(t, PositiveResponse, h.d.CheckDid(0, 0x1234, AccessRead))

	require.NoError(t, h.d.DeauthenticateConnection(0))
	h.step()
	require.Equal(t, NRCAuthenticationRequired, h.d.CheckDid(0, 0x1234, AccessRead))
}

func TestAuthenticationPersisted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Authentication.Persist = true
	nv := newFakeNv()
	h := newHarness(t, cfg, WithNvStore(nv))

	require.NoError(t, h.d.AuthenticateConnection(0, role4, &WhiteLists{Memory: []uint8{0x01}}))
	h.step()
	require.True(t, nv.has("dcm.auth.0"))

	h2 := newHarness(t, cfg, WithNvStore(nv))
	state, _ := h2.d.GetAuthenticationState(0)
	require.Equal(t, AuthAuthenticated, state)
	role, _ := h2.d.ActiveRole(0)
	require.Equal(t, uint32(0x04), role)
	require.Equal(t, PositiveResponse, h2.d.CheckMemory(0, 0x01))
}

// lp prefixes b with its 2 byte length.
func lp(b []byte) []byte {
	out := binary.BigEndian.AppendUint16(nil, uint16(len(b)))
	return append(out, b...)
}

func certificateHarness(t *testing.T) (*harness, *keym.Manager, []byte) {
	t.Helper()
	km, err := keym.New([]byte("0123456789abcdef"))
	require.NoError(t, err)
	cert, err := km.Issue(keym.Certificate{
		Serial:  1,
		Subject: "tester",
		Elements: []keym.Element{
			{Kind: keym.ElementRole, Value: []byte{0x00, 0x00, 0x00, 0x04}},
			{Kind: keym.ElementDidWhiteList, Value: []byte{0xF1, 0x90, 0x01}},
		},
	})
	require.NoError(t, err)
	return newHarness(t, DefaultConfig(), WithCertificateManager(km)), km, cert
}

func verifyCertificateRequest(cert []byte) []byte {
	req := append([]byte{0x29, 0x01, 0x00}, lp(cert)...)
	return append(req, lp(nil)...)
}

func TestAuthenticationService(t *testing.T) {
	h, km, cert := certificateHarness(t)

	res := h.request(rxTester, txTester, verifyCertificateRequest(cert))
	challenge := make([]byte, 16)
	for i := range challenge {
		challenge[i] = 0xA5
	}
	want := append([]byte{0x69, 0x01, 0x11, 0x00, 0x10}, challenge...)
	require.Equal(t, append(want, 0x00, 0x00), res)

	key, err := km.ClientKey("tester")
	require.NoError(t, err)
	proof, err := keym.Prove(key, challenge)
	require.NoError(t, err)
	req := append([]byte{0x29, 0x03}, lp(proof)...)
	req = append(req, lp(nil)...)
	require.Equal(t, []byte{0x69, 0x03, 0x12, 0x00, 0x00}, h.request(rxTester, txTester, req))

	state, _ := h.d.GetAuthenticationState(0)
	require.Equal(t, AuthAuthenticated, state)
	require.Equal(t, PositiveResponse, h.d.CheckDid(0, 0xF190, AccessRead))
	require.Equal(t, []byte{0x62, 0x12, 0x34, 0, 0, 0, 0}, h.request(rxTester, txTester, []byte{0x22, 0x12, 0x34}))

	require.Equal(t, []byte{0x69, 0x08, 0x02}, h.request(rxTester, txTester, []byte{0x29, 0x08}))
	require.Equal(t, []byte{0x69, 0x00, 0x10}, h.request(rxTester, txTester, []byte{0x29, 0x00}))
	state, _ = h.d.GetAuthenticationState(0)
	require.Equal(t, AuthDeauthenticated, state)
	require.Equal(t, []byte{0x7F, 0x22, 0x34}, h.request(rxTester, txTester, []byte{0x22, 0x12, 0x34}))
}

func TestAuthenticationServiceRejects(t *testing.T) {
	h, _, cert := certificateHarness(t)

	wrongProof := append([]byte{0x29, 0x03}, lp(make([]byte, 16))...)
	wrongProof = append(wrongProof, lp(nil)...)
	require.Equal(t, []byte{0x7F, 0x29, 0x24}, h.request(rxTester, txTester, wrongProof), "no challenge yet")

	h.request(rxTester, txTester, verifyCertificateRequest(cert))
	require.Equal(t, []byte{0x7F, 0x29, 0x58}, h.request(rxTester, txTester, wrongProof))
	require.Equal(t, []byte{0x7F, 0x29, 0x24}, h.request(rxTester, txTester, wrongProof), "challenge is used up")

	tampered := append([]byte(nil), cert...)
	tampered[len(tampered)-1] ^= 0xFF
	require.Equal(t, []byte{0x7F, 0x29, 0x51}, h.request(rxTester, txTester, verifyCertificateRequest(tampered)))
	require.Equal(t, []byte{0x7F, 0x29, 0x54}, h.request(rxTester, txTester, verifyCertificateRequest([]byte{0x01, 0x02})))
	require.Equal(t, []byte{0x7F, 0x29, 0x13}, h.request(rxTester, txTester, []byte{0x29, 0x01, 0x00, 0x00}))

	state, _ := h.d.GetAuthenticationState(0)
	require.Equal(t, AuthDeauthenticated, state)
}

func TestAuthenticationServiceWithoutManager(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.Equal(t, []byte{0x69, 0x08, 0x02}, h.request(rxTester, txTester, []byte{0x29, 0x08}))
	require.Equal(t, []byte{0x7F, 0x29, 0x22}, h.request(rxTester, txTester, []byte{0x29, 0x00}))
	// eol has no authentication
	require.Equal(t, []byte{0x7F, 0x29, 0x22}, h.request(rxEol, txEol, []byte{0x29, 0x00}))
}
