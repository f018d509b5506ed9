package dcm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LoveWonYoung/dcm/keym"
)

// unlock runs requestSeed/sendKey for level 1 with the configured key.
func unlock(t *testing.T, h *harness) {
	t.Helper()
	res := h.request(rxTester, txTester, []byte{0x27, 0x01})
	require.Equal(t, []byte{0x67, 0x01, 0xA5, 0xA5, 0xA5, 0xA5}, res)
	key, err := keym.SecurityResponse(h.d.cfg.SecurityLevels[0].Key, res[2:], 4)
	require.NoError(t, err)
	require.Equal(t, []byte{0x67, 0x02}, h.request(rxTester, txTester, append([]byte{0x27, 0x02}, key...)))
}

func TestSecurityAccess(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.Equal(t, []byte{0x7F, 0x27, 0x7F}, h.request(rxTester, txTester, []byte{0x27, 0x01}))

	h.request(rxTester, txTester, []byte{0x10, 0x03})
	require.Equal(t, []byte{0x7F, 0x27, 0x24}, h.request(rxTester, txTester, []byte{0x27, 0x02, 0, 0, 0, 0}))

	unlock(t, h)
	require.Equal(t, byte(0x01), h.d.SecurityLevel())

	// an unlocked level answers with a zero seed that cannot be used
	require.Equal(t, []byte{0x67, 0x01, 0, 0, 0, 0}, h.request(rxTester, txTester, []byte{0x27, 0x01}))
	require.Equal(t, []byte{0x7F, 0x27, 0x24}, h.request(rxTester, txTester, []byte{0x27, 0x02, 0, 0, 0, 0}))
}

func TestSecurityAccessKeyLength(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.request(rxTester, txTester, []byte{0x10, 0x03})
	h.request(rxTester, txTester, []byte{0x27, 0x01})
	require.Equal(t, []byte{0x7F, 0x27, 0x13}, h.request(rxTester, txTester, []byte{0x27, 0x02, 0, 0}))
	// the seed is used up
	require.Equal(t, []byte{0x7F, 0x27, 0x24}, h.request(rxTester, txTester, []byte{0x27, 0x02, 0, 0, 0, 0}))
}

func TestSecurityAccessAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SecurityLevels[0].Delay = 100 * time.Millisecond
	h := newHarness(t, cfg)
	h.request(rxTester, txTester, []byte{0x10, 0x03})

	wrong := []byte{0x27, 0x02, 0, 0, 0, 0}
	for _, want := range []NRC{NRCInvalidKey, NRCInvalidKey, NRCExceedNumberOfAttempts} {
		h.request(rxTester, txTester, []byte{0x27, 0x01})
		require.Equal(t, []byte{0x7F, 0x27, byte(want)}, h.request(rxTester, txTester, wrong))
	}
	require.Equal(t, []byte{0x7F, 0x27, 0x37}, h.request(rxTester, txTester, []byte{0x27, 0x01}))

	h.steps(12)
	unlock(t, h)
}

func TestSecurityAccessKeyProvider(t *testing.T) {
	master := []byte("0123456789abcdef")
	km, err := keym.New(master)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.SecurityLevels[0].Key = nil
	h := newHarness(t, cfg, WithKeyProvider(km))
	h.request(rxTester, txTester, []byte{0x10, 0x03})

	res := h.request(rxTester, txTester, []byte{0x27, 0x01})
	secret, err := km.SecurityKey(0x01)
	require.NoError(t, err)
	key, err := keym.SecurityResponse(secret, res[2:], 4)
	require.NoError(t, err)
	require.Equal(t, []byte{0x67, 0x02}, h.request(rxTester, txTester, append([]byte{0x27, 0x02}, key...)))
}

func TestSecurityAccessWithoutKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SecurityLevels[0].Key = nil
	h := newHarness(t, cfg)
	h.request(rxTester, txTester, []byte{0x10, 0x03})
	h.request(rxTester, txTester, []byte{0x27, 0x01})
	require.Equal(t, []byte{0x7F, 0x27, 0x22}, h.request(rxTester, txTester, []byte{0x27, 0x02, 1, 2, 3, 4}))
	require.Equal(t, 1, h.detCount(apiInternal, detInterfaceReturnValue))
}

func TestStateChecks(t *testing.T) {
	cfg := DefaultConfig()
	var s stateUnit
	s.init(&cfg)

	ok1, ok2 := s.check(&Precondition{})
	require.True(t, ok1)
	require.True(t, ok2)

	ok1, ok2 = s.check(&Precondition{Sessions: []byte{0x03}, Security: []byte{0x01}})
	require.False(t, ok1)
	require.False(t, ok2)

	s.setSession(0x03, 0)
	s.level = 0x01
	ok1, ok2 = s.check(&Precondition{Sessions: []byte{0x03}, Security: []byte{0x01}})
	require.True(t, ok1)
	require.True(t, ok2)
	owner, has := s.sessionOwner()
	require.True(t, has)
	require.Equal(t, ConnID(0), owner)

	s.setSession(DefaultSession, 0)
	require.Zero(t, s.securityLevel())
	_, has = s.sessionOwner()
	require.False(t, has)
}
