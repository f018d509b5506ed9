package dcm

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/LoveWonYoung/dcm/keym"
)

const defaultSeedTTL = 10 * time.Second

// stateUnit holds session and security state. Its own lock lets handlers
// and other goroutines query it while the task runs.
type stateUnit struct {
	mu       sync.Mutex
	cfg      *Config
	session  byte
	owner    ConnID
	hasOwner bool
	level    byte // unlocked security level, 0 when locked
	attempts []int
	delayed  []bool
	seeds    *ttlcache.Cache[byte, []byte]
}

func (s *stateUnit) init(cfg *Config) {
	s.cfg = cfg
	s.session = DefaultSession
	s.attempts = make([]int, len(cfg.SecurityLevels))
	s.delayed = make([]bool, len(cfg.SecurityLevels))
	s.seeds = ttlcache.New[byte, []byte](ttlcache.WithTTL[byte, []byte](defaultSeedTTL))
}

// Session returns the active session.
func (s *stateUnit) Session() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *stateUnit) securityLevel() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

func (s *stateUnit) sessionOwner() (ConnID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner, s.hasOwner
}

// setSession switches the session; any session change locks security.
func (s *stateUnit) setSession(session byte, conn ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	s.owner, s.hasOwner = conn, session != DefaultSession
	s.level = 0
	s.seeds.DeleteAll()
}

// isSupportedInSession reports whether the active session is in sessions.
// An empty list allows every session.
func (s *stateUnit) isSupportedInSession(sessions []byte) bool {
	if len(sessions) == 0 {
		return true
	}
	return bytes.IndexByte(sessions, s.Session()) >= 0
}

// isSupportedInSecurity reports whether the unlocked level is in levels.
func (s *stateUnit) isSupportedInSecurity(levels []byte) bool {
	if len(levels) == 0 {
		return true
	}
	lvl := s.securityLevel()
	return lvl != 0 && bytes.IndexByte(levels, lvl) >= 0
}

// check evaluates the session and security parts of p.
func (s *stateUnit) check(p *Precondition) (sessionOK, securityOK bool) {
	return s.isSupportedInSession(p.Sessions), s.isSupportedInSecurity(p.Security)
}

func (s *stateUnit) delayExpired(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delayed[idx] = false
}

// Session returns the active diagnostic session.
func (d *Dcm) Session() byte { return d.state.Session() }

// SecurityLevel returns the unlocked security level, 0 when locked.
func (d *Dcm) SecurityLevel() byte { return d.state.securityLevel() }

func (d *Dcm) isSupportedInProtocol(e *serviceEntry, conn ConnID) bool {
	if len(e.cfg.Protocols) == 0 {
		return true
	}
	proto := d.cfg.Connections[conn].Protocol
	for _, p := range e.cfg.Protocols {
		if p == proto {
			return true
		}
	}
	return false
}

// stateSetSession changes the session and restarts the session timers.
func (d *Dcm) stateSetSession(session byte, conn ConnID) {
	old := d.state.Session()
	d.state.setSession(session, conn)
	d.link = linkState{}
	if session == DefaultSession {
		d.timers.Stop(timerS3)
	}
	if old != session {
		d.log.Info("session 0x%02X -> 0x%02X (conn %d)", old, session, conn)
	}
}

// stateResetToDefault is the return-to-default-session event.
func (d *Dcm) stateResetToDefault() {
	d.stateSetSession(DefaultSession, 0)
}

// securityKey returns the CMAC key of level.
func (d *Dcm) securityKey(level byte, lc *SecurityLevelConfig) ([]byte, error) {
	if d.keys != nil {
		return d.keys.SecurityKey(level)
	}
	if len(lc.Key) == 0 {
		return nil, ErrNotOK
	}
	return lc.Key, nil
}

// requestSeed implements SecurityAccess requestSeed for level.
func (d *Dcm) requestSeed(level byte, msg *MsgContext) NRC {
	idx, lc := d.cfg.securityLevel(level)
	if lc == nil {
		return NRCSubFunctionNotSupported
	}
	st := &d.state
	st.mu.Lock()
	delayed, unlocked := st.delayed[idx], st.level == level
	st.mu.Unlock()

	if delayed {
		return NRCRequiredTimeDelayNotExpired
	}
	if unlocked {
		msg.Append(level)
		msg.Append(make([]byte, lc.SeedSize)...)
		return PositiveResponse
	}
	seed := make([]byte, lc.SeedSize)
	if _, err := io.ReadFull(d.rand, seed); err != nil {
		d.log.Error("seed generation: %s", err)
		return NRCConditionsNotCorrect
	}
	ttl := lc.SeedTTL
	if ttl <= 0 {
		ttl = ttlcache.DefaultTTL
	}
	st.seeds.Set(level, seed, ttl)
	msg.Append(level)
	msg.Append(seed...)
	return PositiveResponse
}

// sendKey implements SecurityAccess sendKey for the level requested with
// sub-function sf-1.
func (d *Dcm) sendKey(sf byte, key []byte, msg *MsgContext) NRC {
	level := sf - 1
	idx, lc := d.cfg.securityLevel(level)
	if lc == nil {
		return NRCSubFunctionNotSupported
	}
	st := &d.state
	item := st.seeds.Get(level)
	if item == nil {
		return NRCRequestSequenceError
	}
	st.seeds.Delete(level)
	if len(key) != lc.KeySize {
		return NRCIncorrectMessageLength
	}

	secret, err := d.securityKey(level, lc)
	if err != nil {
		d.det.Report(detModule, apiInternal, detInterfaceReturnValue)
		return NRCConditionsNotCorrect
	}
	want, err := keym.SecurityResponse(secret, item.Value(), lc.KeySize)
	if err != nil {
		d.det.Report(detModule, apiInternal, detInterfaceReturnValue)
		return NRCGeneralReject
	}

	st.mu.Lock()
	if !bytes.Equal(want, key) {
		st.attempts[idx]++
		if lc.Attempts > 0 && st.attempts[idx] >= lc.Attempts {
			st.attempts[idx] = 0
			st.delayed[idx] = true
			st.mu.Unlock()
			d.timers.Start(timerSecDelay+idx, d.ticks(lc.Delay))
			d.log.Warn("security level 0x%02X: attempts exceeded, delay %s", level, lc.Delay)
			return NRCExceedNumberOfAttempts
		}
		st.mu.Unlock()
		return NRCInvalidKey
	}
	st.attempts[idx] = 0
	st.level = level
	st.mu.Unlock()

	d.log.Info("security level 0x%02X unlocked", level)
	msg.Append(sf)
	return PositiveResponse
}
