package dcm

import (
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/LoveWonYoung/dcm/logrecorder"
	"github.com/LoveWonYoung/dcm/timer"
)

// authContext is the persisted authentication state of one
// authentication-info reference.
type authContext struct {
	Role       uint32     `json:"role"`
	State      AuthState  `json:"state"`
	DeauthRole uint32     `json:"deauth_role"`
	WhiteLists WhiteLists `json:"white_lists"`
}

type pendingOp uint8

const (
	opSetDeauthenticatedRole pendingOp = iota + 1
	opDeauthenticate
	opAuthenticate
)

func (o pendingOp) String() string {
	switch o {
	case opSetDeauthenticatedRole:
		return "set-deauthenticated-role"
	case opDeauthenticate:
		return "deauthenticate"
	case opAuthenticate:
		return "authenticate"
	}
	return fmt.Sprintf("pendingOp(%d)", uint8(o))
}

type pendingChange struct {
	op   pendingOp
	role uint32
	wl   WhiteLists
}

// authMgr is the authentication singleton. pending and slots are updated
// together under mu.
type authMgr struct {
	mu  sync.Mutex
	cfg *AuthConfig

	refOf  []int    // connection -> reference, -1 when not authenticated
	connOf []ConnID // reference -> connection
	ctx    []authContext

	pending timer.Mask
	slots   []pendingChange

	timers    *timer.Bank
	expired   timer.Mask
	idleTicks uint32

	// globalGranted is set while a request matched the service white-list.
	globalGranted bool

	challenges *ttlcache.Cache[ConnID, []byte]
}

func (a *authMgr) init(cfg *Config, idleTicks uint32) {
	a.cfg = &cfg.Authentication
	a.refOf = make([]int, len(cfg.Connections))
	for i, cc := range cfg.Connections {
		a.refOf[i] = -1
		if cc.Authentication {
			a.refOf[i] = len(a.connOf)
			a.connOf = append(a.connOf, ConnID(i))
		}
	}
	a.ctx = make([]authContext, len(a.connOf))
	a.slots = make([]pendingChange, len(a.connOf))
	a.timers = timer.NewBank(len(a.connOf))
	a.idleTicks = idleTicks
	for i := range a.ctx {
		a.ctx[i] = a.defaultContext()
	}
	ttl := a.cfg.ChallengeTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	a.challenges = ttlcache.New[ConnID, []byte](ttlcache.WithTTL[ConnID, []byte](ttl))
}

func (a *authMgr) defaultContext() authContext {
	return authContext{
		Role:       a.cfg.DeauthenticatedRole,
		State:      AuthDeauthenticated,
		DeauthRole: a.cfg.DeauthenticatedRole,
	}
}

func authBlockID(ref int) string { return fmt.Sprintf("dcm.auth.%d", ref) }

// restore loads persisted contexts; unreadable blocks keep the defaults.
func (a *authMgr) restore(nv NvStore, log logrecorder.Logger) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ref := range a.ctx {
		var c authContext
		if err := nv.ReadBlock(authBlockID(ref), &c); err != nil {
			log.Debug("auth ref %d: no persisted context: %s", ref, err)
			continue
		}
		if !a.cfg.Capacity.fits(&c.WhiteLists) {
			log.Warn("auth ref %d: persisted white-lists exceed capacity, reset", ref)
			continue
		}
		a.ctx[ref] = c
	}
}

func (a *authMgr) ref(conn ConnID) int {
	if int(conn) >= len(a.refOf) {
		return -1
	}
	return a.refOf[conn]
}

// connectionActive stops the idle timer of conn. Called with Dcm.mu held.
func (a *authMgr) connectionActive(conn ConnID) {
	if ref := a.ref(conn); ref >= 0 {
		a.timers.Stop(ref)
	}
}

// connectionIdle starts the idle timer of an authenticated conn. Called
// with Dcm.mu held.
func (a *authMgr) connectionIdle(conn ConnID) {
	ref := a.ref(conn)
	if ref < 0 || a.idleTicks == 0 {
		return
	}
	a.mu.Lock()
	authenticated := a.ctx[ref].State == AuthAuthenticated
	a.mu.Unlock()
	if authenticated {
		a.timers.Start(ref, a.idleTicks)
	}
}

// tick advances the idle timers and collects the expired ones.
func (a *authMgr) tick() {
	exp := a.timers.Tick()
	if exp.Empty() {
		return
	}
	a.mu.Lock()
	a.expired |= exp
	a.mu.Unlock()
}

func (a *authMgr) beginRequest() {
	a.mu.Lock()
	a.globalGranted = false
	a.mu.Unlock()
}

func (a *authMgr) endRequest() { a.beginRequest() }

// checkRole is the role gate of diagnostic entities.
func (a *authMgr) checkRole(conn ConnID, mask uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checkRoleLocked(conn, mask)
}

func (a *authMgr) checkRoleLocked(conn ConnID, mask uint32) bool {
	if a.cfg.GlobalBypass || mask == 0 || a.globalGranted {
		return true
	}
	ref := a.ref(conn)
	if ref < 0 {
		return true
	}
	return a.ctx[ref].Role&mask != 0
}

// deauthenticateLocked resets ref to its deauthenticated role.
func (a *authMgr) deauthenticateLocked(ref int) {
	c := &a.ctx[ref]
	c.Role = c.DeauthRole
	c.State = AuthDeauthenticated
	c.WhiteLists = WhiteLists{}
	a.timers.Stop(ref)
}

func (a *authMgr) authenticateLocked(ref int, role uint32, wl WhiteLists) {
	c := &a.ctx[ref]
	c.Role = role
	c.State = AuthAuthenticated
	c.WhiteLists = wl
}

// applyLocked applies one pending change.
func (a *authMgr) applyLocked(ref int, p *pendingChange) {
	switch p.op {
	case opSetDeauthenticatedRole:
		c := &a.ctx[ref]
		c.DeauthRole = p.role
		if c.State == AuthDeauthenticated {
			c.Role = p.role
		}
	case opDeauthenticate:
		a.deauthenticateLocked(ref)
	case opAuthenticate:
		// the worker only applies changes to idle connections
		a.authenticateLocked(ref, p.role, p.wl)
		if a.idleTicks > 0 {
			a.timers.Start(ref, a.idleTicks)
		}
	}
	*p = pendingChange{}
}

// authTask handles idle timer expiry and then the pending setters.
func (d *Dcm) authTask() {
	a := &d.auth
	session := d.state.Session()
	owner, hasOwner := d.state.sessionOwner()

	// Connections with a transport object are busy; their changes wait.
	var busy timer.Mask
	d.mu.Lock()
	for ref, conn := range a.connOf {
		if d.connActiveLocked(conn) {
			busy.Set(ref)
		}
	}
	d.mu.Unlock()

	var changed timer.Mask
	a.mu.Lock()
	expired := a.expired
	a.expired = 0
	expired.ForEach(func(ref int) {
		conn := a.connOf[ref]
		if session != DefaultSession && hasOwner && owner == conn {
			a.timers.Start(ref, a.idleTicks)
			return
		}
		if a.ctx[ref].State == AuthAuthenticated {
			a.deauthenticateLocked(ref)
			changed.Set(ref)
			d.log.Info("conn %d: idle, deauthenticated", conn)
		}
	})

	var applied timer.Mask
	a.pending.ForEach(func(ref int) {
		if busy.Has(ref) {
			return
		}
		d.log.Info("conn %d: apply %s", a.connOf[ref], a.slots[ref].op)
		a.applyLocked(ref, &a.slots[ref])
		applied.Set(ref)
	})
	a.pending &^= applied
	changed |= applied

	var dirty []dirtyContext
	if a.cfg.Persist && d.nv != nil {
		changed.ForEach(func(ref int) {
			dirty = append(dirty, dirtyContext{ref: ref, ctx: a.ctx[ref]})
		})
	}
	a.mu.Unlock()

	d.persistAuth(dirty)
}

type dirtyContext struct {
	ref int
	ctx authContext
}

func (d *Dcm) persistAuth(dirty []dirtyContext) {
	for _, c := range dirty {
		if err := d.nv.WriteBlock(authBlockID(c.ref), c.ctx); err != nil {
			d.log.Error("auth ref %d: persist: %s", c.ref, err)
		}
	}
}

// authenticateNow is used by the Authentication service from task context.
func (d *Dcm) authenticateNow(conn ConnID, role uint32, wl WhiteLists) {
	a := &d.auth
	ref := a.ref(conn)
	if ref < 0 {
		return
	}
	a.mu.Lock()
	a.authenticateLocked(ref, role, wl)
	var dirty []dirtyContext
	if a.cfg.Persist && d.nv != nil {
		dirty = append(dirty, dirtyContext{ref: ref, ctx: a.ctx[ref]})
	}
	a.mu.Unlock()
	d.log.Info("conn %d: authenticated, role 0x%08X", conn, role)
	d.persistAuth(dirty)
}

// deauthenticateNow is the deAuthenticate sub-function.
func (d *Dcm) deauthenticateNow(conn ConnID) {
	a := &d.auth
	ref := a.ref(conn)
	if ref < 0 {
		return
	}
	a.mu.Lock()
	a.deauthenticateLocked(ref)
	var dirty []dirtyContext
	if a.cfg.Persist && d.nv != nil {
		dirty = append(dirty, dirtyContext{ref: ref, ctx: a.ctx[ref]})
	}
	a.mu.Unlock()
	a.challenges.Delete(conn)
	d.log.Info("conn %d: deauthenticated", conn)
	d.persistAuth(dirty)
}
