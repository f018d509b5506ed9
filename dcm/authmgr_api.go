package dcm

import (
	"encoding/binary"
	"fmt"
)

// authRequest validates conn for a setter and returns its reference.
func (d *Dcm) authRequest(api uint8, conn ConnID) (int, error) {
	if !d.initialized.Load() {
		d.det.Report(detModule, api, detUninit)
		return -1, ErrUninit
	}
	ref := d.auth.ref(conn)
	if ref < 0 {
		d.det.Report(detModule, api, detParam)
		return -1, fmt.Errorf("conn %d has no authentication: %w", conn, ErrNotOK)
	}
	return ref, nil
}

// submit stores p as the pending change of ref. It fails with
// ErrIllegalState while another change is pending.
func (d *Dcm) submit(ref int, p pendingChange) error {
	a := &d.auth
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending.Has(ref) {
		return ErrIllegalState
	}
	a.slots[ref] = p
	a.pending.Set(ref)
	return nil
}

// roleFromBytes reassembles a little-endian role.
func roleFromBytes(role []byte) uint32 {
	return binary.LittleEndian.Uint32(role)
}

// SetDeauthenticatedRole sets the role conn falls back to when it is not
// authenticated. role is 4 bytes, little-endian. The change is applied by
// the next MainFunction in which conn is not busy.
func (d *Dcm) SetDeauthenticatedRole(conn ConnID, role []byte) error {
	ref, err := d.authRequest(apiSetDeauthenticatedRole, conn)
	if err != nil {
		return err
	}
	if role == nil {
		d.det.Report(detModule, apiSetDeauthenticatedRole, detParamPointer)
		return ErrNotOK
	}
	if len(role) != 4 {
		d.det.Report(detModule, apiSetDeauthenticatedRole, detParamValue)
		return ErrNotOK
	}
	return d.submit(ref, pendingChange{op: opSetDeauthenticatedRole, role: roleFromBytes(role)})
}

// DeauthenticateConnection requests deauthentication of conn.
func (d *Dcm) DeauthenticateConnection(conn ConnID) error {
	ref, err := d.authRequest(apiDeauthenticateConnection, conn)
	if err != nil {
		return err
	}
	return d.submit(ref, pendingChange{op: opDeauthenticate})
}

// AuthenticateConnection requests authentication of conn with role (4
// bytes, little-endian, non-zero) and optional white-lists.
func (d *Dcm) AuthenticateConnection(conn ConnID, role []byte, wl *WhiteLists) error {
	ref, err := d.authRequest(apiAuthenticateConnection, conn)
	if err != nil {
		return err
	}
	if role == nil {
		d.det.Report(detModule, apiAuthenticateConnection, detParamPointer)
		return ErrNotOK
	}
	if len(role) != 4 || roleFromBytes(role) == 0 {
		d.det.Report(detModule, apiAuthenticateConnection, detParamValue)
		return ErrNotOK
	}
	p := pendingChange{op: opAuthenticate, role: roleFromBytes(role)}
	if wl != nil {
		if !d.cfg.Authentication.Capacity.fits(wl) {
			d.det.Report(detModule, apiAuthenticateConnection, detParamValue)
			return fmt.Errorf("conn %d: %w: %w", conn, errWhiteListCapacity, ErrNotOK)
		}
		p.wl = wl.clone()
	}
	return d.submit(ref, p)
}

// GetAuthenticationState returns the authentication state of conn.
func (d *Dcm) GetAuthenticationState(conn ConnID) (AuthState, error) {
	ref := d.auth.ref(conn)
	if ref < 0 {
		return AuthDeauthenticated, ErrNotOK
	}
	d.auth.mu.Lock()
	defer d.auth.mu.Unlock()
	return d.auth.ctx[ref].State, nil
}

// ActiveRole returns the role currently granted to conn.
func (d *Dcm) ActiveRole(conn ConnID) (uint32, error) {
	ref := d.auth.ref(conn)
	if ref < 0 {
		return 0, ErrNotOK
	}
	d.auth.mu.Lock()
	defer d.auth.mu.Unlock()
	return d.auth.ctx[ref].Role, nil
}

// AuthenticationPending reports whether a change waits for conn.
func (d *Dcm) AuthenticationPending(conn ConnID) bool {
	ref := d.auth.ref(conn)
	if ref < 0 {
		return false
	}
	d.auth.mu.Lock()
	defer d.auth.mu.Unlock()
	return d.auth.pending.Has(ref)
}

// CheckRole reports whether conn may access an entity protected by mask.
func (d *Dcm) CheckRole(conn ConnID, mask uint32) bool {
	return d.auth.checkRole(conn, mask)
}

// CheckDid checks access of conn to operation op on did, falling back to
// the DID white-list. An unknown DID, or an operation the DID does not
// configure, is NRCRequestOutOfRange.
func (d *Dcm) CheckDid(conn ConnID, did uint16, op AccessMask) NRC {
	dc := d.cfg.did(did)
	if dc == nil || op == 0 {
		return NRCRequestOutOfRange
	}
	for _, o := range []struct {
		bit  AccessMask
		cond *Precondition
	}{{AccessRead, dc.Read}, {AccessWrite, dc.Write}} {
		if op&o.bit == 0 {
			continue
		}
		if o.cond == nil {
			return NRCRequestOutOfRange
		}
		if nrc := d.auth.checkDid(conn, did, o.bit, o.cond.Roles); nrc != PositiveResponse {
			return nrc
		}
	}
	return PositiveResponse
}

// CheckRid checks access of conn to RoutineControl sub-function sf on rid.
func (d *Dcm) CheckRid(conn ConnID, rid uint16, sf byte) NRC {
	var mask uint32
	if rc := d.cfg.routine(rid); rc != nil {
		mask = rc.Roles
	}
	return d.auth.checkRid(conn, rid, sf, mask)
}

// CheckMemory checks access of conn to the memory range with selector sel.
func (d *Dcm) CheckMemory(conn ConnID, sel uint8) NRC {
	var mask uint32
	for i := range d.cfg.Memory {
		if d.cfg.Memory[i].ID == sel {
			mask = d.cfg.Memory[i].Roles
		}
	}
	return d.auth.checkMemory(conn, sel, mask)
}
