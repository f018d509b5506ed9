package dcm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/LoveWonYoung/dcm/keym"
)

// DidEntry grants the operations in Mask on one DID.
type DidEntry struct {
	ID   uint16     `json:"id"`
	Mask AccessMask `json:"mask"`
}

// RidEntry grants the RoutineControl sub-functions in Mask (bit 0 start,
// bit 1 stop, bit 2 results) on one RID.
type RidEntry struct {
	ID   uint16 `json:"id"`
	Mask uint8  `json:"mask"`
}

// WhiteLists are the access grants of an authenticated connection on top
// of its role.
type WhiteLists struct {
	// Services holds request prefixes: SID followed by leading bytes.
	Services [][]byte   `json:"services,omitempty"`
	Dids     []DidEntry `json:"dids,omitempty"`
	Rids     []RidEntry `json:"rids,omitempty"`
	// Memory holds memory selectors.
	Memory []uint8 `json:"memory,omitempty"`
}

func (c WhiteListCapacity) fits(wl *WhiteLists) bool {
	return len(wl.Services) <= c.Services && len(wl.Dids) <= c.Dids &&
		len(wl.Rids) <= c.Rids && len(wl.Memory) <= c.Memory
}

func (wl *WhiteLists) clone() WhiteLists {
	out := WhiteLists{
		Dids:   append([]DidEntry(nil), wl.Dids...),
		Rids:   append([]RidEntry(nil), wl.Rids...),
		Memory: append([]uint8(nil), wl.Memory...),
	}
	for _, s := range wl.Services {
		out.Services = append(out.Services, append([]byte(nil), s...))
	}
	return out
}

func (wl *WhiteLists) matchService(req []byte) bool {
	for _, e := range wl.Services {
		if len(e) > 0 && bytes.HasPrefix(req, e) {
			return true
		}
	}
	return false
}

func (wl *WhiteLists) matchDid(did uint16, op AccessMask) bool {
	for _, e := range wl.Dids {
		if e.ID == did && e.Mask&op == op {
			return true
		}
	}
	return false
}

func (wl *WhiteLists) matchRid(rid uint16, sf byte) bool {
	op := routineOpMask(sf)
	for _, e := range wl.Rids {
		if e.ID == rid && op != 0 && e.Mask&op != 0 {
			return true
		}
	}
	return false
}

func (wl *WhiteLists) matchMemory(sel uint8) bool {
	return bytes.IndexByte(wl.Memory, sel) >= 0
}

// checkService is the role gate of a service. A request matching the
// service white-list is granted for all further checks of the request.
func (a *authMgr) checkService(conn ConnID, mask uint32, req []byte) NRC {
	a.mu.Lock()
	defer a.mu.Unlock()
	ok := a.checkRoleLocked(conn, mask)
	if ok && (mask == 0 || a.cfg.GlobalBypass) {
		if ref := a.ref(conn); ref >= 0 && a.ctx[ref].WhiteLists.matchService(req) {
			a.globalGranted = true
		}
		return PositiveResponse
	}
	if ok {
		return PositiveResponse
	}
	ref := a.ref(conn)
	if ref >= 0 && a.ctx[ref].WhiteLists.matchService(req) {
		a.globalGranted = true
		return PositiveResponse
	}
	return NRCAuthenticationRequired
}

// checkWith runs the role check and falls back to match.
func (a *authMgr) checkWith(conn ConnID, mask uint32, match func(*WhiteLists) bool) NRC {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.checkRoleLocked(conn, mask) {
		return PositiveResponse
	}
	if ref := a.ref(conn); ref >= 0 && match(&a.ctx[ref].WhiteLists) {
		return PositiveResponse
	}
	return NRCAuthenticationRequired
}

func (a *authMgr) checkDid(conn ConnID, did uint16, op AccessMask, mask uint32) NRC {
	return a.checkWith(conn, mask, func(wl *WhiteLists) bool { return wl.matchDid(did, op) })
}

func (a *authMgr) checkRid(conn ConnID, rid uint16, sf byte, mask uint32) NRC {
	return a.checkWith(conn, mask, func(wl *WhiteLists) bool { return wl.matchRid(rid, sf) })
}

func (a *authMgr) checkMemory(conn ConnID, sel uint8, mask uint32) NRC {
	return a.checkWith(conn, mask, func(wl *WhiteLists) bool { return wl.matchMemory(sel) })
}

var errWhiteListCapacity = errors.New("white-list exceeds capacity")

// readCertificateAccess extracts the role and white-lists of the
// certificate in slot.
func readCertificateAccess(cm CertificateManager, slot int, capacity WhiteListCapacity) (uint32, WhiteLists, error) {
	var wl WhiteLists
	_, v, err := cm.ElementGetFirst(slot, keym.ElementRole)
	if err != nil {
		return 0, wl, fmt.Errorf("role element: %w", err)
	}
	if len(v) != 4 {
		return 0, wl, fmt.Errorf("role element of %d bytes: %w", len(v), keym.ErrInvalidFormat)
	}
	role := binary.BigEndian.Uint32(v)

	kinds := []keym.ElementKind{
		keym.ElementServiceWhiteList, keym.ElementDidWhiteList,
		keym.ElementRidWhiteList, keym.ElementMemoryWhiteList,
	}
	for _, kind := range kinds {
		it, v, err := cm.ElementGetFirst(slot, kind)
		for err == nil {
			if err := wl.add(kind, v); err != nil {
				return 0, wl, err
			}
			v, err = cm.ElementGetNext(it)
		}
		if !errors.Is(err, keym.ErrNoElement) && !errors.Is(err, keym.ErrNoMoreElements) {
			return 0, wl, err
		}
	}
	if !capacity.fits(&wl) {
		return 0, wl, errWhiteListCapacity
	}
	return role, wl, nil
}

func (wl *WhiteLists) add(kind keym.ElementKind, v []byte) error {
	switch kind {
	case keym.ElementServiceWhiteList:
		if len(v) == 0 {
			return keym.ErrInvalidFormat
		}
		wl.Services = append(wl.Services, append([]byte(nil), v...))
	case keym.ElementDidWhiteList:
		if len(v) != 3 {
			return keym.ErrInvalidFormat
		}
		wl.Dids = append(wl.Dids, DidEntry{ID: binary.BigEndian.Uint16(v), Mask: AccessMask(v[2])})
	case keym.ElementRidWhiteList:
		if len(v) != 3 {
			return keym.ErrInvalidFormat
		}
		wl.Rids = append(wl.Rids, RidEntry{ID: binary.BigEndian.Uint16(v), Mask: v[2]})
	case keym.ElementMemoryWhiteList:
		if len(v) != 1 {
			return keym.ErrInvalidFormat
		}
		wl.Memory = append(wl.Memory, v[0])
	}
	return nil
}
