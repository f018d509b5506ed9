package dcm

import (
	"fmt"
	"sync"

	"github.com/LoveWonYoung/dcm/logrecorder"
)

// Handler processes one request. It returns StatusNotOK together with the
// negative response code, or StatusPending to be polled again.
type Handler func(op *OpContext, msg *MsgContext) (Status, NRC)

// Service is the implementation of a configured service.
type Service struct {
	Handler Handler
	// Sequence, if set, checks the request order before the handler runs.
	Sequence func(msg *MsgContext) NRC
}

type serviceEntry struct {
	cfg *ServiceConfig
	Service
	subs map[byte]*SubFunctionConfig
}

func (d *Dcm) initServices() {
	builtin := map[byte]Service{
		0x10: {Handler: d.handleSessionControl},
		0x11: {Handler: d.handleECUReset},
		0x22: {Handler: d.handleReadDataByIdentifier},
		0x23: {Handler: d.handleReadMemoryByAddress},
		0x27: {Handler: d.handleSecurityAccess, Sequence: d.securityAccessSequence},
		0x29: {Handler: d.handleAuthentication},
		0x2E: {Handler: d.handleWriteDataByIdentifier},
		0x31: {Handler: d.handleRoutineControl},
		0x3E: {Handler: d.handleTesterPresent},
		0x87: {Handler: d.handleLinkControl, Sequence: d.linkControlSequence},
	}
	d.services = make(map[byte]*serviceEntry, len(d.cfg.Services))
	for i := range d.cfg.Services {
		sc := &d.cfg.Services[i]
		e := &serviceEntry{cfg: sc, Service: builtin[sc.SID]}
		if len(sc.SubFunctions) > 0 {
			e.subs = make(map[byte]*SubFunctionConfig, len(sc.SubFunctions))
			for j := range sc.SubFunctions {
				e.subs[sc.SubFunctions[j].ID] = &sc.SubFunctions[j]
			}
		}
		d.services[sc.SID] = e
	}
	d.routines = make(map[uint16]*routineEntry)
}

// RegisterService installs svc for a configured SID, replacing a built-in
// implementation. Call it before the first MainFunction.
func (d *Dcm) RegisterService(sid byte, svc Service) error {
	e, ok := d.services[sid]
	if !ok {
		return fmt.Errorf("service 0x%02X not configured: %w", sid, ErrNotOK)
	}
	if svc.Handler == nil {
		return fmt.Errorf("service 0x%02X: nil handler: %w", sid, ErrNotOK)
	}
	e.Service = svc
	return nil
}

// didStore holds DID values; written values are persisted when a store is
// available.
type didStore struct {
	mu     sync.Mutex
	values map[uint16][]byte
}

func didBlockID(id uint16) string { return fmt.Sprintf("dcm.did.%04X", id) }

func (s *didStore) init(dids []DidConfig) {
	s.values = make(map[uint16][]byte, len(dids))
	for _, dc := range dids {
		v := make([]byte, dc.Size)
		copy(v, dc.Default)
		s.values[dc.ID] = v
	}
}

func (s *didStore) restore(nv NvStore, log logrecorder.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cur := range s.values {
		var v []byte
		if err := nv.ReadBlock(didBlockID(id), &v); err != nil {
			continue
		}
		if len(v) != len(cur) {
			log.Warn("did 0x%04X: persisted value has %d bytes, want %d", id, len(v), len(cur))
			continue
		}
		s.values[id] = v
	}
}

func (s *didStore) get(id uint16) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[id]
	return append([]byte(nil), v...), ok
}

func (s *didStore) set(id uint16, v []byte) {
	s.mu.Lock()
	s.values[id] = append([]byte(nil), v...)
	s.mu.Unlock()
}

// DidValue returns the current value of a configured DID.
func (d *Dcm) DidValue(id uint16) ([]byte, bool) { return d.dids.get(id) }

// SetDidValue updates a DID from the application side.
func (d *Dcm) SetDidValue(id uint16, v []byte) error {
	dc := d.cfg.did(id)
	if dc == nil || len(v) != dc.Size {
		return fmt.Errorf("did 0x%04X: %w", id, ErrNotOK)
	}
	d.dids.set(id, v)
	return nil
}
