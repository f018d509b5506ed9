package dcm

import (
	"github.com/LoveWonYoung/dcm/comstack"
	"github.com/LoveWonYoung/dcm/keym"
)

// ComM is the communication manager as seen by the Dcm.
type ComM interface {
	ActiveDiagnostic(ch comstack.NetworkHandle)
	InactiveDiagnostic(ch comstack.NetworkHandle)
}

// ProtocolHooks is notified on protocol switches. StartProtocol may veto
// the switch by returning an error; the request is then answered with
// conditionsNotCorrect.
type ProtocolHooks interface {
	StartProtocol(p ProtocolID) error
	StopProtocol(p ProtocolID)
}

// CertificateManager verifies client certificates for the Authentication
// service. *keym.Manager implements it.
type CertificateManager interface {
	Verify(slot int, cert []byte) error
	ElementGetFirst(slot int, kind keym.ElementKind) (*keym.Iterator, []byte, error)
	ElementGetNext(it *keym.Iterator) ([]byte, error)
	ProofOfOwnership(slot int, challenge, proof []byte) error
}

// KeyProvider supplies SecurityAccess keys. *keym.Manager implements it.
type KeyProvider interface {
	SecurityKey(level byte) ([]byte, error)
}

// NvStore persists opaque blocks. *nvm.Store implements it.
type NvStore interface {
	ReadBlock(id string, v any) error
	WriteBlock(id string, v any) error
}

// MemoryReader reads ECU memory for ReadMemoryByAddress.
// *memimage.Image implements it.
type MemoryReader interface {
	Read(addr, size uint32) ([]byte, error)
}

// MemoryValidator maps a requested memory area to its configured range.
type MemoryValidator interface {
	Validate(addr, size uint32) (*MemoryRangeConfig, bool)
}

// BaudrateSwitcher is the CAN controller unit used by LinkControl.
// *cancore.Core implements it.
type BaudrateSwitcher interface {
	CheckBaudrate(controller uint8, bps uint32) error
	ChangeBaudrate(controller uint8, bps uint32) error
}

// ResetHook performs the ECU reset requested by ECUReset after the positive
// response was sent.
type ResetHook func(resetType byte)

// configRanges validates memory areas against Config.Memory.
type configRanges []MemoryRangeConfig

func (r configRanges) Validate(addr, size uint32) (*MemoryRangeConfig, bool) {
	end := uint64(addr) + uint64(size)
	for i := range r {
		lo := uint64(r[i].Address)
		hi := lo + uint64(r[i].Size)
		if uint64(addr) >= lo && end <= hi {
			return &r[i], true
		}
	}
	return nil, false
}
