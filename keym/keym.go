// Package keym is the certificate and key manager used by the diagnostic
// authentication service. Client certificates are CBOR documents signed
// with AES-CMAC; every key is derived from one master secret with HKDF.
package keym

import (
	"crypto/aes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/chmike/cmac-go"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"
)

const keySize = 16

var (
	ErrInvalidFormat     = errors.New("keym: invalid certificate format")
	ErrInvalidSignature  = errors.New("keym: invalid certificate signature")
	ErrInvalidTimePeriod = errors.New("keym: certificate not valid at this time")
	ErrNoCertificate     = errors.New("keym: no certificate in slot")
	ErrNoElement         = errors.New("keym: element not present")
	ErrNoMoreElements    = errors.New("keym: no more elements")
	ErrOwnership         = errors.New("keym: proof of ownership failed")
)

// ElementKind selects a certificate element.
type ElementKind uint8

const (
	// ElementRole holds the 4 byte big-endian role mask.
	ElementRole ElementKind = iota + 1
	// ElementServiceWhiteList holds SID plus leading request bytes.
	ElementServiceWhiteList
	// ElementDidWhiteList holds DID (2 bytes) and access mask.
	ElementDidWhiteList
	// ElementRidWhiteList holds RID (2 bytes) and operation mask.
	ElementRidWhiteList
	// ElementMemoryWhiteList holds one memory selector byte.
	ElementMemoryWhiteList
)

type Element struct {
	Kind  ElementKind `cbor:"1,keyasint"`
	Value []byte      `cbor:"2,keyasint"`
}

// Certificate is the content of a client certificate.
type Certificate struct {
	Serial    uint64    `cbor:"1,keyasint"`
	Subject   string    `cbor:"2,keyasint"`
	NotBefore int64     `cbor:"3,keyasint"`
	NotAfter  int64     `cbor:"4,keyasint"`
	Elements  []Element `cbor:"5,keyasint"`
}

type envelope struct {
	TBS []byte `cbor:"1,keyasint"`
	Sig []byte `cbor:"2,keyasint"`
}

// Iterator walks the elements of one kind in a slot.
type Iterator struct {
	slot int
	kind ElementKind
	pos  int
}

// Manager verifies certificates into numbered slots.
type Manager struct {
	mu      sync.Mutex
	master  []byte
	signKey []byte
	slots   map[int]*Certificate
	now     func() time.Time
}

// Derive returns a 16 byte key for purpose info.
func Derive(master []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("keym: derive %s: %w", info, err)
	}
	return key, nil
}

func New(master []byte) (*Manager, error) {
	if len(master) < keySize {
		return nil, fmt.Errorf("keym: master secret must have at least %d bytes", keySize)
	}
	sk, err := Derive(master, "dcm certificate signing")
	if err != nil {
		return nil, err
	}
	return &Manager{
		master:  append([]byte(nil), master...),
		signKey: sk,
		slots:   make(map[int]*Certificate),
		now:     time.Now,
	}, nil
}

// SetClock replaces the time source used for validity checks.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func mac(key []byte, parts ...[]byte) ([]byte, error) {
	h, err := cmac.New(aes.NewCipher, key)
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil), nil
}

// Issue signs c. It is the tooling side of Verify.
func (m *Manager) Issue(c Certificate) ([]byte, error) {
	tbs, err := cbor.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("keym: encode certificate: %w", err)
	}
	sig, err := mac(m.signKey, tbs)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(envelope{TBS: tbs, Sig: sig})
}

// Verify checks raw and stores the certificate in slot.
func (m *Manager) Verify(slot int, raw []byte) error {
	var env envelope
	if err := cbor.Unmarshal(raw, &env); err != nil || len(env.TBS) == 0 {
		return ErrInvalidFormat
	}
	want, err := mac(m.signKey, env.TBS)
	if err != nil {
		return err
	}
	if !cmac.Equal(want, env.Sig) {
		return ErrInvalidSignature
	}
	var c Certificate
	if err := cbor.Unmarshal(env.TBS, &c); err != nil {
		return ErrInvalidFormat
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().Unix()
	if (c.NotBefore != 0 && now < c.NotBefore) || (c.NotAfter != 0 && now > c.NotAfter) {
		return ErrInvalidTimePeriod
	}
	m.slots[slot] = &c
	return nil
}

// Certificate returns a copy of the certificate verified into slot.
func (m *Manager) Certificate(slot int) (Certificate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.slots[slot]
	if !ok {
		return Certificate{}, false
	}
	return *c, true
}

func (m *Manager) Clear(slot int) {
	m.mu.Lock()
	delete(m.slots, slot)
	m.mu.Unlock()
}

func (m *Manager) ElementGetFirst(slot int, kind ElementKind) (*Iterator, []byte, error) {
	it := &Iterator{slot: slot, kind: kind}
	v, err := m.next(it)
	if errors.Is(err, ErrNoMoreElements) {
		return nil, nil, ErrNoElement
	}
	if err != nil {
		return nil, nil, err
	}
	return it, v, nil
}

func (m *Manager) ElementGetNext(it *Iterator) ([]byte, error) {
	if it == nil {
		return nil, ErrNoMoreElements
	}
	return m.next(it)
}

func (m *Manager) next(it *Iterator) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.slots[it.slot]
	if !ok {
		return nil, ErrNoCertificate
	}
	for it.pos < len(c.Elements) {
		e := c.Elements[it.pos]
		it.pos++
		if e.Kind == it.kind {
			return append([]byte(nil), e.Value...), nil
		}
	}
	return nil, ErrNoMoreElements
}

// ClientKey returns the proof-of-ownership key handed to the holder of a
// certificate for subject.
func (m *Manager) ClientKey(subject string) ([]byte, error) {
	return Derive(m.master, "dcm proof of ownership "+subject)
}

// Prove computes the proof of ownership for a server challenge.
func Prove(clientKey, challenge []byte) ([]byte, error) {
	return mac(clientKey, challenge)
}

// ProofOfOwnership checks that proof was computed over challenge with the
// client key of the certificate in slot.
func (m *Manager) ProofOfOwnership(slot int, challenge, proof []byte) error {
	c, ok := m.Certificate(slot)
	if !ok {
		return ErrNoCertificate
	}
	key, err := m.ClientKey(c.Subject)
	if err != nil {
		return err
	}
	want, err := mac(key, challenge)
	if err != nil {
		return err
	}
	if !cmac.Equal(want, proof) {
		return ErrOwnership
	}
	return nil
}

// SecurityKey returns the SecurityAccess key for a level.
func (m *Manager) SecurityKey(level byte) ([]byte, error) {
	return Derive(m.master, fmt.Sprintf("dcm security level %02x", level))
}

// SecurityResponse computes the SecurityAccess key for a seed, truncated to
// size bytes.
func SecurityResponse(key, seed []byte, size int) ([]byte, error) {
	sum, err := mac(key, seed)
	if err != nil {
		return nil, err
	}
	if size > len(sum) {
		size = len(sum)
	}
	return sum[:size], nil
}
