package dcm

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/jellydator/ttlcache/v3"

	"github.com/LoveWonYoung/dcm/keym"
)

// authenticationReturnParameter values.
const (
	authConfigurationAPCE       byte = 0x02
	authDeAuthenticated         byte = 0x10
	authCertificateVerified     byte = 0x11
	authOwnershipVerifiedAuthOK byte = 0x12
)

// certNRC maps a certificate manager error; anything unexpected is a
// development error.
func (d *Dcm) certNRC(err error) NRC {
	switch {
	case errors.Is(err, keym.ErrInvalidSignature):
		return NRCCertificateInvalidSignature
	case errors.Is(err, keym.ErrInvalidTimePeriod):
		return NRCCertificateInvalidTimePeriod
	case errors.Is(err, keym.ErrInvalidFormat):
		return NRCCertificateInvalidFormat
	}
	d.det.Report(detModule, apiInternal, detInterfaceReturnValue)
	d.log.Error("certificate manager: %s", err)
	return NRCGeneralReject
}

// lengthPrefixed splits a 2 byte length-prefixed field off b.
func lengthPrefixed(b []byte) (field, rest []byte, ok bool) {
	if len(b) < 2 {
		return nil, nil, false
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+n {
		return nil, nil, false
	}
	return b[2 : 2+n], b[2+n:], true
}

// handleAuthentication is Authentication (0x29) with APCE unidirectional
// authentication.
func (d *Dcm) handleAuthentication(_ *OpContext, msg *MsgContext) (Status, NRC) {
	sf := msg.SubFunction
	if sf == 0x08 {
		if len(msg.Req) != 1 {
			return StatusNotOK, NRCIncorrectMessageLength
		}
		msg.Append(sf, authConfigurationAPCE)
		return StatusOK, PositiveResponse
	}

	ref := d.auth.ref(msg.Conn)
	if ref < 0 || d.certs == nil {
		return StatusNotOK, NRCConditionsNotCorrect
	}
	var nrc NRC
	switch sf {
	case 0x00:
		if len(msg.Req) != 1 {
			return StatusNotOK, NRCIncorrectMessageLength
		}
		d.deauthenticateNow(msg.Conn)
		msg.Append(sf, authDeAuthenticated)
	case 0x01:
		nrc = d.verifyCertificate(ref, msg)
	case 0x03:
		nrc = d.proofOfOwnership(ref, msg)
	default:
		nrc = NRCSubFunctionNotSupported
	}
	if nrc != PositiveResponse {
		return StatusNotOK, nrc
	}
	return StatusOK, PositiveResponse
}

// verifyCertificate: sf, communicationConfiguration, certificate, client
// challenge. Answers with a server challenge.
func (d *Dcm) verifyCertificate(ref int, msg *MsgContext) NRC {
	if len(msg.Req) < 2 {
		return NRCIncorrectMessageLength
	}
	cert, rest, ok := lengthPrefixed(msg.Req[2:])
	if !ok {
		return NRCIncorrectMessageLength
	}
	if _, rest, ok = lengthPrefixed(rest); !ok || len(rest) != 0 {
		return NRCIncorrectMessageLength
	}
	if len(cert) == 0 {
		return NRCCertificateInvalidFormat
	}
	if err := d.certs.Verify(ref, cert); err != nil {
		return d.certNRC(err)
	}

	challenge := make([]byte, d.cfg.Authentication.ChallengeSize)
	if _, err := io.ReadFull(d.rand, challenge); err != nil {
		d.log.Error("challenge generation: %s", err)
		return NRCConditionsNotCorrect
	}
	d.auth.challenges.Set(msg.Conn, challenge, ttlcache.DefaultTTL)

	n := len(challenge)
	msg.Append(msg.SubFunction, authCertificateVerified, byte(n>>8), byte(n))
	msg.Append(challenge...)
	msg.Append(0x00, 0x00)
	return PositiveResponse
}

// proofOfOwnership: sf, proof of ownership, ephemeral public key. On
// success the connection gets the role and white-lists of the certificate.
func (d *Dcm) proofOfOwnership(ref int, msg *MsgContext) NRC {
	proof, rest, ok := lengthPrefixed(msg.Req[1:])
	if !ok {
		return NRCIncorrectMessageLength
	}
	if _, rest, ok = lengthPrefixed(rest); !ok || len(rest) != 0 {
		return NRCIncorrectMessageLength
	}
	item := d.auth.challenges.Get(msg.Conn)
	if item == nil {
		return NRCRequestSequenceError
	}
	d.auth.challenges.Delete(msg.Conn)

	switch err := d.certs.ProofOfOwnership(ref, item.Value(), proof); {
	case err == nil:
	case errors.Is(err, keym.ErrOwnership):
		return NRCOwnershipVerificationFailed
	case errors.Is(err, keym.ErrNoCertificate):
		return NRCRequestSequenceError
	default:
		return d.certNRC(err)
	}

	role, wl, err := readCertificateAccess(d.certs, ref, d.cfg.Authentication.Capacity)
	if err != nil {
		d.log.Warn("conn %d: certificate access rights: %s", msg.Conn, err)
		return NRCSettingAccessRightsFailed
	}
	d.authenticateNow(msg.Conn, role, wl)
	msg.Append(msg.SubFunction, authOwnershipVerifiedAuthOK, 0x00, 0x00)
	return PositiveResponse
}
