package dcm

import "fmt"

// ConnID indexes Config.Connections.
type ConnID uint8

// ProtocolID identifies a configured diagnostic protocol.
type ProtocolID uint8

// NRC is a UDS negative response code. PositiveResponse (0x00) means no
// negative response.
type NRC byte

const (
	PositiveResponse                          NRC = 0x00
	NRCGeneralReject                          NRC = 0x10
	NRCServiceNotSupported                    NRC = 0x11
	NRCSubFunctionNotSupported                NRC = 0x12
	NRCIncorrectMessageLength                 NRC = 0x13
	NRCResponseTooLong                        NRC = 0x14
	NRCBusyRepeatRequest                      NRC = 0x21
	NRCConditionsNotCorrect                   NRC = 0x22
	NRCRequestSequenceError                   NRC = 0x24
	NRCRequestOutOfRange                      NRC = 0x31
	NRCSecurityAccessDenied                   NRC = 0x33
	NRCAuthenticationRequired                 NRC = 0x34
	NRCInvalidKey                             NRC = 0x35
	NRCExceedNumberOfAttempts                 NRC = 0x36
	NRCRequiredTimeDelayNotExpired            NRC = 0x37
	NRCCertificateInvalidTimePeriod           NRC = 0x50
	NRCCertificateInvalidSignature            NRC = 0x51
	NRCCertificateInvalidFormat               NRC = 0x54
	NRCOwnershipVerificationFailed            NRC = 0x58
	NRCSettingAccessRightsFailed              NRC = 0x5A
	NRCGeneralProgrammingFailure              NRC = 0x72
	NRCResponsePending                        NRC = 0x78
	NRCSubFunctionNotSupportedInActiveSession NRC = 0x7E
	NRCServiceNotSupportedInActiveSession     NRC = 0x7F
)

func (n NRC) String() string { return fmt.Sprintf("NRC(0x%02X)", byte(n)) }

// suppressedOnFunctional reports whether ISO 14229-1 suppresses a negative
// response with this code for functionally addressed requests.
func (n NRC) suppressedOnFunctional() bool {
	switch n {
	case NRCServiceNotSupported, NRCSubFunctionNotSupported, NRCRequestOutOfRange,
		NRCSubFunctionNotSupportedInActiveSession, NRCServiceNotSupportedInActiveSession:
		return true
	}
	return false
}

// Status is what a service handler returns.
type Status uint8

const (
	StatusOK Status = iota
	StatusNotOK
	StatusPending
	StatusForceRcrrp
)

// OpStatus tells a handler why it is being called.
type OpStatus uint8

const (
	OpInitial OpStatus = iota
	OpPending
	OpForceRcrrpOK
	OpCancel
)

// TObjState is the state of a transport object.
type TObjState uint8

const (
	TObjFree TObjState = iota
	TObjReserved
	TObjOnRx
	TObjRxEnd
	TObjReady
	TObjPrepTx
	TObjOnTx
)

var tobjStateNames = [...]string{"FREE", "RESERVED", "ON_RX", "RX_END", "READY", "PREP_TX", "ON_TX"}

func (s TObjState) String() string {
	if int(s) < len(tobjStateNames) {
		return tobjStateNames[s]
	}
	return fmt.Sprintf("TObjState(%d)", uint8(s))
}

// TObjFlags is the flag set of a transport object.
type TObjFlags uint8

const (
	FlagCanceled TObjFlags = 1 << iota
	FlagObsolete
	FlagBusy
	FlagIgnore
	FlagInternal
	FlagCopyHead
)

// ResType tags the kind of response held by a transport object.
type ResType uint8

const (
	ResTypeNone ResType = iota
	ResTypeSimple
	ResTypePaged
	// ResTypeFblFinal marks the final response sent after a jump from the
	// bootloader; it is sent even for functional requests.
	ResTypeFblFinal
)

// ComMState is the per-channel communication state.
type ComMState uint8

const (
	ComMRxEnabled ComMState = 1 << iota
	ComMTxEnabled
)

// AuthState is the authentication state of a connection.
type AuthState uint8

const (
	AuthDeauthenticated AuthState = iota
	AuthAuthenticated
)

func (s AuthState) String() string {
	if s == AuthAuthenticated {
		return "AUTHENTICATED"
	}
	return "DEAUTHENTICATED"
}

// AccessMask is the operation mask of a DID white-list entry.
type AccessMask uint8

const (
	AccessRead AccessMask = 1 << iota
	AccessWrite
	AccessIoControl
)

// routineOpMask maps a RoutineControl sub-function (1..3) to its white-list
// operation bit.
func routineOpMask(sf byte) uint8 {
	if sf == 0 || sf > 8 {
		return 0
	}
	return 1 << (sf - 1)
}

// DefaultSession is the UDS default session id.
const DefaultSession byte = 0x01
