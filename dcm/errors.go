package dcm

import "errors"

var (
	// ErrNotOK is the generic E_NOT_OK failure of a public API.
	ErrNotOK = errors.New("dcm: request not accepted")
	// ErrIllegalState is returned when an authentication change is already
	// pending for the connection.
	ErrIllegalState = errors.New("dcm: authentication change already pending")
	// ErrUninit is returned by APIs called before New completed.
	ErrUninit = errors.New("dcm: not initialized")
)

// messageOrDefault returns msg if present, otherwise fallback.
func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

type DcmError struct {
	msg string
}

func (e DcmError) Error() string {
	return messageOrDefault(e.msg, "dcm error")
}

// ConfigError reports an invalid Config.
type ConfigError struct {
	DcmError
}

func newConfigError(msg string) ConfigError {
	return ConfigError{DcmError{msg: msg}}
}

func (e ConfigError) Error() string {
	return "dcm config: " + messageOrDefault(e.msg, "invalid configuration")
}

// ProtocolStartError is returned by ProtocolHooks.StartProtocol to veto a
// protocol switch.
type ProtocolStartError struct {
	DcmError
}

func NewProtocolStartError(msg string) ProtocolStartError {
	return ProtocolStartError{DcmError{msg: msg}}
}

func (e ProtocolStartError) Error() string {
	return messageOrDefault(e.msg, "protocol start rejected")
}

// Development error API ids.
const (
	apiInit                     uint8 = 0x01
	apiMainFunction             uint8 = 0x25
	apiComMNoComModeEntered     uint8 = 0x21
	apiComMSilentComModeEntered uint8 = 0x22
	apiComMFullComModeEntered   uint8 = 0x23
	apiSetChannelReady          uint8 = 0x24
	apiCopyTxData               uint8 = 0x43
	apiCopyRxData               uint8 = 0x44
	apiTpRxIndication           uint8 = 0x45
	apiStartOfReception         uint8 = 0x46
	apiTpTxConfirmation         uint8 = 0x48
	apiSetDeauthenticatedRole   uint8 = 0x79
	apiDeauthenticateConnection uint8 = 0x7A
	apiAuthenticateConnection   uint8 = 0x7B
	apiInternal                 uint8 = 0xFE
)

// Development error ids.
const (
	detInterfaceReturnValue uint8 = 0x01
	detUninit               uint8 = 0x05
	detParam                uint8 = 0x06
	detParamPointer         uint8 = 0x07
	detInvalidConfig        uint8 = 0x08
	detIllegalState         uint8 = 0x09
	detParamValue           uint8 = 0x0A
)
