package cantp

// messageOrDefault returns msg if present, otherwise fallback.
func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

// IsoTpError 是本包所有协议错误的基类型。
type IsoTpError struct {
	msg string
}

func NewIsoTpError(msg string) IsoTpError {
	return IsoTpError{msg: msg}
}

func (e IsoTpError) Error() string {
	return messageOrDefault(e.msg, "ISO-TP error")
}

type FlowControlTimeoutError struct {
	IsoTpError
}

func (e FlowControlTimeoutError) Error() string {
	return messageOrDefault(e.msg, "flow control frame not received in time")
}

type ConsecutiveFrameTimeoutError struct {
	IsoTpError
}

func (e ConsecutiveFrameTimeoutError) Error() string {
	return messageOrDefault(e.msg, "consecutive frame not received in time")
}

type InvalidCanDataError struct {
	IsoTpError
}

func (e InvalidCanDataError) Error() string {
	return messageOrDefault(e.msg, "invalid CAN data received")
}

type ReceptionInterruptedError struct {
	IsoTpError
}

func (e ReceptionInterruptedError) Error() string {
	return messageOrDefault(e.msg, "reception interrupted by a new single or first frame")
}

type WrongSequenceNumberError struct {
	IsoTpError
}

func (e WrongSequenceNumberError) Error() string {
	return messageOrDefault(e.msg, "wrong sequence number in consecutive frame")
}

type MaximumWaitFrameReachedError struct {
	IsoTpError
}

func (e MaximumWaitFrameReachedError) Error() string {
	return messageOrDefault(e.msg, "maximum wait flow control frames reached")
}

type FrameTooLongError struct {
	IsoTpError
}

func (e FrameTooLongError) Error() string {
	return messageOrDefault(e.msg, "message length exceeds maximum frame size")
}

type OverflowError struct {
	IsoTpError
}

func (e OverflowError) Error() string {
	return messageOrDefault(e.msg, "remote node reported overflow")
}

// UnknownPduError 表示 N-SDU 未配置。
type UnknownPduError struct {
	IsoTpError
}

func (e UnknownPduError) Error() string {
	return messageOrDefault(e.msg, "unknown N-SDU")
}

// BusyError 表示 N-SDU 上已有发送在进行。
type BusyError struct {
	IsoTpError
}

func (e BusyError) Error() string {
	return messageOrDefault(e.msg, "N-SDU busy")
}

// NotInProgressError 表示取消时没有正在进行的收发。
type NotInProgressError struct {
	IsoTpError
}

func (e NotInProgressError) Error() string {
	return messageOrDefault(e.msg, "no transfer in progress")
}

// UpperLayerAbortError 表示上层拒绝了数据拷贝。
type UpperLayerAbortError struct {
	IsoTpError
}

func (e UpperLayerAbortError) Error() string {
	return messageOrDefault(e.msg, "upper layer aborted the transfer")
}
