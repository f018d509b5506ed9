// Package comstack holds the basic types shared by the layers of the
// diagnostic stack: the transport layer (cantp) and its upper layer (dcm,
// udsclient).
package comstack

import "fmt"

// PduID 标识一个 N-SDU（上层看到的一条连接方向）。
type PduID uint16

// NetworkHandle 标识一个 ComM 通道。
type NetworkHandle uint8

// PduInfo 描述一段待拷贝的数据。
// CopyRxData 时 Data 为下层提供的数据；CopyTxData 时上层把数据写入 Data，
// len(Data) 为本次请求的字节数，长度为 0 表示仅查询剩余可用数据。
type PduInfo struct {
	Data []byte
}

// BufReqReturn 是缓冲区请求类回调的返回值。
type BufReqReturn uint8

const (
	BufReqOK BufReqReturn = iota
	BufReqNotOK
	BufReqBusy
	BufReqOverflow
)

func (r BufReqReturn) String() string {
	switch r {
	case BufReqOK:
		return "BUFREQ_OK"
	case BufReqNotOK:
		return "BUFREQ_E_NOT_OK"
	case BufReqBusy:
		return "BUFREQ_E_BUSY"
	case BufReqOverflow:
		return "BUFREQ_E_OVFL"
	}
	return fmt.Sprintf("BufReqReturn(%d)", uint8(r))
}

// Result 是 RxIndication / TxConfirmation 的结果。
type Result uint8

const (
	ResultOK Result = iota
	ResultNotOK
)

func (r Result) String() string {
	if r == ResultOK {
		return "E_OK"
	}
	return "E_NOT_OK"
}

// UpperLayer is implemented by the consumer of a transport layer. All
// methods may be called from the transport layer's own goroutine.
type UpperLayer interface {
	StartOfReception(id PduID, info *PduInfo, tpSduLength int) (int, BufReqReturn)
	CopyRxData(id PduID, info *PduInfo) (int, BufReqReturn)
	TpRxIndication(id PduID, result Result)
	CopyTxData(id PduID, info *PduInfo) (int, BufReqReturn)
	TpTxConfirmation(id PduID, result Result)
}

// LowerLayer is the transport layer as seen from above. Implementations must
// not call back into the upper layer synchronously from these methods.
type LowerLayer interface {
	Transmit(id PduID, length int) error
	CancelReceive(id PduID) error
	CancelTransmit(id PduID) error
}
