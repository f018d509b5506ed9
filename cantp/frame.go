package cantp

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.einride.tech/can"
)

// frameLen 是经典 CAN 帧的最大数据长度
const frameLen = 8

const (
	pciTypeSingleFrame      = 0x00
	pciTypeFirstFrame       = 0x10
	pciTypeConsecutiveFrame = 0x20
	pciTypeFlowControl      = 0x30
)

// FlowStatus 定义了流控帧的状态。
type FlowStatus uint8

const (
	FlowStatusContinueToSend FlowStatus = 0x00
	FlowStatusWait           FlowStatus = 0x01
	FlowStatusOverflow       FlowStatus = 0x02
)

type isoTPFrame interface{}

type singleFrame struct{ Data []byte }

type firstFrame struct {
	TotalSize int
	Data      []byte
}

type consecutiveFrame struct {
	SequenceNumber int
	Data           []byte
}

type flowControlFrame struct {
	FlowStatus FlowStatus
	BlockSize  int
	STmin      time.Duration
}

func decodeSTmin(stMinByte byte) time.Duration {
	if stMinByte <= 0x7F {
		return time.Duration(stMinByte) * time.Millisecond
	}
	if stMinByte >= 0xF1 && stMinByte <= 0xF9 {
		return time.Duration(stMinByte-0xF0) * 100 * time.Microsecond
	}
	// reserved values are interpreted as the max (127ms)
	return 127 * time.Millisecond
}

// parseFrame 解析去掉地址前缀后的 N_PDU
func parseFrame(f *can.Frame, rxPrefixSize int) (isoTPFrame, error) {
	n := int(f.Length)
	if n > frameLen {
		n = frameLen
	}
	if n <= rxPrefixSize {
		return nil, InvalidCanDataError{NewIsoTpError(fmt.Sprintf("CAN数据长度 (%d) 小于等于前缀长度 (%d)", n, rxPrefixSize))}
	}
	payload := f.Data[rxPrefixSize:n]

	switch pci := payload[0] & 0xF0; pci {
	case pciTypeSingleFrame:
		length := int(payload[0] & 0x0F)
		if length == 0 || len(payload)-1 < length {
			return nil, InvalidCanDataError{NewIsoTpError(fmt.Sprintf("SF长度 %d 无效", length))}
		}
		return &singleFrame{Data: payload[1 : 1+length]}, nil
	case pciTypeFirstFrame:
		if len(payload) < 2 {
			return nil, InvalidCanDataError{NewIsoTpError("FF长度不足2字节")}
		}
		totalSize := int(payload[0]&0x0F)<<8 | int(payload[1])
		dataStart := 2
		if totalSize == 0 { // 32-bit length
			if len(payload) < 6 {
				return nil, InvalidCanDataError{NewIsoTpError("FF(long)长度不足6字节")}
			}
			totalSize = int(binary.BigEndian.Uint32(payload[2:6]))
			dataStart = 6
		}
		if totalSize <= len(payload)-1 {
			return nil, InvalidCanDataError{NewIsoTpError(fmt.Sprintf("FF长度 %d 可以用单帧发送", totalSize))}
		}
		return &firstFrame{TotalSize: totalSize, Data: payload[dataStart:]}, nil
	case pciTypeConsecutiveFrame:
		return &consecutiveFrame{SequenceNumber: int(payload[0] & 0x0F), Data: payload[1:]}, nil
	case pciTypeFlowControl:
		if len(payload) < 3 {
			return nil, InvalidCanDataError{NewIsoTpError("FC长度不足3字节")}
		}
		return &flowControlFrame{
			FlowStatus: FlowStatus(payload[0] & 0x0F),
			BlockSize:  int(payload[1]),
			STmin:      decodeSTmin(payload[2]),
		}, nil
	default:
		return nil, InvalidCanDataError{NewIsoTpError(fmt.Sprintf("未知PCI类型: 0x%02X", pci))}
	}
}

// createFlowControlPayload 创建流控帧的数据负载
func createFlowControlPayload(status FlowStatus, blockSize int, stMinMs int) []byte {
	stMinByte := byte(0x7F)
	if stMinMs >= 0 && stMinMs <= 127 {
		stMinByte = byte(stMinMs)
	}
	return []byte{pciTypeFlowControl | byte(status), byte(blockSize), stMinByte}
}

// createSingleFramePayload 创建单帧的数据负载
func createSingleFramePayload(data []byte, maxDataLength int) ([]byte, error) {
	if len(data) == 0 || len(data) > 7 || 1+len(data) > maxDataLength {
		return nil, FrameTooLongError{NewIsoTpError(fmt.Sprintf("单帧数据长度 (%d) 超过最大限制 (%d)", len(data), maxDataLength-1))}
	}
	payload := make([]byte, 0, 1+len(data))
	payload = append(payload, pciTypeSingleFrame|byte(len(data)))
	return append(payload, data...), nil
}

// firstFramePCI 返回首帧的 N_PCI
func firstFramePCI(totalMessageSize int) []byte {
	if totalMessageSize <= 4095 { // 12-bit length
		return []byte{pciTypeFirstFrame | byte(totalMessageSize>>8&0x0F), byte(totalMessageSize)}
	}
	pci := make([]byte, 6)
	pci[0] = pciTypeFirstFrame
	binary.BigEndian.PutUint32(pci[2:], uint32(totalMessageSize))
	return pci
}

// createConsecutiveFramePayload 创建连续帧的数据负载
func createConsecutiveFramePayload(dataChunk []byte, sequenceNumber int) []byte {
	payload := make([]byte, 0, 1+len(dataChunk))
	payload = append(payload, pciTypeConsecutiveFrame|byte(sequenceNumber&0x0F))
	return append(payload, dataChunk...)
}

// makeFrame 加上地址前缀并按需填充
func makeFrame(addr *Address, addrType AddressType, payload []byte, padding *byte) can.Frame {
	f := can.Frame{ID: addr.TxArbitrationID(addrType), IsExtended: addr.Is29Bit()}
	n := copy(f.Data[:], addr.txPrefix)
	n += copy(f.Data[n:], payload)
	if padding != nil {
		for i := n; i < frameLen; i++ {
			f.Data[i] = *padding
		}
		n = frameLen
	}
	f.Length = uint8(n)
	return f
}
