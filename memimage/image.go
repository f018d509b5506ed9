// Package memimage holds an ECU memory image loaded from an Intel HEX file.
// ReadMemoryByAddress reads it through dcm.MemoryReader.
package memimage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/marcinbor85/gohex"
)

var ErrOutOfRange = errors.New("memimage: address range not loaded")

// Image implements dcm.MemoryReader.
type Image struct {
	mu  sync.RWMutex
	mem *gohex.Memory
}

// New returns an empty image.
func New() *Image {
	return &Image{mem: gohex.NewMemory()}
}

// LoadHex 解析 Intel HEX 数据
func LoadHex(r io.Reader) (*Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("memimage: parse: %w", err)
	}
	return &Image{mem: mem}, nil
}

// LoadHexFile 读取并解析 Intel HEX 文件
func LoadHexFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("memimage: %w", err)
	}
	defer f.Close()
	img, err := LoadHex(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Segment 是一段连续的已加载内存
type Segment struct {
	Address uint32
	Size    uint32
}

func (s Segment) contains(addr, size uint32) bool {
	end := uint64(addr) + uint64(size)
	return addr >= s.Address && end <= uint64(s.Address)+uint64(s.Size)
}

// Segments 返回按地址排序的已加载段
func (m *Image) Segments() []Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Segment
	for _, s := range m.mem.GetDataSegments() {
		out = append(out, Segment{Address: s.Address, Size: uint32(len(s.Data))})
	}
	return out
}

// Read 读取 [addr, addr+size)；区间必须完全落在一个已加载段内。
func (m *Image) Read(addr, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("memimage: zero size read at 0x%08X", addr)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.mem.GetDataSegments() {
		seg := Segment{Address: s.Address, Size: uint32(len(s.Data))}
		if seg.contains(addr, size) {
			off := addr - s.Address
			return append([]byte(nil), s.Data[off:off+size]...), nil
		}
	}
	return nil, fmt.Errorf("%w: 0x%08X+%d", ErrOutOfRange, addr, size)
}

// Write 在 addr 处加入数据；不允许与已加载数据重叠
func (m *Image) Write(addr uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mem.AddBinary(addr, data); err != nil {
		return fmt.Errorf("memimage: write 0x%08X: %w", addr, err)
	}
	return nil
}

// Dump 以 Intel HEX 格式输出镜像
func (m *Image) Dump(w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mem.DumpIntelHex(w, 16)
}
