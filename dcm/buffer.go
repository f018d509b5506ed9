package dcm

// buffer is a shared Rx/Tx byte array. It is free iff usage == 0.
type buffer struct {
	data  []byte
	usage int
}

// bufferLockLocked takes the buffer if it is free. Caller holds d.mu.
func (d *Dcm) bufferLockLocked(idx int) bool {
	b := &d.net.buffers[idx]
	if b.usage != 0 {
		return false
	}
	b.usage++
	return true
}

// bufferReleaseLocked drops one reference. Caller holds d.mu.
func (d *Dcm) bufferReleaseLocked(idx int) {
	b := &d.net.buffers[idx]
	if b.usage > 0 {
		b.usage--
	}
}

// BufferIsFree reports whether buffer idx is unlocked.
func (d *Dcm) BufferIsFree(idx int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx < 0 || idx >= len(d.net.buffers) {
		return false
	}
	return d.net.buffers[idx].usage == 0
}

// BufferUsage returns the usage counter of buffer idx.
func (d *Dcm) BufferUsage(idx int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx < 0 || idx >= len(d.net.buffers) {
		return 0
	}
	return d.net.buffers[idx].usage
}
