package dcm

import (
	"github.com/LoveWonYoung/dcm/comstack"
)

type channelState struct {
	comm      ComMState
	needReady bool
	ready     bool
	active    int
}

func (c *channelState) rxEnabled() bool { return c.comm&ComMRxEnabled != 0 }
func (c *channelState) txEnabled() bool { return c.comm&ComMTxEnabled != 0 }

func (d *Dcm) channelLocked(ch comstack.NetworkHandle) *channelState {
	return d.net.channels[ch]
}

func (d *Dcm) setComMode(api uint8, ch comstack.NetworkHandle, mode ComMState) {
	if !d.initialized.Load() {
		d.det.Report(detModule, api, detUninit)
		return
	}
	d.mu.Lock()
	c := d.channelLocked(ch)
	if c == nil {
		d.mu.Unlock()
		d.det.Report(detModule, api, detParam)
		return
	}
	old := c.comm
	c.comm = mode
	d.mu.Unlock()
	if old != mode {
		d.log.Info("channel %d: ComM state %02b -> %02b", ch, old, mode)
	}
}

// NoComModeEntered disables reception and transmission on ch.
func (d *Dcm) NoComModeEntered(ch comstack.NetworkHandle) {
	d.setComMode(apiComMNoComModeEntered, ch, 0)
}

// SilentComModeEntered enables reception only on ch.
func (d *Dcm) SilentComModeEntered(ch comstack.NetworkHandle) {
	d.setComMode(apiComMSilentComModeEntered, ch, ComMRxEnabled)
}

// FullComModeEntered enables reception and transmission on ch.
func (d *Dcm) FullComModeEntered(ch comstack.NetworkHandle) {
	d.setComMode(apiComMFullComModeEntered, ch, ComMRxEnabled|ComMTxEnabled)
}

// SetChannelReady marks ch available for connections that require a ready
// indication.
func (d *Dcm) SetChannelReady(ch comstack.NetworkHandle) {
	if !d.initialized.Load() {
		d.det.Report(detModule, apiSetChannelReady, detUninit)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.channelLocked(ch)
	if c == nil {
		d.det.Report(detModule, apiSetChannelReady, detParam)
		return
	}
	c.ready = true
}

// ComModeOf returns the ComM state of ch.
func (d *Dcm) ComModeOf(ch comstack.NetworkHandle) ComMState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c := d.channelLocked(ch); c != nil {
		return c.comm
	}
	return 0
}

// registerActiveConnectionLocked records activity on conn. The first active
// connection of a channel requests full communication.
func (d *Dcm) registerActiveConnectionLocked(conn ConnID, eff *effects) {
	ch := d.cfg.Connections[conn].Channel
	c := d.channelLocked(ch)
	c.active++
	if c.active == 1 {
		eff.active = append(eff.active, ch)
	}
	d.auth.connectionActive(conn)
}

// unregisterActiveConnectionLocked is the inverse of
// registerActiveConnectionLocked; the connection going idle starts its
// authentication idle timer.
func (d *Dcm) unregisterActiveConnectionLocked(conn ConnID, eff *effects) {
	ch := d.cfg.Connections[conn].Channel
	c := d.channelLocked(ch)
	if c.active > 0 {
		c.active--
		if c.active == 0 {
			eff.inactive = append(eff.inactive, ch)
		}
	}
	d.auth.connectionIdle(conn)
}

// connActiveLocked reports whether conn currently owns a transport object.
func (d *Dcm) connActiveLocked(conn ConnID) bool {
	return d.net.connMap[conn] >= 0
}
