package dcm

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LoveWonYoung/dcm/comstack"
	"github.com/LoveWonYoung/dcm/det"
	"github.com/LoveWonYoung/dcm/logrecorder"
	"github.com/LoveWonYoung/dcm/timer"
)

const detModule = det.ModuleDcm

// Dcm timer ids. Security level delay timers follow timerSecDelay.
const (
	timerP2 = iota
	timerS3
	timerSecDelay
)

// Dcm is one diagnostic communication manager instance. The lower layer
// callbacks may be called from any goroutine; MainFunction must be driven
// by a single goroutine.
type Dcm struct {
	cfg   Config
	log   logrecorder.Logger
	det   *det.Reporter
	lower comstack.LowerLayer
	comm  ComM
	hooks ProtocolHooks
	certs CertificateManager
	keys  KeyProvider
	nv    NvStore
	mem   MemoryReader
	memv  MemoryValidator
	baud  BaudrateSwitcher
	reset ResetHook
	rand  io.Reader

	initialized atomic.Bool
	task        sync.Mutex

	// mu guards net. Lock order: mu before auth.mu.
	mu  sync.Mutex
	net netContext

	timers *timer.Bank
	diag   diagThread
	state  stateUnit
	auth   authMgr

	services map[byte]*serviceEntry
	dids     didStore
	routines map[uint16]*routineEntry
	link     linkState
}

type Option func(*Dcm)

func WithLogger(l logrecorder.Logger) Option { return func(d *Dcm) { d.log = l } }

func WithDet(r *det.Reporter) Option { return func(d *Dcm) { d.det = r } }

func WithComM(c ComM) Option { return func(d *Dcm) { d.comm = c } }

func WithProtocolHooks(h ProtocolHooks) Option { return func(d *Dcm) { d.hooks = h } }

func WithCertificateManager(c CertificateManager) Option { return func(d *Dcm) { d.certs = c } }

func WithKeyProvider(k KeyProvider) Option { return func(d *Dcm) { d.keys = k } }

// WithNvStore enables persistence of DIDs and, when configured, of the
// authentication contexts.
func WithNvStore(s NvStore) Option { return func(d *Dcm) { d.nv = s } }

func WithMemory(m MemoryReader) Option { return func(d *Dcm) { d.mem = m } }

// WithMemoryValidator replaces the validation against Config.Memory.
func WithMemoryValidator(v MemoryValidator) Option { return func(d *Dcm) { d.memv = v } }

func WithBaudrateSwitcher(b BaudrateSwitcher) Option { return func(d *Dcm) { d.baud = b } }

func WithResetHook(h ResetHook) Option { return func(d *Dcm) { d.reset = h } }

// WithRandom sets the source of seeds and challenges (crypto/rand by default).
func WithRandom(r io.Reader) Option { return func(d *Dcm) { d.rand = r } }

// New validates cfg and returns an initialized Dcm. Without a ComM
// collaborator all channels start in full communication.
func New(cfg Config, lower comstack.LowerLayer, opts ...Option) (*Dcm, error) {
	if lower == nil {
		return nil, errors.New("dcm: lower layer is nil")
	}
	if cfg.BusyPolicy == "" {
		cfg.BusyPolicy = BusyRespond
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Dcm{cfg: cfg, lower: lower, rand: rand.Reader}
	for _, opt := range opts {
		opt(d)
	}
	d.log = logrecorder.OrDiscard(d.log)
	if d.det == nil {
		d.det = det.Discard()
	}
	if d.memv == nil {
		d.memv = configRanges(d.cfg.Memory)
	}

	d.initNet()
	d.timers = timer.NewBank(timerSecDelay + len(d.cfg.SecurityLevels))
	d.diag.init()
	d.state.init(&d.cfg)
	d.auth.init(&d.cfg, d.ticks(d.cfg.Authentication.IdleTimeout))
	d.initServices()
	d.dids.init(d.cfg.Dids)

	if d.nv != nil {
		d.dids.restore(d.nv, d.log)
		if d.cfg.Authentication.Persist {
			d.auth.restore(d.nv, d.log)
		}
	}

	d.initialized.Store(true)
	d.log.Info("dcm initialized: %d connections, %d transport objects, busy policy %s",
		len(d.cfg.Connections), len(d.net.pool), d.cfg.BusyPolicy)
	return d, nil
}

func (d *Dcm) initNet() {
	n := &d.net
	n.pool = make([]TransportObject, d.cfg.TransportObjects)
	for i := range n.pool {
		n.pool[i] = TransportObject{Handle: i, BufIdx: noBuffer}
	}
	n.connMap = make([]int, len(d.cfg.Connections))
	for i := range n.connMap {
		n.connMap[i] = -1
	}
	n.buffers = make([]buffer, len(d.cfg.Buffers))
	for i, b := range d.cfg.Buffers {
		n.buffers[i].data = make([]byte, b.Size)
	}

	var comm ComMState
	if d.comm == nil {
		comm = ComMRxEnabled | ComMTxEnabled
	}
	n.rxPdus = make(map[comstack.PduID]rxPdu)
	n.txPdus = make(map[comstack.PduID]ConnID)
	n.channels = make(map[comstack.NetworkHandle]*channelState)
	for i, cc := range d.cfg.Connections {
		conn := ConnID(i)
		n.rxPdus[cc.RxPhysPdu] = rxPdu{conn: conn}
		if cc.RxFuncPdu != nil {
			n.rxPdus[*cc.RxFuncPdu] = rxPdu{conn: conn, functional: true}
		}
		n.txPdus[cc.TxPdu] = conn
		ch, ok := n.channels[cc.Channel]
		if !ok {
			ch = &channelState{comm: comm}
			n.channels[cc.Channel] = ch
		}
		if cc.ReadyIndication {
			ch.needReady = true
		}
	}
}

func (d *Dcm) ticks(dur time.Duration) uint32 {
	return timer.Ticks(dur, d.cfg.TaskPeriod)
}

// Config returns a copy of the active configuration.
func (d *Dcm) Config() Config { return d.cfg }

// MainFunction runs one task cycle.
func (d *Dcm) MainFunction() {
	if !d.initialized.Load() {
		d.det.Report(detModule, apiMainFunction, detUninit)
		return
	}
	d.task.Lock()
	defer d.task.Unlock()

	d.timerTask()
	d.netTxConfirmTask()
	d.netRxTask()
	d.diagTask()
	d.authTask()
	d.netTxTask()
}

// Run calls MainFunction every TaskPeriod until ctx is done.
func (d *Dcm) Run(ctx context.Context) error {
	tk := time.NewTicker(d.cfg.TaskPeriod)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C:
			d.MainFunction()
		}
	}
}

// timerTask advances all software timers by one tick.
func (d *Dcm) timerTask() {
	d.mu.Lock()
	reload := d.net.s3Reload
	d.net.s3Reload = false
	d.mu.Unlock()
	if reload && d.timers.Running(timerS3) {
		d.timers.Start(timerS3, d.ticks(d.cfg.S3))
	}

	expired := d.timers.Tick()
	d.auth.tick()

	if expired.Has(timerP2) {
		d.diag.p2Expired = true
	}
	if expired.Has(timerS3) && d.diag.idle() && d.state.Session() != DefaultSession {
		d.log.Info("S3 timeout, back to default session")
		d.stateResetToDefault()
	}
	for i := range d.cfg.SecurityLevels {
		if expired.Has(timerSecDelay + i) {
			d.state.delayExpired(i)
		}
	}
}
