package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LoveWonYoung/dcm/cancore"
	"github.com/LoveWonYoung/dcm/cantp"
	"github.com/LoveWonYoung/dcm/comstack"
	"github.com/LoveWonYoung/dcm/config"
	"github.com/LoveWonYoung/dcm/dcm"
	"github.com/LoveWonYoung/dcm/det"
	"github.com/LoveWonYoung/dcm/driver"
	"github.com/LoveWonYoung/dcm/keym"
	"github.com/LoveWonYoung/dcm/logrecorder"
	"github.com/LoveWonYoung/dcm/memimage"
	"github.com/LoveWonYoung/dcm/nvm"
)

// ecu 是运行在一个 CAN 驱动上的完整诊断栈
type ecu struct {
	cfg    *config.Config
	log    logrecorder.Logger
	det    *det.Reporter
	hw     *cancore.SimulatedHardware
	core   *cancore.Core
	store  *nvm.Store
	bridge *driver.Bridge
	layer  *cantp.Layer
	dcm    *dcm.Dcm
}

// comm 记录诊断通信的开始和结束
type comm struct{ log logrecorder.Logger }

func (c comm) ActiveDiagnostic(ch comstack.NetworkHandle) {
	c.log.Info("channel %d: diagnostic communication active", ch)
}

func (c comm) InactiveDiagnostic(ch comstack.NetworkHandle) {
	c.log.Info("channel %d: diagnostic communication inactive", ch)
}

func newECU(cfg *config.Config, dev driver.CANDriver, log logrecorder.Logger) (_ *ecu, err error) {
	e := &ecu{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			e.close()
		}
	}()

	if e.det, err = det.New(log, cfg.Log.DetPerSecond); err != nil {
		return nil, err
	}

	// 控制器只在进程内模拟；LinkControl 切换的是它的波特率
	e.hw = cancore.NewSimulatedHardware()
	e.hw.OnBaudrate = func(ctrl uint8, bps uint32) {
		log.Info("controller %d: baudrate now %d bit/s", ctrl, bps)
	}
	e.core, err = cancore.New(cfg.CanCore, e.hw,
		cancore.WithLogger(log),
		cancore.WithDet(e.det),
		cancore.WithModeIndication(func(ctrl uint8, m cancore.Mode) {
			log.Info("controller %d: %s", ctrl, m)
		}),
	)
	if err != nil {
		return nil, err
	}
	if err = e.core.Init(); err != nil {
		return nil, err
	}
	for _, cc := range cfg.CanCore.Controllers {
		if err := e.core.SetControllerMode(cc.ID, cancore.Start); err != nil && !errors.Is(err, cancore.ErrPending) {
			return nil, fmt.Errorf("start controller %d: %w", cc.ID, err)
		}
	}

	keys, err := keym.New(cfg.Keys.Master)
	if err != nil {
		return nil, err
	}
	opts := []dcm.Option{
		dcm.WithLogger(log),
		dcm.WithDet(e.det),
		dcm.WithComM(comm{log: log}),
		dcm.WithCertificateManager(keys),
		dcm.WithKeyProvider(keys),
		dcm.WithBaudrateSwitcher(e.core),
		dcm.WithResetHook(func(resetType byte) {
			log.Warn("ECU reset requested, type 0x%02X", resetType)
		}),
	}
	if cfg.Nvm.Path != "" {
		if e.store, err = nvm.Open(cfg.Nvm.Path, nvm.WithLogger(log)); err != nil {
			return nil, err
		}
		opts = append(opts, dcm.WithNvStore(e.store))
	}
	if cfg.Memory.HexFile != "" {
		img, err := memimage.LoadHexFile(cfg.Memory.HexFile)
		if err != nil {
			return nil, err
		}
		log.Info("memory image %s: %d segment(s)", cfg.Memory.HexFile, len(img.Segments()))
		opts = append(opts, dcm.WithMemory(img))
	}

	tp, err := cfg.TransportConfig()
	if err != nil {
		return nil, err
	}
	if e.layer, err = cantp.New(tp, log); err != nil {
		return nil, err
	}
	if e.dcm, err = dcm.New(cfg.Dcm, e.layer, opts...); err != nil {
		return nil, err
	}
	e.layer.Bind(e.dcm)

	if e.bridge, err = driver.NewBridge(dev, log); err != nil {
		return nil, err
	}
	return e, nil
}

// run 运行所有任务直到 ctx 结束或其中一个失败
func (e *ecu) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.bridge.Run(ctx) })
	g.Go(func() error { return e.layer.Run(ctx, e.bridge.Rx(), e.bridge.Tx()) })
	g.Go(func() error { return e.dcm.Run(ctx) })
	g.Go(func() error {
		tk := time.NewTicker(e.cfg.Dcm.TaskPeriod)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tk.C:
				e.core.MainFunctionMode()
				e.core.MainFunctionWakeup()
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-e.layer.ErrorChan:
				e.log.Debug("cantp: %v", err)
			}
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *ecu) close() {
	if e.bridge != nil {
		e.bridge.Close()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.log.Warn("nvm close: %v", err)
		}
	}
	if e.det != nil && e.det.Total() > 0 {
		e.log.Warn("%d development error(s) reported", e.det.Total())
	}
}
