// Package det is the development error sink. Components report programming
// and integration mistakes (bad ids, calls before init, contract violations
// of injected hooks) here; the failing call itself returns a safe value.
package det

import (
	"fmt"
	"sync"

	"github.com/opencoff/go-ratelimit"

	"github.com/LoveWonYoung/dcm/logrecorder"
)

// ModuleID identifies the reporting module.
type ModuleID uint16

const (
	ModuleDcm   ModuleID = 0x0035
	ModuleCan   ModuleID = 0x0050
	ModuleCanTp ModuleID = 0x0023
	ModuleKeyM  ModuleID = 0x00B7
)

// Report 是一次开发错误上报。
type Report struct {
	Module ModuleID
	API    uint8
	Error  uint8
}

func (r Report) String() string {
	return fmt.Sprintf("DET module=0x%04X api=0x%02X error=0x%02X", uint16(r.Module), r.API, r.Error)
}

// Reporter collects development errors. The zero value is not usable; use
// New or Discard.
type Reporter struct {
	mu      sync.Mutex
	log     logrecorder.Logger
	rl      *ratelimit.Limiter
	counts  map[Report]int
	last    Report
	total   int
	history []Report
}

const historyLen = 32

// New creates a reporter that logs at most perSecond reports per second.
// Every report is counted regardless of the log limit.
func New(log logrecorder.Logger, perSecond int) (*Reporter, error) {
	if perSecond <= 0 {
		perSecond = 10
	}
	rl, err := ratelimit.New(perSecond, perSecond, 16)
	if err != nil {
		return nil, fmt.Errorf("det: can't create ratelimiter: %w", err)
	}
	return &Reporter{
		log:    logrecorder.OrDiscard(log),
		rl:     rl,
		counts: make(map[Report]int),
	}, nil
}

// Discard returns a reporter that counts but never logs.
func Discard() *Reporter {
	return &Reporter{log: logrecorder.Discard(), counts: make(map[Report]int)}
}

// Report records a development error.
func (r *Reporter) Report(module ModuleID, api, errID uint8) {
	if r == nil {
		return
	}
	rep := Report{Module: module, API: api, Error: errID}

	r.mu.Lock()
	r.counts[rep]++
	r.total++
	r.last = rep
	r.history = append(r.history, rep)
	if len(r.history) > historyLen {
		r.history = r.history[len(r.history)-historyLen:]
	}
	r.mu.Unlock()

	if r.rl == nil || r.rl.Allow() {
		r.log.Error("%s", rep)
	}
}

// Count returns how often the given (module, api, error) triple was reported.
func (r *Reporter) Count(module ModuleID, api, errID uint8) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[Report{Module: module, API: api, Error: errID}]
}

// Total returns the number of reports since creation or Reset.
func (r *Reporter) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Last returns the most recent report.
func (r *Reporter) Last() (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.total > 0
}

// History returns up to the last 32 reports, oldest first.
func (r *Reporter) History() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.history...)
}

func (r *Reporter) Reset() {
	r.mu.Lock()
	r.counts = make(map[Report]int)
	r.total = 0
	r.last = Report{}
	r.history = nil
	r.mu.Unlock()
}
