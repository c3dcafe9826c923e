// Package snapshot holds the in-process view the Telegram supervisor reads:
// the last check time, the last rebalance status and the live unwind
// progress. Writers are the engines, the reader is the status composer.
package snapshot

import (
	"sync"
	"time"

	"github.com/lumaoDoggie/grvt-transfer/pkg/types"
)

// shanghai is the wall clock used for all user-facing timestamps.
var shanghai = mustLoadShanghai()

func mustLoadShanghai() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

// Now returns the current Shanghai wall-clock time formatted for display.
func Now() string {
	return time.Now().In(shanghai).Format("2006-01-02 15:04:05")
}

// Bus is a mutex-guarded snapshot record. All accessors copy values in and
// out; no caller ever holds a reference into the bus.
type Bus struct {
	mu         sync.Mutex
	lastCheck  string
	lastStatus *types.RebalanceEvent
	unwind     *types.UnwindProgress
}

func NewBus() *Bus {
	return &Bus{}
}

// MarkCheck records that a rebalance pass ran now.
func (b *Bus) MarkCheck() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastCheck = Now()
}

// LastCheck returns the recorded last check time, empty before the first
// pass.
func (b *Bus) LastCheck() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastCheck
}

// SetStatus publishes the latest rebalance event.
func (b *Bus) SetStatus(ev types.RebalanceEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := ev
	b.lastStatus = &cp
}

// Status returns the last published event, ok=false before the first one.
func (b *Bus) Status() (types.RebalanceEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastStatus == nil {
		return types.RebalanceEvent{}, false
	}
	return *b.lastStatus, true
}

// SetUnwind publishes unwind progress for the status view.
func (b *Bus) SetUnwind(p types.UnwindProgress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := p
	b.unwind = &cp
}

// ClearUnwind removes the progress record once an episode ends.
func (b *Bus) ClearUnwind() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unwind = nil
}

// Unwind returns the live unwind progress, ok=false when no episode is in
// flight.
func (b *Bus) Unwind() (types.UnwindProgress, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unwind == nil {
		return types.UnwindProgress{}, false
	}
	return *b.unwind, true
}
