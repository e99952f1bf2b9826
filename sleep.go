package treelock

import (
	"context"
	log "log/slog"
	"math/rand"
	"sync"
	"time"
)

// Now is the clock used by the store and coordinators; tests may replace it.
var Now = time.Now

var (
	jitterMu  sync.Mutex
	jitterRNG = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// SetJitterRNG overrides the RNG used for sleep jitter. Useful for deterministic tests.
func SetJitterRNG(r *rand.Rand) {
	if r == nil {
		return
	}
	jitterMu.Lock()
	jitterRNG = r
	jitterMu.Unlock()
}

// Sleep blocks for sleepTime or until the context is done, whichever happens first.
func Sleep(ctx context.Context, sleepTime time.Duration) {
	if sleepTime <= 0 {
		return
	}
	sleep, cancel := context.WithTimeout(ctx, sleepTime)
	defer cancel()
	<-sleep.Done()
}

// RandomSleepWithUnit sleeps for a random multiple (1..4) of unit. Contenders polling the
// same lock use it to spread out their attempts.
func RandomSleepWithUnit(ctx context.Context, unit time.Duration) {
	jitterMu.Lock()
	m := time.Duration(jitterRNG.Intn(5))
	jitterMu.Unlock()
	if m == 0 {
		m = 1
	}
	st := m * unit
	log.Debug("sleep jitter", "multiplier", m, "unit", unit, "duration", st)
	Sleep(ctx, st)
}
