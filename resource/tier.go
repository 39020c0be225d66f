// Package resource classifies the host environment and meters shared
// resources (concurrency slots, background IO bandwidth).
//
// Classification happens once; a long-running process does not rebalance its
// feature set when the host changes shape. Downstream components query the
// resulting [Tier] to decide whether expensive features (content
// deduplication, background tiering) are worth enabling.
package resource

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Tier is an ordered classification of the host environment.
type Tier int

const (
	TierLowPower Tier = iota
	TierDesktop
	TierServer
	TierHyperscale
)

func (t Tier) String() string {
	switch t {
	case TierLowPower:
		return "low-power"
	case TierDesktop:
		return "desktop"
	case TierServer:
		return "server"
	case TierHyperscale:
		return "hyperscale"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

const gib = 1 << 30

// classification thresholds: cores, total memory
const (
	desktopMinCores = 4
	desktopMinMem   = 4 * gib
	serverMinCores  = 8
	serverMinMem    = 16 * gib
	hyperMinCores   = 32
	hyperMinMem     = 128 * gib
)

// Classify maps a core count and memory size to a tier. Both thresholds must
// be met to reach a tier; either falling short selects the lower one.
func Classify(cores int, totalMem uint64) Tier {
	switch {
	case cores >= hyperMinCores && totalMem >= hyperMinMem:
		return TierHyperscale
	case cores >= serverMinCores && totalMem >= serverMinMem:
		return TierServer
	case cores >= desktopMinCores && totalMem >= desktopMinMem:
		return TierDesktop
	default:
		return TierLowPower
	}
}

// Detect inspects the host CPU and memory and classifies it.
//
// Probe failures degrade to GOMAXPROCS and a desktop-class memory assumption
// rather than erroring: a wrong tier only costs performance, never
// correctness.
func Detect() Tier {
	cores, err := cpu.Counts(true)
	if err != nil || cores <= 0 {
		cores = runtime.NumCPU()
	}
	var total uint64 = desktopMinMem
	if vm, err := mem.VirtualMemory(); err == nil {
		total = vm.Total
	}
	return Classify(cores, total)
}

// EnableDeduplication reports whether content deduplication is worth the
// hashing cost on this tier.
func (t Tier) EnableDeduplication() bool {
	return t >= TierServer
}

// EnableBackgroundTiering reports whether background data movement should run.
func (t Tier) EnableBackgroundTiering() bool {
	return t >= TierServer
}

// MaxConcurrency returns the ceiling for simultaneous store operations.
func (t Tier) MaxConcurrency() int64 {
	switch t {
	case TierLowPower:
		return 4
	case TierDesktop:
		return 16
	case TierServer:
		return 64
	default:
		return 256
	}
}
