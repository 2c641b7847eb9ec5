// Package platform probes the host environment once at startup and derives
// a DMA policy that every other component branches on instead of probing
// hardware itself (see the driver's design notes on memory-manager quirks).
package platform

import (
	"errors"

	"golang.org/x/sys/cpu"
)

// CPUClass records the probed host word width. It is kept in Profile; no
// component in this module branches on it.
type CPUClass int

const (
	// CPU16 indicates a narrow-word (16-bit) host.
	CPU16 CPUClass = iota
	// CPU32 indicates a 32-bit host.
	CPU32
)

// DMAPolicy is the once-at-init decision every DMA-capable component
// consults; it is never revised after Probe returns.
type DMAPolicy int

const (
	// Direct allows DMA straight from caller-supplied buffers.
	Direct DMAPolicy = iota
	// CommonBuffer allows direct DMA only from a pre-locked common region.
	CommonBuffer
	// BounceAlways forces every transfer through a bounce buffer.
	BounceAlways
	// PIOOnly selects programmed I/O; no component may attempt DMA.
	PIOOnly
)

func (p DMAPolicy) String() string {
	switch p {
	case Direct:
		return "direct"
	case CommonBuffer:
		return "common-buffer"
	case BounceAlways:
		return "bounce-always"
	case PIOOnly:
		return "pio-only"
	default:
		return "unknown"
	}
}

// ErrUnsafeEnvironment is returned when a DMA-capable device is requested in
// an environment that cannot guarantee safe physical addressing.
var ErrUnsafeEnvironment = errors.New("platform: DMA requested in environment with no address translation service")

// MemoryManager describes what the environment offers in the way of
// linear-to-physical translation and page locking (the V86/DPMI surface).
type MemoryManager struct {
	// Present is true when a paging/virtual-8086 memory manager is active.
	Present bool
	// CanTranslate is true when a service can resolve linear to physical
	// addresses (e.g. a DPMI host).
	CanTranslate bool
	// CanLockPages is true when physical pages can be pinned against the
	// memory manager remapping them.
	CanLockPages bool
}

// Profile is the immutable result of a one-time platform probe.
type Profile struct {
	CPUClass CPUClass
	MM       MemoryManager
	Policy   DMAPolicy
}

// Probe inspects the host environment and, given whether the requesting NIC
// needs DMA, selects a DMA policy. It is meant to run once at driver
// initialization; callers must not re-probe mid-run.
func Probe(mm MemoryManager, deviceNeedsDMA bool) (Profile, error) {
	class := CPU16
	if cpu.X86.HasSSE2 || !mm.Present {
		// Absence of a memory manager is itself evidence of a flat 32-bit
		// address space in every host this driver targets; a wide SIMD
		// feature flag is used only as a stand-in CPU-class signal.
		class = CPU32
	}

	profile := Profile{CPUClass: class, MM: mm}

	switch {
	case !deviceNeedsDMA:
		profile.Policy = PIOOnly
		return profile, nil
	case !mm.Present:
		profile.Policy = Direct
		return profile, nil
	case mm.CanTranslate && mm.CanLockPages:
		profile.Policy = CommonBuffer
		return profile, nil
	case mm.CanTranslate:
		profile.Policy = BounceAlways
		return profile, nil
	default:
		return Profile{}, ErrUnsafeEnvironment
	}
}
