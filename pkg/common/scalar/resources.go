package scalar

import (
	"fmt"
	"math"
	"sync"
)

// ResourceEpsilon is the threshold under which two floating point resource
// quantities are considered equal.
const ResourceEpsilon = 1e-9

// Resources is a non-thread safe helper struct holding recognized resources.
type Resources struct {
	CPU  float64
	Mem  float64
	Disk float64
	GPU  float64
}

// a safe less than or equal to comparator which takes epsilon into
// consideration.
func lessThanOrEqual(f1, f2 float64) bool {
	v := f1 - f2
	if math.Abs(v) < ResourceEpsilon {
		return true
	}
	return v < 0
}

// GetCPU returns the CPU resource
func (r Resources) GetCPU() float64 {
	return r.CPU
}

// GetDisk returns the Disk resource
func (r Resources) GetDisk() float64 {
	return r.Disk
}

// GetMem returns the Memory resource
func (r Resources) GetMem() float64 {
	return r.Mem
}

// GetGPU returns the GPU resource
func (r Resources) GetGPU() float64 {
	return r.GPU
}

// HasGPU is a special condition to ensure exclusive protection for GPU.
func (r Resources) HasGPU() bool {
	return math.Abs(r.GPU) > ResourceEpsilon
}

// Empty returns whether all resource quantities are within epsilon of zero.
func (r Resources) Empty() bool {
	return math.Abs(r.CPU) < ResourceEpsilon &&
		math.Abs(r.Mem) < ResourceEpsilon &&
		math.Abs(r.Disk) < ResourceEpsilon &&
		math.Abs(r.GPU) < ResourceEpsilon
}

// Contains determines whether current Resources is large enough to contain
// the other one.
func (r Resources) Contains(other Resources) bool {
	return lessThanOrEqual(other.CPU, r.CPU) &&
		lessThanOrEqual(other.Mem, r.Mem) &&
		lessThanOrEqual(other.Disk, r.Disk) &&
		lessThanOrEqual(other.GPU, r.GPU)
}

// Add adds another scalar resources onto current one and returns a new copy
// of the result.
func (r Resources) Add(other Resources) Resources {
	return Resources{
		CPU:  r.CPU + other.CPU,
		Mem:  r.Mem + other.Mem,
		Disk: r.Disk + other.Disk,
		GPU:  r.GPU + other.GPU,
	}
}

// TrySubtract attempts to subtract another scalar resources from current one,
// but returns false if other has more resources.
func (r Resources) TrySubtract(other Resources) (Resources, bool) {
	if !r.Contains(other) {
		return Resources{}, false
	}
	return r.Subtract(other), true
}

// Subtract another scalar resources from current one and return a new copy of
// the result. Quantities are floored at zero so accounting drift from epsilon
// comparisons can never produce a negative pool.
func (r Resources) Subtract(other Resources) Resources {
	return Resources{
		CPU:  math.Max(0, r.CPU-other.CPU),
		Mem:  math.Max(0, r.Mem-other.Mem),
		Disk: math.Max(0, r.Disk-other.Disk),
		GPU:  math.Max(0, r.GPU-other.GPU),
	}
}

// Cap limits every quantity in the current Resources to at most the
// corresponding quantity in limit.
func (r Resources) Cap(limit Resources) Resources {
	return Resources{
		CPU:  math.Min(r.CPU, limit.CPU),
		Mem:  math.Min(r.Mem, limit.Mem),
		Disk: math.Min(r.Disk, limit.Disk),
		GPU:  math.Min(r.GPU, limit.GPU),
	}
}

// Get returns the quantity of the given resource kind.
func (r Resources) Get(kind string) float64 {
	switch kind {
	case CPU:
		return r.CPU
	case Mem:
		return r.Mem
	case Disk:
		return r.Disk
	case GPU:
		return r.GPU
	}
	return 0
}

// String implements fmt.Stringer.
func (r Resources) String() string {
	return fmt.Sprintf("CPU:%.2f Mem:%.2f Disk:%.2f GPU:%.2f",
		r.CPU, r.Mem, r.Disk, r.GPU)
}

// Resource kinds tracked by the master.
const (
	CPU  = "cpu"
	Mem  = "mem"
	Disk = "disk"
	GPU  = "gpu"
)

// Kinds lists all recognized resource kinds.
var Kinds = []string{CPU, Mem, Disk, GPU}

// AtomicResources is a thread safe wrapper on Resources.
type AtomicResources struct {
	sync.RWMutex

	resources Resources
}

// Get returns a copy of current value.
func (a *AtomicResources) Get() Resources {
	a.RLock()
	defer a.RUnlock()
	return a.resources
}

// Set sets value to r.
func (a *AtomicResources) Set(r Resources) {
	a.Lock()
	defer a.Unlock()
	a.resources = r
}
