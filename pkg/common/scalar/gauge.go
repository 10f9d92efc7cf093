package scalar

import (
	"github.com/uber-go/tally"
)

// GaugeMaps wraps around a group of metrics which can be used for reporting
// scalar resources as a group of gauges.
type GaugeMaps map[string]tally.Gauge

// NewGaugeMaps returns the GaugeMaps initialized at given tally scope.
func NewGaugeMaps(scope tally.Scope) GaugeMaps {
	return GaugeMaps{
		CPU:  scope.Gauge(CPU),
		Mem:  scope.Gauge(Mem),
		Disk: scope.Gauge(Disk),
		GPU:  scope.Gauge(GPU),
	}
}

// Update updates all gauges from given resources.
func (g GaugeMaps) Update(resources Resources) {
	g[CPU].Update(resources.GetCPU())
	g[Mem].Update(resources.GetMem())
	g[Disk].Update(resources.GetDisk())
	g[GPU].Update(resources.GetGPU())
}
