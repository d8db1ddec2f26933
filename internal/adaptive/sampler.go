package adaptive

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostSampler reports host resource usage, both in [0,1]. The controller is
// the only consumer; tests substitute a fixed sampler.
type HostSampler interface {
	Sample() (cpuUsage, memUsage float64, err error)
}

// GopsutilSampler reads host CPU and memory through gopsutil. CPU usage is
// the whole-machine busy percentage since the previous call, which is the
// one cpuUsage definition used everywhere in the core.
type GopsutilSampler struct{}

func (GopsutilSampler) Sample() (float64, float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("cpu sample failed: %w", err)
	}
	var cpuUsage float64
	if len(percents) > 0 {
		cpuUsage = percents[0] / 100
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return cpuUsage, 0, fmt.Errorf("memory sample failed: %w", err)
	}
	return cpuUsage, vm.UsedPercent / 100, nil
}

// FixedSampler always returns the same usage values. Test helper.
type FixedSampler struct {
	CPU float64
	Mem float64
}

func (s FixedSampler) Sample() (float64, float64, error) {
	return s.CPU, s.Mem, nil
}
