package resources

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostQuotas derives default quotas from the machine the orchestrator runs
// on: all logical CPUs, 80% of physical memory, and four step workers per CPU.
func HostQuotas(ctx context.Context) (Quotas, error) {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cores < 1 {
		cores = runtime.NumCPU()
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Quotas{}, fmt.Errorf("read host memory: %w", err)
	}
	return Quotas{
		MaxConcurrentOperations: 4 * cores,
		MaxCPU:                  float64(cores),
		MaxMemoryMB:             int64(vm.Total/(1024*1024)) * 8 / 10,
		MaxConcurrentSteps:      4 * cores,
	}, nil
}
