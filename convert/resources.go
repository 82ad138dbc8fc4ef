// audex/convert/resources.go
package convert

import (
	"fmt"
	"log"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceGate refuses to start a conversion when the host is too busy.
// Probe failures are logged and treated as permissive: a broken metric
// should not block conversions.
type ResourceGate struct {
	IdleCPU     float64 // required idle CPU percentage
	MinFreeMem  int64
	MinFreeDisk int64
	DiskPath    string
}

func (g *ResourceGate) Check() error {
	if g == nil {
		return nil
	}

	p, err := cpu.Percent(time.Second, false)
	if err != nil {
		log.Printf("warning: could not get CPU usage: %v", err)
	} else if len(p) > 0 && p[0] > (100.0-g.IdleCPU) {
		return fmt.Errorf("not enough idle CPU: current usage %.2f%%, idle threshold %.2f%%", p[0], g.IdleCPU)
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		log.Printf("warning: could not get memory usage: %v", err)
	} else if vm.Available < uint64(g.MinFreeMem) {
		return fmt.Errorf("not enough free memory: available %d, required %d", vm.Available, g.MinFreeMem)
	}

	d, err := disk.Usage(g.DiskPath)
	if err != nil {
		log.Printf("warning: could not get disk usage for %s: %v", g.DiskPath, err)
	} else if d.Free < uint64(g.MinFreeDisk) {
		return fmt.Errorf("not enough free disk space: available %d, required %d", d.Free, g.MinFreeDisk)
	}
	return nil
}
