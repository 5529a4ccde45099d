package server

import (
	"os"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Diagnostics is the status summary logged every status interval and served
// by the observer.
type Diagnostics struct {
	Clients       int       `json:"clients"`
	Capacity      int       `json:"capacity"`
	Authenticated int       `json:"authenticated"`
	UptimeMs      int64     `json:"uptimeMs"`
	Broadcasts    uint64    `json:"broadcasts"`
	Evictions     uint64    `json:"evictions"`
	Rejections    uint64    `json:"rejections"`
	Host          HostStats `json:"host"`
}

type HostStats struct {
	RSSBytes       uint64  `json:"rssBytes"`
	CPUPercent     float64 `json:"cpuPercent"`
	MemUsedPercent float64 `json:"memUsedPercent"`
	Goroutines     int     `json:"goroutines"`
}

// hostSampler reads process and system figures through gopsutil. Failures
// leave the affected fields at zero. The loop and the observer both sample;
// mu serializes them because process.Process caches CPU times unguarded.
type hostSampler struct {
	mu     sync.Mutex
	looked bool
	proc   *process.Process
}

func (h *hostSampler) sample() HostStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.looked {
		h.looked = true
		h.proc, _ = process.NewProcess(int32(os.Getpid()))
	}

	st := HostStats{Goroutines: runtime.NumGoroutine()}
	if h.proc != nil {
		if mi, err := h.proc.MemoryInfo(); err == nil {
			st.RSSBytes = mi.RSS
		}
		if pct, err := h.proc.CPUPercent(); err == nil {
			st.CPUPercent = pct
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		st.MemUsedPercent = vm.UsedPercent
	}
	return st
}
