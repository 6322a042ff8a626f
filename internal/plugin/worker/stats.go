package worker

import (
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Stats is a snapshot of one worker.
type Stats struct {
	InstanceID string        `json:"instanceId"`
	Pid        int           `json:"pid,omitempty"`
	RSS        uint64        `json:"rss,omitempty"`
	CPUPercent float64       `json:"cpuPercent,omitempty"`
	Threads    int32         `json:"threads,omitempty"`
	Uptime     time.Duration `json:"uptime"`
	Pending    int           `json:"pending"`
}

// Stats samples the worker process. In-process workers only report uptime
// and pending calls.
func (h *Handle) Stats() (Stats, error) {
	st := Stats{
		InstanceID: h.ID,
		Pid:        h.Pid,
		Uptime:     time.Since(h.Started),
		Pending:    h.bridge.Pending(),
	}
	if h.Pid <= 0 {
		return st, nil
	}

	p, err := process.NewProcess(int32(h.Pid))
	if err != nil {
		return st, err
	}
	if mem, err := p.MemoryInfo(); err == nil {
		st.RSS = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		st.Threads = n
	}
	return st, nil
}
