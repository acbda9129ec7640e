package toolcore

import (
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// TakeSnapshot enumerates every live process on the host, grounding tool
// discovery in the real process tree rather than a fixed tool registry.
func TakeSnapshot() (Snapshot, error) {
	procs, err := process.Processes()
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		ByPID:      make(map[int32]ProcInfo, len(procs)),
		ChildrenOf: make(map[int32][]int32),
		TakenAt:    time.Now(),
	}

	for _, p := range procs {
		cmdline, err := p.Cmdline()
		if err != nil {
			cmdline = ""
		}
		cwd, err := p.Cwd()
		if err != nil {
			cwd = ""
		}
		cpuPct, err := p.CPUPercent()
		if err != nil {
			cpuPct = 0
		}
		memInfo, err := p.MemoryInfo()
		var memMB float64
		if err == nil && memInfo != nil {
			memMB = float64(memInfo.RSS) / (1024 * 1024)
		}
		ppid, err := p.Ppid()
		if err != nil {
			ppid = 0
		}

		info := ProcInfo{
			PID:   p.Pid,
			PPID:  ppid,
			Cmd:   strings.TrimSpace(cmdline),
			Cwd:   cwd,
			CPU:   cpuPct,
			MemMB: memMB,
		}
		snap.ByPID[p.Pid] = info
		if ppid != 0 {
			snap.ChildrenOf[ppid] = append(snap.ChildrenOf[ppid], p.Pid)
		}
	}

	return snap, nil
}

// children returns the direct children of pid in snap, or nil.
func (s Snapshot) children(pid int32) []int32 {
	return s.ChildrenOf[pid]
}

// commandBasename returns the first whitespace-delimited token of a command
// line, stripped of its directory component — used to match wrapper processes
// against an expected executable name (e.g. "opencode").
func commandBasename(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ""
	}
	first := fields[0]
	if idx := strings.LastIndex(first, "/"); idx >= 0 {
		first = first[idx+1:]
	}
	return first
}
