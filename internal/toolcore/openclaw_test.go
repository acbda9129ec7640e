package toolcore

import "testing"

func procSnapshot(procs map[int32]ProcInfo) Snapshot {
	children := map[int32][]int32{}
	for pid, info := range procs {
		if info.PPID != 0 {
			children[info.PPID] = append(children[info.PPID], pid)
		}
	}
	return Snapshot{ByPID: procs, ChildrenOf: children}
}

func TestOpenClawDiscoverDropsParentWhenGatewayChildPresent(t *testing.T) {
	snap := procSnapshot(map[int32]ProcInfo{
		1: {PID: 1, Cmd: "openclaw start", Cwd: "/ws"},
		2: {PID: 2, PPID: 1, Cmd: "openclaw-gateway --port 9000", Cwd: "/ws"},
	})

	adapter := &OpenClawAdapter{}
	tools := adapter.Discover(snap)
	if len(tools) != 1 {
		t.Fatalf("expected only the gateway to survive, got %d tools: %+v", len(tools), tools)
	}
	if tools[0].Mode != ModeServe {
		t.Fatalf("expected gateway tool in serve mode, got %s", tools[0].Mode)
	}
	if *tools[0].PID != 2 {
		t.Fatalf("expected surviving tool to be the gateway pid, got %d", *tools[0].PID)
	}
}

func TestOpenClawDiscoverKeepsStandaloneCLIInvocation(t *testing.T) {
	snap := procSnapshot(map[int32]ProcInfo{
		1: {PID: 1, Cmd: "openclaw status --json", Cwd: "/ws"},
	})

	adapter := &OpenClawAdapter{}
	tools := adapter.Discover(snap)
	if len(tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(tools))
	}
	if tools[0].Mode != ModeCLI {
		t.Fatalf("expected CLI mode for non-gateway invocation, got %s", tools[0].Mode)
	}
}

func TestOpenClawHashMatchesToleratesSingleInstance(t *testing.T) {
	whitelisted := buildOpenClawToolID("/ws", "openclaw-gateway", 1, true)
	differentHashCandidate := buildOpenClawToolID("/other", "openclaw-gateway", 2, true)

	if !openClawHashMatches(whitelisted, differentHashCandidate, 1) {
		t.Fatalf("expected single-instance tolerance to accept a differently-hashed candidate")
	}
	if openClawHashMatches(whitelisted, differentHashCandidate, 2) {
		t.Fatalf("expected mismatch to be rejected once more than one instance is whitelisted")
	}
}
