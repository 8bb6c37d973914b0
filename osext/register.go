// Package osext keeps track of the child processes cefshim starts.
package osext

import (
	"os"
	"sync"

	"github.com/grafana/cefshim/log"
)

var (
	processRegister   = map[int]string{} //nolint:gochecknoglobals
	processRegisterMu = sync.Mutex{}     //nolint:gochecknoglobals
)

// Register records a running child process.
func Register(logger *log.Logger, pid int, name string) {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	logger.Debugf("Process:register", "registered %s pid %d", name, pid)

	processRegister[pid] = name
}

// Unregister forgets a child process once it has exited.
func Unregister(logger *log.Logger, pid int) {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	if name, ok := processRegister[pid]; ok {
		logger.Debugf("Process:unregister", "unregistered %s pid %d", name, pid)
		delete(processRegister, pid)
	}
}

// Registered returns the pids of the registered processes.
func Registered() []int {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	pids := make([]int, 0, len(processRegister))
	for pid := range processRegister {
		pids = append(pids, pid)
	}
	return pids
}

// ForceProcessShutdown kills every registered process. It should be called
// when cefshim has to shut down without closing its sinks, e.g. after a
// panic or when closing times out.
func ForceProcessShutdown() {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	for pid := range processRegister {
		Kill(pid)
		delete(processRegister, pid)
	}
}

// Kill will look for and kill the process with the given pid.
// It is a variable so tests can avoid killing real processes.
var Kill = func(pid int) { //nolint:gochecknoglobals
	p, err := os.FindProcess(pid)
	if err != nil {
		// optimistically continue and don't kill the process
		return
	}
	// no need to check the error since we're already dying.
	_ = p.Kill()
	_ = p.Release()
}
