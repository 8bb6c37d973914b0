package osext

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/grafana/cefshim/log"
)

// The register is process wide, so these tests don't run in parallel.

func TestRegister(t *testing.T) {
	logger := log.NewNullLogger()
	t.Cleanup(func() {
		Unregister(logger, 1001)
		Unregister(logger, 1002)
	})

	Register(logger, 1001, "ffmpeg")
	Register(logger, 1002, "ffmpeg")

	pids := Registered()
	sort.Ints(pids)
	assert.Equal(t, []int{1001, 1002}, pids)

	Unregister(logger, 1001)
	Unregister(logger, 1001)
	assert.Equal(t, []int{1002}, Registered())
}

func TestForceProcessShutdown(t *testing.T) {
	var killed []int
	kill := Kill
	Kill = func(pid int) { killed = append(killed, pid) }
	t.Cleanup(func() { Kill = kill })

	Register(log.NewNullLogger(), 2001, "ffmpeg")
	ForceProcessShutdown()

	assert.Equal(t, []int{2001}, killed)
	assert.Empty(t, Registered())
}
