package processutils

import (
	"errors"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	KILLED_PROCESS_PID_LOG_FIELD_NAME = "killedProcessPID"
	MAX_KILLED_HIERARCHY_DEPTH        = 10
)

// KillHierarchy kills the process with the given pid and all its descendants, children are
// killed first so that they are not reparented to init while the walk is in progress.
func KillHierarchy(pid int, logger zerolog.Logger) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		//already exited
		return
	}
	killHierarchy(p, logger, 0)
}

func killHierarchy(p *process.Process, logger zerolog.Logger, depth int) {
	if depth < MAX_KILLED_HIERARCHY_DEPTH {
		children, err := p.Children()
		if err != nil && !errors.Is(err, process.ErrorNoChildren) {
			logger.Debug().Err(err).Int32("pid", p.Pid).Msg("failed to list child processes")
		}

		for _, child := range children {
			killHierarchy(child, logger, depth+1)
		}
	}

	if err := p.Kill(); err != nil {
		if running, runningErr := p.IsRunning(); runningErr == nil && !running {
			return
		}
		logger.Debug().Err(err).Int32("pid", p.Pid).Msg("failed to kill process")
		return
	}
	logger.Debug().Int32(KILLED_PROCESS_PID_LOG_FIELD_NAME, p.Pid).Send()
}
