// Copyright 2020, Square, Inc.

package job

import (
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/square/toolsrun/execer"
)

// Run executes cmd in the foreground, blocking until it completes. On
// return the handle's end time and exit status are set and completion
// hooks have fired. Failures are returned as ErrJobFailed (the handle is
// returned too, for inspection) unless Options.StoreError is set, in
// which case they land in ErrorString.
func Run(cmd []string, o *Options) (*Job, error) {
	j, err := newJob(FOREGROUND, cmd, o)
	if err != nil {
		return nil, err
	}
	if err := j.ensureTempdir(); err != nil {
		return nil, err
	}
	j.defaultSinks()

	j.logger.Debug("running foreground job")
	res, execErr := execer.Exec(j.execRequest())

	j.startTime = res.Start
	j.endTime = res.End
	j.host = res.Host
	j.raw = res.Raw
	j.exitStatus = decodeExit(res.Raw)
	j.statusRead = true

	if execErr != nil {
		msg := j.formatError(execErr.Error())
		if werr := execer.WriteDie(j.tempdir, msg); werr != nil {
			j.logger.Warnf("cannot write die file: %s", werr)
		}
		j.errorString = msg
		j.fireHooks()
		if j.raiseError && !j.cancelled(msg) {
			return j, ErrJobFailed{msg}
		}
		return j, nil
	}

	j.fireHooks()
	return j, nil
}

// RunAsync executes cmd in the background and returns immediately with
// a live handle. The child runs in its own process group; a supervisor
// goroutine waits on it, records the status, and writes the die file on
// failure. The handle is thereafter polled with Alive, awaited with
// Wait, or cancelled with Kill.
func RunAsync(cmd []string, o *Options) (*Job, error) {
	j, err := newJob(BACKGROUND, cmd, o)
	if err != nil {
		return nil, err
	}
	// The tempdir must exist before the child starts so both sides
	// share the same rendezvous.
	if err := j.ensureTempdir(); err != nil {
		return nil, err
	}
	j.defaultSinks()

	h, err := execer.Start(j.execRequest())
	if err != nil {
		msg := j.formatError(err.Error())
		j.errorString = msg
		if j.raiseError {
			return nil, ErrJobFailed{msg}
		}
		j.statusRead = true
		j.exitStatus = -1
		return j, nil
	}

	j.pid = h.PID()
	j.waitCh = make(chan struct{})
	j.logger.WithFields(log.Fields{"pid": j.pid}).Debug("started background job")

	go func() {
		defer close(j.waitCh)
		if _, werr := h.Wait(); werr != nil {
			msg := j.formatError(werr.Error())
			if derr := execer.WriteDie(j.tempdir, msg); derr != nil {
				j.logger.Warnf("cannot write die file: %s", derr)
			}
		}
	}()

	return j, nil
}

// decodeExit turns a raw wait status into the exit value: the exit code
// for normal exits, -1 for signal deaths.
func decodeExit(raw int) int {
	ws := syscall.WaitStatus(raw)
	if ws.Exited() {
		return ws.ExitStatus()
	}
	if ws.Signaled() {
		return -1
	}
	return 0
}

// pidAlive reports whether pid still answers a no-op signal.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

// Signals tried, in order, when killing a background job. One second
// between attempts.
var killSignals = []syscall.Signal{
	syscall.SIGQUIT,
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGKILL,
}

const KILL_WAIT = 1 * time.Second
