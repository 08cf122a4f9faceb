// Copyright 2020, Square, Inc.

package job

import (
	"regexp"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/square/toolsrun/execer"
	"github.com/square/toolsrun/tempdir"
)

// Poll cadence for Wait on a job whose supervisor this process does not
// own (a deserialized background handle).
const REAP_POLL = 500 * time.Millisecond

// Errors with this shape are the job reacting to our own cancellation
// signals; after Kill they are recorded but not surfaced.
var cancelRe = regexp.MustCompile(`(Got )?signal SIG(INT|QUIT|TERM)`)

// readStatus lazily pulls start/end/ret/host out of the rendezvous
// status file. Once a complete record has been read the handle never
// re-reads, so a handle outlives its tempdir.
func (j *Job) readStatus() {
	if j.statusRead || j.tempdir == "" {
		return
	}
	st, err := execer.ReadStatus(j.tempdir)
	if err != nil {
		j.logger.Warnf("cannot read status file: %s", err)
		return
	}
	if st.HasStart {
		j.startTime = time.Unix(st.Start, 0)
	}
	if st.Done() {
		j.endTime = time.Unix(st.End, 0)
		j.raw = st.Raw
		j.exitStatus = decodeExit(st.Raw)
		j.host = st.Host
		j.statusRead = true
	}
}

// Alive reports whether the job is still running. Observing termination
// finalizes the handle: the die file is checked first and its error
// surfaced (unless StoreError or cancellation), otherwise completion
// hooks fire.
func (j *Job) Alive() (bool, error) {
	switch j.mode {
	case FOREGROUND:
		// Ran to completion inside the constructor.
		return false, nil
	case BACKGROUND:
		if pidAlive(j.pid) {
			return true, nil
		}
		j.awaitSupervisor()
		return false, j.finalize()
	case CLUSTER:
		return j.clusterAlive()
	}
	return false, nil
}

// Wait blocks until the job terminates, then finalizes the handle and
// returns any surfaced failure.
func (j *Job) Wait() error {
	switch j.mode {
	case FOREGROUND:
		return nil
	case BACKGROUND:
		if j.waitCh != nil {
			<-j.waitCh
		} else {
			for pidAlive(j.pid) {
				time.Sleep(REAP_POLL)
			}
		}
		return j.finalize()
	case CLUSTER:
		interval := j.tq.Config().ClusterPollInterval()
		for j.tq.JobAlive(j.jobID) {
			time.Sleep(interval)
		}
		return j.finalize()
	}
	return nil
}

// Kill cancels the job. For background jobs it escalates through QUIT,
// INT, TERM, KILL against the child's process group with a one-second
// pause after each, reporting success iff the process is gone
// afterward. For cluster jobs it runs qdel with the scheduler's retry
// escalation. Cancellation marks the handle so the resulting
// signal-death error is recorded but not surfaced, and completion hooks
// do not fire.
func (j *Job) Kill() (bool, error) {
	j.toldToDie = true
	switch j.mode {
	case FOREGROUND:
		return true, nil
	case BACKGROUND:
		for _, sig := range killSignals {
			if !pidAlive(j.pid) {
				break
			}
			j.logger.WithFields(log.Fields{"signal": execer.SigName(sig), "pid": j.pid}).
				Debug("killing background job")
			// Process group first; fall back to the pid alone.
			if err := syscall.Kill(-j.pid, sig); err != nil {
				syscall.Kill(j.pid, sig)
			}
			time.Sleep(KILL_WAIT)
		}
		gone := !pidAlive(j.pid)
		if gone {
			j.awaitSupervisor()
		}
		return gone, nil
	case CLUSTER:
		if j.jobID == "" {
			return true, nil
		}
		if err := j.tq.Del(j.jobID); err != nil {
			return false, ErrScheduler{Op: "qdel", Err: err}
		}
		return true, nil
	}
	return false, nil
}

// awaitSupervisor lets the supervisor goroutine finish writing the
// status and die records after the child is gone. No-op for handles
// that do not own a supervisor (deserialized ones).
func (j *Job) awaitSupervisor() {
	if j.waitCh != nil {
		<-j.waitCh
	}
}

// finalize runs once the job is observed dead: reads the status, then
// the die file. A die file takes precedence and suppresses hooks; a
// clean death fires them.
func (j *Job) finalize() error {
	j.readStatus()

	if j.tempdir != "" && j.dieFileVisible() {
		die, err := execer.ReadDie(j.tempdir)
		if err != nil {
			j.logger.Warnf("cannot read die file: %s", err)
		}
		if die != "" {
			j.errorString = die
			if j.cancelled(die) {
				return nil
			}
			if j.raiseError {
				return ErrJobFailed{die}
			}
			return nil
		}
	}

	j.maybeFireHooks()
	return nil
}

// cancelled reports whether msg is the echo of our own Kill.
func (j *Job) cancelled(msg string) bool {
	return j.toldToDie && cancelRe.MatchString(msg)
}

// maybeFireHooks fires completion hooks if the job terminated without
// being cancelled. At most once per handle.
func (j *Job) maybeFireHooks() {
	if j.completionFired || j.toldToDie {
		return
	}
	j.fireHooks()
}

// fireHooks runs the hooks unconditionally (used by the foreground
// path, which fires even on failure), still at most once.
func (j *Job) fireHooks() {
	if j.completionFired {
		return
	}
	j.completionFired = true
	for _, h := range j.hooks {
		h(j)
	}
}

// Cleanup removes the job's tempdir and any empty ancestor segments.
// Idempotent. Caller-owned (ExistingTemp) dirs are never deleted, and
// with CXGNTOOLSRUNDEBUG set, background and cluster tempdirs are kept
// for post-mortems.
func (j *Job) Cleanup() error {
	if j.cleaned || j.existingTemp || j.tempdir == "" {
		return nil
	}
	if debugEnabled() && j.mode != FOREGROUND {
		j.logger.Debug("debug set, keeping tempdir")
		return nil
	}
	if err := tempdir.Cleanup(j.tempdir); err != nil {
		return err
	}
	j.cleaned = true
	return nil
}

// Destroy is the handle's destructor: explicit teardown at end of use.
// Foreground tempdirs are always cleaned. Background and cluster
// handles are left running unless DieOnDestroy was set, in which case
// the job is killed first and then cleaned up.
func (j *Job) Destroy() error {
	if j.destroyed {
		return nil
	}
	j.destroyed = true
	switch j.mode {
	case FOREGROUND:
		return j.Cleanup()
	default:
		if !j.dieOnDestroy {
			return nil
		}
		if alive, _ := j.Alive(); alive {
			j.Kill()
		}
		return j.Cleanup()
	}
}
