// Copyright 2020, Square, Inc.

package job

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/square/toolsrun/execer"
	"github.com/square/toolsrun/sink"
	"github.com/square/toolsrun/torque"
	"github.com/square/toolsrun/util"
)

// Name of the driver script written into the tempdir for cluster jobs.
const DRIVER_FILE = "driver.sh"

// RunCluster submits cmd to the batch scheduler and returns a handle
// tracking the remote job. The tempdir, sinks, and working dir must all
// be on cluster-accessible filesystems, and sinks must be files (live
// streams and buffers cannot cross to another host). Submission blocks
// while the scheduler queue is at or above the admission threshold.
func RunCluster(cmd []string, o *Options) (*Job, error) {
	j, err := newJob(CLUSTER, cmd, o)
	if err != nil {
		return nil, err
	}

	for name, s := range map[string]*sink.Sink{"in_file": j.in, "out_file": j.out, "err_file": j.err} {
		if err := s.ForCluster(); err != nil {
			return nil, ErrNotSubmittable{fmt.Sprintf("%s: %s", name, err)}
		}
	}

	if err := j.ensureTempdir(); err != nil {
		return nil, err
	}
	j.defaultSinks()

	for _, p := range []string{j.tempdir, j.out.Path(), j.err.Path(), j.workingDir} {
		if err := j.tq.CheckPath(p); err != nil {
			return nil, ErrNotSubmittable{err.Error()}
		}
	}

	helper, err := exec.LookPath(j.tq.Config().Helper)
	if err != nil {
		return nil, ErrNotSubmittable{fmt.Sprintf("driver helper %s is not in PATH", j.tq.Config().Helper)}
	}

	driver := filepath.Join(j.tempdir, DRIVER_FILE)
	if err := os.WriteFile(driver, []byte(j.driverScript(helper)), 0755); err != nil {
		return nil, fmt.Errorf("cannot write driver script: %w", err)
	}

	j.tq.WaitForCapacity(j.maxClusterJobs)

	jobID, err := j.tq.Submit(driver, torque.SubmitOpts{
		Name:         util.JobName(j.cmd),
		ErrFile:      j.err.Path(),
		Dir:          j.workingDir,
		Queue:        j.queue,
		Nodes:        j.nodes,
		ProcsPerNode: j.procsPerNode,
		VmemMB:       j.vmemMB,
	})
	if err != nil {
		serr := ErrScheduler{Op: "qsub", Err: err}
		j.errorString = serr.Error()
		if j.raiseError {
			return nil, serr
		}
		return j, nil
	}

	j.jobID = jobID
	j.logger.WithFields(log.Fields{"jobId": jobID}).Debug("submitted cluster job")
	return j, nil
}

// driverScript builds the self-sufficient script the compute node runs:
// it mirrors every PBS_O_<X> scheduler variable to <X>, then execs the
// pre-installed helper binary, which runs the real command through the
// foreground path against this same tempdir so the node writes into the
// rendezvous the submitter is watching.
func (j *Job) driverScript(helper string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("# toolsrun cluster driver\n")
	b.WriteString(`for v in $(env | sed -n 's/^PBS_O_\([A-Za-z0-9_]*\)=.*/\1/p'); do` + "\n")
	b.WriteString("    eval \"export $v=\\\"\\$PBS_O_$v\\\"\"\n")
	b.WriteString("done\n")

	args := []string{
		util.ShellQuote(helper), "exec",
		"--existing-temp", util.ShellQuote(j.tempdir),
		"--out", util.ShellQuote(j.out.Path()),
		"--err", util.ShellQuote(j.err.Path()),
	}
	if j.in.Path() != "" {
		args = append(args, "--in", util.ShellQuote(j.in.Path()))
	}
	if j.workingDir != "" {
		args = append(args, "--dir", util.ShellQuote(j.workingDir))
	}
	args = append(args, "--")
	for _, c := range j.cmd {
		args = append(args, util.ShellQuote(c))
	}
	b.WriteString("exec " + strings.Join(args, " ") + "\n")
	return b.String()
}

// clusterAlive maps the scheduler's view of the job onto liveness and,
// when the scheduler no longer tracks the job, finalizes the handle.
func (j *Job) clusterAlive() (bool, error) {
	if j.jobID == "" {
		return false, nil
	}
	if j.tq.JobAlive(j.jobID) {
		return true, nil
	}
	return false, j.finalize()
}

// dieFileVisible probes the rendezvous for the die file the remote job
// may have written. The directory-scan probe defeats NFS attribute
// caching; execer implements it that way.
func (j *Job) dieFileVisible() bool {
	return execer.DieFileExists(j.tempdir)
}
