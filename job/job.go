// Copyright 2020, Square, Inc.

// Package job runs and supervises one external command per handle, in
// one of three modes: foreground (run synchronously), background (spawn
// locally and poll), or cluster (submit to a PBS/Torque batch queue).
// Whatever the mode, the handle exposes the same lifecycle operations:
// Alive, Wait, Kill, Cleanup, Out, Err, ExitStatus, and so on, and the
// job's start/end/status/host travel through a per-job rendezvous
// tempdir so a handle can be serialized and picked up by another
// process.
package job

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/square/toolsrun/execer"
	"github.com/square/toolsrun/sink"
	"github.com/square/toolsrun/tempdir"
	"github.com/square/toolsrun/torque"
	"github.com/square/toolsrun/util"
)

// Mode says how the job's command is executed.
type Mode string

const (
	FOREGROUND Mode = "foreground"
	BACKGROUND Mode = "background"
	CLUSTER    Mode = "cluster"
)

// When this env var is truthy, debug traces are emitted and background
// and cluster tempdirs are kept after Cleanup for post-mortems.
const DEBUG_ENV = "CXGNTOOLSRUNDEBUG"

// A Hook is a completion callback. Hooks fire at most once per handle,
// synchronously, in the controlling process, when the handle first
// observes that its job terminated without being cancelled. Foreground
// hooks fire even when the command failed; background and cluster hooks
// do not fire when the job left a die file.
type Hook func(*Job)

// Options is the trailing option set every constructor accepts.
// Invalid combinations (a live stream sink in cluster mode, a missing
// ExistingTemp dir, ...) fail the constructor immediately.
type Options struct {
	// Redirections for the child's stdin, stdout, and stderr. When Out
	// or Err is nil it defaults to the "out" / "err" file inside the
	// job's tempdir. Passing the same *sink.Sink for Out and Err ties
	// both streams to one sink.
	In  *sink.Sink
	Out *sink.Sink
	Err *sink.Sink

	// WorkingDir is the child's working directory. Defaults to the
	// caller's current directory.
	WorkingDir string

	// TempBase overrides the base under which this handle's tempdir is
	// created.
	TempBase string

	// ExistingTemp adopts a caller-owned directory as the tempdir. It
	// must exist and be writable. Cleanup never deletes it.
	ExistingTemp string

	// StoreError stores failures in ErrorString() instead of returning
	// them from constructors and observation calls. (The default is to
	// surface them.)
	StoreError bool

	// DieOnDestroy makes Destroy kill a still-running job before
	// cleaning up.
	DieOnDestroy bool

	// OnCompletion hooks, fired in order.
	OnCompletion []Hook

	// Cluster-only: scheduler destination and resource requests.
	Queue        string
	Nodes        int
	ProcsPerNode int
	VmemMB       int

	// Cluster-only: admission threshold. Submission blocks while the
	// scheduler queue is at or above this count. 0 means the configured
	// default.
	MaxClusterJobs int

	// Free-form key => value map attached to the handle.
	Properties map[string]interface{}

	// Torque is the scheduler client to submit through. Defaults to
	// the process-wide torque.Std().
	Torque *torque.Client
}

// Job is one handle: one external command in one mode.
type Job struct {
	mode  Mode
	cmd   []string
	shell bool

	in  *sink.Sink
	out *sink.Sink
	err *sink.Sink

	workingDir   string
	tempBase     string
	tempdir      string
	existingTemp bool
	raiseError   bool
	dieOnDestroy bool

	hooks           []Hook
	completionFired bool
	toldToDie       bool

	pid            int
	jobID          string
	queue          string
	nodes          int
	procsPerNode   int
	vmemMB         int
	maxClusterJobs int

	startTime  time.Time
	endTime    time.Time
	host       string
	raw        int
	exitStatus int
	statusRead bool

	properties  map[string]interface{}
	errorString string
	cmdForError string

	tq     *torque.Client
	waitCh chan struct{} // closed by the background supervisor goroutine
	logger *log.Entry

	cleaned   bool
	destroyed bool
}

func debugEnabled() bool {
	v := os.Getenv(DEBUG_ENV)
	return v != "" && v != "0"
}

// newJob does the option processing every constructor shares.
func newJob(mode Mode, cmd []string, o *Options) (*Job, error) {
	if len(cmd) == 0 || cmd[0] == "" {
		return nil, ErrUsage{"empty command"}
	}
	if o == nil {
		o = &Options{}
	}

	if debugEnabled() {
		log.SetLevel(log.DebugLevel)
	}

	tq := o.Torque
	if tq == nil {
		tq = torque.Std()
	}

	maxJobs := o.MaxClusterJobs
	if maxJobs == 0 {
		maxJobs = tq.Config().MaxClusterJobs
	}

	if o.In.Kind() == sink.Consumer {
		return nil, ErrUsage{"a consumer sink cannot be used for stdin"}
	}
	for _, s := range []*sink.Sink{o.Out, o.Err} {
		switch s.Kind() {
		case sink.Producer, sink.Bytes:
			return nil, ErrUsage{fmt.Sprintf("a %s sink cannot be used for output", s.Kind())}
		}
	}

	j := &Job{
		mode:           mode,
		cmd:            append([]string{}, cmd...),
		shell:          len(cmd) == 1 && strings.ContainsAny(cmd[0], " \t|&;<>"),
		in:             o.In,
		out:            o.Out,
		err:            o.Err,
		workingDir:     o.WorkingDir,
		tempBase:       o.TempBase,
		raiseError:     !o.StoreError,
		dieOnDestroy:   o.DieOnDestroy,
		hooks:          append([]Hook{}, o.OnCompletion...),
		queue:          o.Queue,
		nodes:          o.Nodes,
		procsPerNode:   o.ProcsPerNode,
		vmemMB:         o.VmemMB,
		maxClusterJobs: maxJobs,
		properties:     map[string]interface{}{},
		cmdForError:    strings.Join(cmd, " "),
		tq:             tq,
		logger: log.WithFields(log.Fields{
			"job":  util.JobName(cmd),
			"mode": mode,
		}),
	}
	for k, v := range o.Properties {
		j.properties[k] = v
	}

	if o.ExistingTemp != "" {
		fi, err := os.Stat(o.ExistingTemp)
		if err != nil {
			return nil, ErrUsage{fmt.Sprintf("existing temp %s: %s", o.ExistingTemp, err)}
		}
		if !fi.IsDir() {
			return nil, ErrUsage{fmt.Sprintf("existing temp %s is not a directory", o.ExistingTemp)}
		}
		probe, err := os.CreateTemp(o.ExistingTemp, ".writable-*")
		if err != nil {
			return nil, ErrUsage{fmt.Sprintf("existing temp %s is not writable: %s", o.ExistingTemp, err)}
		}
		probe.Close()
		os.Remove(probe.Name())
		j.tempdir = o.ExistingTemp
		j.existingTemp = true
	}

	return j, nil
}

// ensureTempdir creates the rendezvous dir on first demand. Idempotent.
func (j *Job) ensureTempdir() error {
	if j.tempdir != "" {
		return nil
	}
	dir, err := tempdir.New(j.tempBase, util.JobName(j.cmd))
	if err != nil {
		return err
	}
	j.tempdir = dir
	j.logger.WithFields(log.Fields{"tempdir": dir}).Debug("created tempdir")
	return nil
}

// defaultSinks points unset out/err sinks at the tempdir's default
// files. Must run after ensureTempdir.
func (j *Job) defaultSinks() {
	if j.out == nil {
		j.out = sink.NewPath(filepath.Join(j.tempdir, execer.OUT_FILE))
	}
	if j.err == nil {
		j.err = sink.NewPath(filepath.Join(j.tempdir, execer.ERR_FILE))
	}
}

func (j *Job) execRequest() execer.Request {
	return execer.Request{
		Cmd:     j.cmd,
		Shell:   j.shell,
		In:      j.in,
		Out:     j.out,
		Err:     j.err,
		Dir:     j.workingDir,
		Tempdir: j.tempdir,
	}
}

// Accessors. None of these block; some do bounded IO to read the small
// rendezvous files.

func (j *Job) Mode() Mode         { return j.mode }
func (j *Job) Command() []string  { return append([]string{}, j.cmd...) }
func (j *Job) Tempdir() string    { return j.tempdir }
func (j *Job) WorkingDir() string { return j.workingDir }
func (j *Job) PID() int           { return j.pid }
func (j *Job) JobID() string      { return j.jobID }
func (j *Job) Queue() string      { return j.queue }

// Torque returns the scheduler client this handle submits and polls
// through.
func (j *Job) Torque() *torque.Client { return j.tq }

// ErrorString returns the last observed failure text, or "".
func (j *Job) ErrorString() string { return j.errorString }

// Property returns the caller-attached property for key, or nil.
func (j *Job) Property(key string) interface{} { return j.properties[key] }

// SetProperty attaches a free-form property to the handle.
func (j *Job) SetProperty(key string, val interface{}) { j.properties[key] = val }

// ExitStatus returns the decoded exit value once the job has ended, -1
// for signal deaths, 0 before the end record exists.
func (j *Job) ExitStatus() int {
	j.readStatus()
	return j.exitStatus
}

// StartTime returns when the command started, or the zero time.
func (j *Job) StartTime() time.Time {
	j.readStatus()
	return j.startTime
}

// EndTime returns when the command ended, or the zero time while it
// still runs.
func (j *Job) EndTime() time.Time {
	j.readStatus()
	return j.endTime
}

// Host returns the host the command ran on, per the status record.
func (j *Job) Host() string {
	j.readStatus()
	return j.host
}

// OutFile returns the stdout path when stdout is a file sink, else "".
func (j *Job) OutFile() string { return j.out.Path() }

// ErrFile returns the stderr path when stderr is a file sink, else "".
func (j *Job) ErrFile() string { return j.err.Path() }

// Out returns captured stdout: buffer contents for buffer sinks, file
// contents for path sinks, "" otherwise.
func (j *Job) Out() string { return sinkContents(j.out) }

// Err returns captured stderr, like Out.
func (j *Job) Err() string { return sinkContents(j.err) }

func sinkContents(s *sink.Sink) string {
	switch s.Kind() {
	case sink.Buffer:
		return s.Buf().String()
	case sink.Path:
		data, err := os.ReadFile(s.Path())
		if err != nil {
			return ""
		}
		return string(data)
	}
	return ""
}
