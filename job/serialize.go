// Copyright 2020, Square, Inc.

package job

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/square/toolsrun/sink"
	"github.com/square/toolsrun/torque"
	"github.com/square/toolsrun/util"
)

// serialized is the stable wire form of a handle: everything another
// controlling process needs to resume observation. Sinks survive as
// paths; buffers, streams, and callbacks do not (Serialize rejects
// them). Completion hooks are function values and are dropped; the
// resuming process attaches its own if it wants notifications.
type serialized struct {
	Mode  Mode     `json:"mode"`
	Cmd   []string `json:"command"`
	Shell bool     `json:"shell,omitempty"`

	InFile  string `json:"in_file,omitempty"`
	OutFile string `json:"out_file,omitempty"`
	ErrFile string `json:"err_file,omitempty"`

	WorkingDir   string `json:"working_dir,omitempty"`
	TempBase     string `json:"temp_base,omitempty"`
	Tempdir      string `json:"tempdir"`
	ExistingTemp bool   `json:"existing_temp,omitempty"`
	StoreError   bool   `json:"store_error,omitempty"`
	DieOnDestroy bool   `json:"die_on_destroy,omitempty"`

	CompletionFired bool `json:"completion_fired,omitempty"`
	ToldToDie       bool `json:"told_to_die,omitempty"`

	PID            int    `json:"pid,omitempty"`
	JobID          string `json:"job_id,omitempty"`
	Queue          string `json:"queue,omitempty"`
	Nodes          int    `json:"nodes,omitempty"`
	ProcsPerNode   int    `json:"procs_per_node,omitempty"`
	VmemMB         int    `json:"vmem,omitempty"`
	MaxClusterJobs int    `json:"max_cluster_jobs,omitempty"`

	Start      int64  `json:"start_time,omitempty"`
	End        int64  `json:"end_time,omitempty"`
	Host       string `json:"host,omitempty"`
	Raw        int    `json:"raw_status,omitempty"`
	ExitStatus int    `json:"exit_status,omitempty"`
	StatusRead bool   `json:"status_read,omitempty"`

	Properties  map[string]interface{} `json:"properties,omitempty"`
	ErrorString string                 `json:"error_string,omitempty"`
	CmdForError string                 `json:"command_for_error,omitempty"`
}

// Serialize returns the handle's stable byte representation. The
// rendezvous files stay authoritative for anything not yet observed, so
// a successor process deserializing this sees the same state this
// handle would have.
func (j *Job) Serialize() ([]byte, error) {
	for name, s := range map[string]*sink.Sink{"in": j.in, "out": j.out, "err": j.err} {
		if !s.Serializable() {
			return nil, fmt.Errorf("cannot serialize handle: %s sink is a %s, only files survive serialization", name, s.Kind())
		}
	}

	// Pull whatever the rendezvous already knows before snapshotting.
	j.readStatus()

	s := serialized{
		Mode:            j.mode,
		Cmd:             j.cmd,
		Shell:           j.shell,
		InFile:          j.in.Path(),
		OutFile:         j.out.Path(),
		ErrFile:         j.err.Path(),
		WorkingDir:      j.workingDir,
		TempBase:        j.tempBase,
		Tempdir:         j.tempdir,
		ExistingTemp:    j.existingTemp,
		StoreError:      !j.raiseError,
		DieOnDestroy:    j.dieOnDestroy,
		CompletionFired: j.completionFired,
		ToldToDie:       j.toldToDie,
		PID:             j.pid,
		JobID:           j.jobID,
		Queue:           j.queue,
		Nodes:           j.nodes,
		ProcsPerNode:    j.procsPerNode,
		VmemMB:          j.vmemMB,
		MaxClusterJobs:  j.maxClusterJobs,
		Host:            j.host,
		Raw:             j.raw,
		ExitStatus:      j.exitStatus,
		StatusRead:      j.statusRead,
		Properties:      j.properties,
		ErrorString:     j.errorString,
		CmdForError:     j.cmdForError,
	}
	if !j.startTime.IsZero() {
		s.Start = j.startTime.Unix()
	}
	if !j.endTime.IsZero() {
		s.End = j.endTime.Unix()
	}
	return json.Marshal(s)
}

// Deserialize reconstructs a handle from Serialize's output, in this or
// another process. The handle resumes observation through the
// rendezvous files and, for background jobs, the recorded pid.
func Deserialize(data []byte) (*Job, error) {
	var s serialized
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("cannot deserialize handle: %w", err)
	}
	if s.Mode == "" || len(s.Cmd) == 0 {
		return nil, fmt.Errorf("cannot deserialize handle: missing mode or command")
	}

	j := &Job{
		mode:            s.Mode,
		cmd:             s.Cmd,
		shell:           s.Shell,
		workingDir:      s.WorkingDir,
		tempBase:        s.TempBase,
		tempdir:         s.Tempdir,
		existingTemp:    s.ExistingTemp,
		raiseError:      !s.StoreError,
		dieOnDestroy:    s.DieOnDestroy,
		completionFired: s.CompletionFired,
		toldToDie:       s.ToldToDie,
		pid:             s.PID,
		jobID:           s.JobID,
		queue:           s.Queue,
		nodes:           s.Nodes,
		procsPerNode:    s.ProcsPerNode,
		vmemMB:          s.VmemMB,
		maxClusterJobs:  s.MaxClusterJobs,
		host:            s.Host,
		raw:             s.Raw,
		exitStatus:      s.ExitStatus,
		statusRead:      s.StatusRead,
		properties:      s.Properties,
		errorString:     s.ErrorString,
		cmdForError:     s.CmdForError,
		tq:              torque.Std(),
		logger: log.WithFields(log.Fields{
			"job":  util.JobName(s.Cmd),
			"mode": s.Mode,
		}),
	}
	if j.properties == nil {
		j.properties = map[string]interface{}{}
	}
	if j.cmdForError == "" {
		j.cmdForError = strings.Join(s.Cmd, " ")
	}
	if s.InFile != "" {
		j.in = sink.NewPath(s.InFile)
	}
	if s.OutFile != "" {
		j.out = sink.NewPath(s.OutFile)
	}
	if s.ErrFile != "" {
		j.err = sink.NewPath(s.ErrFile)
	}
	if s.Start != 0 {
		j.startTime = time.Unix(s.Start, 0)
	}
	if s.End != 0 {
		j.endTime = time.Unix(s.End, 0)
	}
	return j, nil
}
