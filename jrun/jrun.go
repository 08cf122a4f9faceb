// Copyright 2020, Square, Inc.

// Package jrun is the toolsrun command line tool. It runs a command in
// any of the three job modes, and it is the driver helper that cluster
// nodes invoke: "jrun exec" replays a submitted command in the
// foreground against the job's existing rendezvous tempdir, so the
// submitting process sees the status and die records appear on the
// shared filesystem.
package jrun

import (
	"fmt"
	"os"

	"github.com/alexflint/go-arg"
	log "github.com/sirupsen/logrus"

	"github.com/square/toolsrun/config"
	"github.com/square/toolsrun/job"
	"github.com/square/toolsrun/sink"
	"github.com/square/toolsrun/tempdir"
	"github.com/square/toolsrun/torque"
	"github.com/square/toolsrun/version"
)

// RunCmd runs a command in the foreground and waits for it.
type RunCmd struct {
	In      string   `arg:"--in" help:"file to feed the command's stdin"`
	Out     string   `arg:"--out" help:"file to capture stdout"`
	Err     string   `arg:"--err" help:"file to capture stderr"`
	Dir     string   `arg:"--dir" help:"working directory for the command"`
	Command []string `arg:"positional,required" help:"command and args"`
}

// AsyncCmd starts a command in the background and prints the serialized
// handle, which another program can resume with job.Deserialize. jrun
// itself has no subcommand that reads it back.
type AsyncCmd struct {
	In      string   `arg:"--in"`
	Out     string   `arg:"--out"`
	Err     string   `arg:"--err"`
	Dir     string   `arg:"--dir"`
	Command []string `arg:"positional,required"`
}

// ClusterCmd submits a command to the batch scheduler.
type ClusterCmd struct {
	In      string   `arg:"--in"`
	Out     string   `arg:"--out"`
	Err     string   `arg:"--err"`
	Dir     string   `arg:"--dir"`
	Queue   string   `arg:"--queue" help:"scheduler destination queue"`
	Nodes   int      `arg:"--nodes" help:"number of nodes to request"`
	Ppn     int      `arg:"--ppn" help:"processes per node to request"`
	Vmem    int      `arg:"--vmem" help:"virtual memory to request, in MB"`
	Wait    bool     `arg:"--wait" help:"poll until the cluster job finishes"`
	Command []string `arg:"positional,required"`
}

// ExecCmd is the node-side driver entry: run the command in the
// foreground against an existing rendezvous tempdir.
type ExecCmd struct {
	ExistingTemp string   `arg:"--existing-temp,required" help:"rendezvous tempdir owned by the submitter"`
	In           string   `arg:"--in"`
	Out          string   `arg:"--out"`
	Err          string   `arg:"--err"`
	Dir          string   `arg:"--dir"`
	Command      []string `arg:"positional,required"`
}

type cmdLine struct {
	Run     *RunCmd     `arg:"subcommand:run" help:"run a command in the foreground"`
	Async   *AsyncCmd   `arg:"subcommand:async" help:"run a command in the background"`
	Cluster *ClusterCmd `arg:"subcommand:cluster" help:"submit a command to the batch scheduler"`
	Exec    *ExecCmd    `arg:"subcommand:exec" help:"(driver) run against an existing tempdir"`

	Config string `arg:"--config,env:TOOLSRUN_CONFIG" help:"site config file"`
	Debug  bool   `arg:"--debug" help:"emit debug traces"`
}

func (cmdLine) Version() string {
	return "jrun " + version.Version()
}

// Run parses the command line and runs the selected subcommand. The
// returned exit status is the job's where there is one.
func Run() int {
	var cmd cmdLine
	p := arg.MustParse(&cmd)

	if cmd.Debug {
		log.SetLevel(log.DebugLevel)
	}

	cfg := config.Default()
	if cmd.Config != "" {
		if err := config.Load(cmd.Config, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "jrun: cannot load config %s: %s\n", cmd.Config, err)
			return 1
		}
	}
	tempdir.SetBase(cfg.TempBase)
	tq := torque.NewClient(cfg)

	switch {
	case cmd.Run != nil:
		return runForeground(cmd.Run.Command, options(cmd.Run.In, cmd.Run.Out, cmd.Run.Err, cmd.Run.Dir, tq), "")
	case cmd.Async != nil:
		return runAsync(cmd.Async, tq)
	case cmd.Cluster != nil:
		return runCluster(cmd.Cluster, tq)
	case cmd.Exec != nil:
		return runForeground(cmd.Exec.Command,
			options(cmd.Exec.In, cmd.Exec.Out, cmd.Exec.Err, cmd.Exec.Dir, tq),
			cmd.Exec.ExistingTemp)
	}

	p.WriteHelp(os.Stderr)
	return 1
}

func options(in, out, errFile, dir string, tq *torque.Client) *job.Options {
	o := &job.Options{
		WorkingDir: dir,
		Torque:     tq,
	}
	if in != "" {
		o.In = sink.NewPath(in)
	}
	if out != "" {
		o.Out = sink.NewPath(out)
	}
	if errFile != "" {
		o.Err = sink.NewPath(errFile)
	}
	return o
}

func runForeground(command []string, o *job.Options, existingTemp string) int {
	o.ExistingTemp = existingTemp
	j, err := job.Run(command, o)
	if j != nil {
		defer j.Destroy()
	}
	if err != nil {
		fmt.Fprint(os.Stderr, err.Error())
		if j != nil && j.ExitStatus() > 0 {
			return j.ExitStatus()
		}
		return 1
	}
	return j.ExitStatus()
}

func runAsync(c *AsyncCmd, tq *torque.Client) int {
	j, err := job.RunAsync(c.Command, options(c.In, c.Out, c.Err, c.Dir, tq))
	if err != nil {
		fmt.Fprint(os.Stderr, err.Error())
		return 1
	}
	handle, err := j.Serialize()
	if err != nil {
		fmt.Fprintf(os.Stderr, "jrun: started pid %d but cannot serialize handle: %s\n", j.PID(), err)
		return 1
	}
	fmt.Println(string(handle))
	return 0
}

func runCluster(c *ClusterCmd, tq *torque.Client) int {
	o := options(c.In, c.Out, c.Err, c.Dir, tq)
	o.Queue = c.Queue
	o.Nodes = c.Nodes
	o.ProcsPerNode = c.Ppn
	o.VmemMB = c.Vmem

	j, err := job.RunCluster(c.Command, o)
	if err != nil {
		fmt.Fprint(os.Stderr, err.Error())
		return 1
	}
	fmt.Println(j.JobID())

	if !c.Wait {
		return 0
	}
	if err := j.Wait(); err != nil {
		fmt.Fprint(os.Stderr, err.Error())
		return 1
	}
	return j.ExitStatus()
}
