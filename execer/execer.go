// Copyright 2020, Square, Inc.

// Package execer runs one external command with redirected standard
// streams, forwards stop-signals from the controlling process to the
// child's process group, and records start/end/status/host into the
// job's rendezvous tempdir.
package execer

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/square/toolsrun/sink"
	"github.com/square/toolsrun/util"
)

// Request describes one command execution.
type Request struct {
	// Cmd is the argv. With Shell set, the tokens are joined and run
	// through /bin/sh -c.
	Cmd   []string
	Shell bool

	// Redirections. nil means no redirection: stdin reads /dev/null,
	// stdout/stderr go to /dev/null. If Err is the same *sink.Sink as
	// Out, stderr is tied to the same file as stdout.
	In  *sink.Sink
	Out *sink.Sink
	Err *sink.Sink

	// Dir is the child's working directory; empty means the caller's.
	Dir string

	// Tempdir is the rendezvous directory for the status record and any
	// spooled in-memory sinks. Required.
	Tempdir string
}

// Result is what was observed about a finished command.
type Result struct {
	Start      time.Time
	End        time.Time
	Raw        int // raw wait status
	ExitStatus int
	Signal     syscall.Signal // 0 if the child was not signaled
	Host       string
}

// Handle is a started command. Exactly one Wait call finishes it.
type Handle struct {
	req  Request
	cmd  *exec.Cmd
	tied bool // stderr shares stdout's sink

	sigCh chan os.Signal
	mu    sync.Mutex
	fwd   syscall.Signal // last signal forwarded to the child, 0 if none

	start time.Time
}

// Signals forwarded from the controlling process to the child's process
// group while it runs. SIGKILL cannot be trapped.
var forwarded = []os.Signal{syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM}

var signame = map[syscall.Signal]string{
	syscall.SIGHUP:  "HUP",
	syscall.SIGINT:  "INT",
	syscall.SIGQUIT: "QUIT",
	syscall.SIGABRT: "ABRT",
	syscall.SIGKILL: "KILL",
	syscall.SIGSEGV: "SEGV",
	syscall.SIGPIPE: "PIPE",
	syscall.SIGALRM: "ALRM",
	syscall.SIGTERM: "TERM",
}

// SigName returns the conventional name (without the SIG prefix) of s.
func SigName(s syscall.Signal) string {
	if name, ok := signame[s]; ok {
		return name
	}
	return fmt.Sprintf("%d", int(s))
}

// Exec runs req to completion: Start then Wait.
func Exec(req Request) (Result, error) {
	h, err := Start(req)
	if err != nil {
		return Result{}, err
	}
	return h.Wait()
}

// Start launches the command: sets up all sinks, writes the start record,
// spawns the child in its own process group, and installs the signal
// forwarders. The caller must call Wait exactly once.
func Start(req Request) (*Handle, error) {
	if len(req.Cmd) == 0 {
		return nil, fmt.Errorf("cannot exec: empty command")
	}
	if req.Tempdir == "" {
		return nil, fmt.Errorf("cannot exec: no tempdir")
	}

	h := &Handle{req: req, tied: req.Err != nil && req.Err == req.Out}

	inF, err := req.In.SetupInput(req.Tempdir, "in-spool")
	if err != nil {
		return nil, fmt.Errorf("cannot set up stdin: %w", err)
	}
	outF, err := req.Out.SetupOutput(req.Tempdir, "out-spool")
	if err != nil {
		h.finishSinks()
		return nil, fmt.Errorf("cannot set up stdout: %w", err)
	}
	var errF *os.File
	if h.tied {
		errF = outF
	} else {
		errF, err = req.Err.SetupOutput(req.Tempdir, "err-spool")
		if err != nil {
			h.finishSinks()
			return nil, fmt.Errorf("cannot set up stderr: %w", err)
		}
	}

	var cmd *exec.Cmd
	if req.Shell {
		cmd = exec.Command("/bin/sh", "-c", strings.Join(req.Cmd, " "))
	} else {
		cmd = exec.Command(req.Cmd[0], req.Cmd[1:]...)
	}
	cmd.Dir = req.Dir
	cmd.Stdin = inF
	cmd.Stdout = outF
	cmd.Stderr = errF
	// Own process group, so forwarded signals reach grandchildren too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	h.cmd = cmd

	h.start = time.Now()
	if err := WriteStart(req.Tempdir, h.start.Unix()); err != nil {
		h.finishSinks()
		return nil, fmt.Errorf("cannot write start record: %w", err)
	}

	if err := cmd.Start(); err != nil {
		h.finishSinks()
		return nil, fmt.Errorf("command failed: '%s': %w", Cmdline(req), err)
	}

	h.sigCh = make(chan os.Signal, 4)
	signal.Notify(h.sigCh, forwarded...)
	pgid := cmd.Process.Pid
	go func() {
		for s := range h.sigCh {
			ss, ok := s.(syscall.Signal)
			if !ok {
				continue
			}
			h.mu.Lock()
			h.fwd = ss
			h.mu.Unlock()
			log.WithFields(log.Fields{"signal": SigName(ss), "pgid": pgid}).
				Debug("forwarding signal to child process group")
			syscall.Kill(-pgid, ss)
		}
	}()

	return h, nil
}

// PID returns the child's process id.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Wait blocks until the child exits, writes the end record, finalizes
// the sinks, and surfaces any failure. Teardown always runs, even when
// an error is returned.
func (h *Handle) Wait() (Result, error) {
	werr := h.cmd.Wait()

	signal.Stop(h.sigCh)
	close(h.sigCh)

	res := Result{
		Start: h.start,
		End:   time.Now(),
		Host:  util.Hostname(),
	}
	if ps := h.cmd.ProcessState; ps != nil {
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
			res.Raw = int(ws)
			if ws.Exited() {
				res.ExitStatus = ws.ExitStatus()
			}
			if ws.Signaled() {
				res.Signal = ws.Signal()
			}
		}
	}

	if err := WriteEnd(h.req.Tempdir, res.End.Unix(), res.Raw, res.Host); err != nil {
		log.WithFields(log.Fields{"tempdir": h.req.Tempdir}).
			Warnf("cannot write end record: %s", err)
	}

	if err := h.finishSinks(); err != nil && werr == nil {
		return res, fmt.Errorf("cannot finalize output: %w", err)
	}

	h.mu.Lock()
	fwd := h.fwd
	h.mu.Unlock()
	if fwd != 0 {
		return res, fmt.Errorf("Got signal SIG%s", SigName(fwd))
	}

	if res.ExitStatus != 0 || res.Signal != 0 || werr != nil {
		msg := fmt.Sprintf("command failed: '%s' (host %s, user %s, raw status %d, exit %d",
			Cmdline(h.req), res.Host, util.Username(), res.Raw, res.ExitStatus)
		if res.Signal != 0 {
			msg += fmt.Sprintf(", signal SIG%s", SigName(res.Signal))
		}
		msg += ")"
		if werr != nil {
			if _, isExit := werr.(*exec.ExitError); !isExit {
				msg += fmt.Sprintf(": %s", werr)
			}
		}
		return res, fmt.Errorf("%s", msg)
	}

	return res, nil
}

// Kill sends SIGKILL to the child's process group. Used by callers that
// escalate after the forwarded signals were ignored.
func (h *Handle) Kill() error {
	return syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
}

func (h *Handle) finishSinks() error {
	var first error
	for _, s := range []*sink.Sink{h.req.In, h.req.Out} {
		if err := s.Finish(); err != nil && first == nil {
			first = err
		}
	}
	if !h.tied {
		if err := h.req.Err.Finish(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Cmdline renders the request's command the way it appears in error
// messages: argv tokens joined by spaces.
func Cmdline(req Request) string {
	return strings.Join(req.Cmd, " ")
}
