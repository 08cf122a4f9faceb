// Copyright 2020, Square, Inc.

// Package torque talks to a PBS/Torque-compatible batch scheduler
// through its qsub, qstat, and qdel CLIs. It keeps a process-wide,
// rate-limited cache of the qstat -f view, throttles submissions against
// a full queue, and escalates cancellations.
package torque

import (
	"math/rand"
	"os/exec"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/square/toolsrun/config"
)

// ExecFunc runs a scheduler CLI and returns its combined stdout+stderr.
type ExecFunc func(name string, arg ...string) ([]byte, error)

// Client is one scheduler connection. All methods are safe for
// concurrent use; the qstat view refresh is serialized behind a lock.
type Client struct {
	cfg  config.Toolsrun
	view *viewRepo

	mu         sync.Mutex
	lastPoll   time.Time
	stale      bool
	warnedFull bool

	logger  *log.Entry
	run     ExecFunc
	look    func(string) (string, error)
	sleep   func(time.Duration)
	randSec func(n int) int
}

// NewClient returns a Client using cfg and the real scheduler CLIs.
func NewClient(cfg config.Toolsrun) *Client {
	return &Client{
		cfg:     cfg,
		view:    newViewRepo(),
		stale:   true,
		logger:  log.WithFields(log.Fields{"component": "torque"}),
		run:     runCombined,
		look:    exec.LookPath,
		sleep:   time.Sleep,
		randSec: rand.Intn,
	}
}

// NewClientWithExec returns a Client whose CLI execution, sleeping, and
// random backoff are replaced. Used in testing to stub the scheduler and
// collapse the waits.
func NewClientWithExec(cfg config.Toolsrun, run ExecFunc, sleep func(time.Duration), randSec func(int) int) *Client {
	c := NewClient(cfg)
	if run != nil {
		c.run = run
		c.look = func(name string) (string, error) { return name, nil }
	}
	if sleep != nil {
		c.sleep = sleep
	}
	if randSec != nil {
		c.randSec = randSec
	}
	return c
}

var (
	stdOnce sync.Once
	std     *Client
)

// Std returns the process-wide default Client, created on first use
// from config.Default().
func Std() *Client {
	stdOnce.Do(func() {
		std = NewClient(config.Default())
	})
	return std
}

// Config returns the client's config.
func (c *Client) Config() config.Toolsrun {
	return c.cfg
}

func runCombined(name string, arg ...string) ([]byte, error) {
	return exec.Command(name, arg...).CombinedOutput()
}
