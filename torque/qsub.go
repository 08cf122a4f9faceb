// Copyright 2020, Square, Inc.

package torque

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/square/toolsrun/retry"
)

const (
	// Number of times to attempt parsing a job id out of qsub output.
	SUBMIT_TRIES = 3
	// Time to wait between the above tries.
	SUBMIT_RETRY_WAIT = 1 * time.Second

	// Test hook: when set, the next qsub invocation uses the variable's
	// value in place of the real qsub output, then unsets itself.
	FORCE_QSUB_FAILURE_ENV = "CXGN_TOOLS_RUN_FORCE_QSUB_FAILURE"
)

// A well-formed Torque job id: a numeric sequence followed by at least
// one dotted server-name component, e.g. "4462.cluster.example.org".
var jobIDRe = regexp.MustCompile(`^\d+(\.[A-Za-z0-9-]+)+$`)

// SubmitOpts carries the per-job qsub flags.
type SubmitOpts struct {
	Name    string // -N
	ErrFile string // -e
	Dir     string // -d, if set
	Queue   string // -q, if set

	Nodes        int
	ProcsPerNode int
	VmemMB       int
}

// Submit submits the driver script at scriptPath and returns the
// scheduler's job id. The first line of combined qsub output matching a
// job id wins; unparseable output is retried up to SUBMIT_TRIES times.
// A successful submission invalidates the qstat cache.
func (c *Client) Submit(scriptPath string, o SubmitOpts) (string, error) {
	qsub, err := c.look("qsub")
	if err != nil {
		return "", fmt.Errorf("cannot submit cluster job: qsub is not in PATH: %w", err)
	}

	args := []string{
		"-V",
		"-r", "n",
		"-o", os.DevNull,
		"-e", o.ErrFile,
		"-N", o.Name,
	}
	if o.Dir != "" {
		args = append(args, "-d", o.Dir)
	}
	if o.Queue != "" {
		args = append(args, "-q", o.Queue)
	}
	if res := ResourceString(o.Nodes, o.ProcsPerNode, o.VmemMB); res != "" {
		args = append(args, "-l", res)
	}
	args = append(args, scriptPath)

	var jobID string
	err = retry.Do(SUBMIT_TRIES, SUBMIT_RETRY_WAIT, func() error {
		out, err := c.qsubOutput(qsub, args)
		if err != nil {
			return fmt.Errorf("qsub failed: %s: output: %q", err, out)
		}
		for _, line := range strings.Split(string(out), "\n") {
			if id := strings.TrimSpace(line); jobIDRe.MatchString(id) {
				jobID = id
				return nil
			}
		}
		return fmt.Errorf("cannot parse job id from qsub output: %q", out)
	}, func(err error) {
		c.logger.Warnf("qsub submission attempt failed: %s", err)
	})
	if err != nil {
		return "", err
	}

	c.logger.WithFields(log.Fields{"jobId": jobID, "name": o.Name}).
		Debug("submitted cluster job")
	c.Invalidate()
	return jobID, nil
}

func (c *Client) qsubOutput(qsub string, args []string) ([]byte, error) {
	if forced := os.Getenv(FORCE_QSUB_FAILURE_ENV); forced != "" {
		os.Unsetenv(FORCE_QSUB_FAILURE_ENV)
		return []byte(forced), nil
	}
	return c.run(qsub, args...)
}
