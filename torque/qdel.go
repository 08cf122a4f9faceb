// Copyright 2020, Square, Inc.

package torque

import (
	"fmt"
	"time"
)

const (
	// Wait after the first qdel before checking the job again.
	QDEL_FIRST_WAIT = 3 * time.Second
	// Wait after the second qdel before giving up.
	QDEL_SECOND_WAIT = 7 * time.Second
)

// Del cancels jobID: qdel, recheck after QDEL_FIRST_WAIT, qdel again if
// the job is still tracked, and after QDEL_SECOND_WAIT more surface a
// fatal error with the combined qdel output.
func (c *Client) Del(jobID string) error {
	out1, err1 := c.run("qdel", jobID)
	c.sleep(QDEL_FIRST_WAIT)
	c.Invalidate()
	if !c.JobAlive(jobID) {
		return nil
	}

	c.logger.Warnf("cluster job %s still alive after qdel, trying again", jobID)
	out2, err2 := c.run("qdel", jobID)
	c.sleep(QDEL_SECOND_WAIT)
	c.Invalidate()
	if !c.JobAlive(jobID) {
		return nil
	}

	return fmt.Errorf("cannot kill cluster job %s: qdel ran twice (errs: %v, %v): output: %s%s",
		jobID, err1, err2, out1, out2)
}
