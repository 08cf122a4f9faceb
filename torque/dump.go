// Copyright 2020, Square, Inc.

package torque

// Dump returns raw qstat -f output for one job, for inclusion in
// failure reports. Errors degrade to an inline note; a report is
// already being assembled when this runs.
func (c *Client) Dump(jobID string) string {
	out, err := c.run("qstat", "-f", jobID)
	if err != nil && len(out) == 0 {
		return "(qstat -f failed: " + err.Error() + ")"
	}
	return string(out)
}
