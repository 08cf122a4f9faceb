// Copyright 2020, Square, Inc.

package torque

import (
	"fmt"
	"strings"
)

// CheckPath verifies that p is on a filesystem the cluster nodes can
// reach, per the configured prefix policy. An empty p passes (the
// corresponding option simply is not set). An optional /net/<host> NFS
// automount prefix is stripped first when the config allows it.
func (c *Client) CheckPath(p string) error {
	if p == "" {
		return nil
	}
	rest := p
	if c.cfg.NetPrefix && strings.HasPrefix(rest, "/net/") {
		if i := strings.IndexByte(rest[len("/net/"):], '/'); i >= 0 {
			rest = rest[len("/net/")+i:]
		}
	}
	for _, prefix := range c.cfg.ClusterPrefixes {
		if rest == prefix || strings.HasPrefix(rest, prefix+"/") {
			return nil
		}
	}
	return fmt.Errorf("path %s is not visible from the cluster nodes (accessible prefixes: %s)",
		p, strings.Join(c.cfg.ClusterPrefixes, ", "))
}
