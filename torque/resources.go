// Copyright 2020, Square, Inc.

package torque

import (
	"fmt"
	"sort"
	"strings"
)

// ResourceString builds the qsub -l resource request:
// "nodes=<n>[:ppn=<p>],vmem=<m>m". Fields are sorted lexically, unset
// fields are omitted, and vmem carries the "m" (megabytes) suffix.
// Returns "" when nothing is requested.
func ResourceString(nodes, procsPerNode, vmemMB int) string {
	var parts []string
	if nodes > 0 {
		n := fmt.Sprintf("nodes=%d", nodes)
		if procsPerNode > 0 {
			n += fmt.Sprintf(":ppn=%d", procsPerNode)
		}
		parts = append(parts, n)
	}
	if vmemMB > 0 {
		parts = append(parts, fmt.Sprintf("vmem=%dm", vmemMB))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
