// Copyright 2020, Square, Inc.

package torque

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// viewRepo is a small wrapper around a concurrent map that stores the
// parsed qstat -f view (job id => lowercased attributes) in a
// thread-safe way.
type viewRepo struct {
	c cmap.ConcurrentMap[string, map[string]string]
}

func newViewRepo() *viewRepo {
	return &viewRepo{
		c: cmap.New[map[string]string](),
	}
}

// Replace swaps the whole view for the given jobs.
func (r *viewRepo) Replace(jobs map[string]map[string]string) {
	r.c.Clear()
	for id, attrs := range jobs {
		r.c.Set(id, attrs)
	}
}

// Items returns a map of job id => attributes with the whole view.
func (r *viewRepo) Items() map[string]map[string]string {
	return r.c.Items()
}
