// Copyright 2020, Square, Inc.

// Package mock provides in-memory fakes used in tests. Sched stands in
// for the PBS CLIs: its Exec method plugs into torque.NewClientWithExec
// and serves qsub/qstat/qdel against an in-memory queue.
package mock

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Sched is a fake batch scheduler.
type Sched struct {
	// QsubOutput is returned verbatim as qsub's combined output.
	QsubOutput string

	// QdelRemovesAfter is how many qdel calls it takes before the
	// target job leaves the queue. 0 means the first call removes it.
	QdelRemovesAfter int

	// DrainAfterPolls empties the queue once qstat has been polled
	// this many times. 0 disables draining.
	DrainAfterPolls int

	mu       sync.Mutex
	jobs     map[string]string // job id => state code
	qsubArgs []string
	qdels    int
	qstats   int
}

func NewSched() *Sched {
	return &Sched{
		jobs: map[string]string{},
	}
}

// AddJob puts a job with the given state code ("r", "q", "e", ...) into
// the fake queue.
func (s *Sched) AddJob(id, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id] = state
}

// RemoveJob drops a job from the fake queue.
func (s *Sched) RemoveJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// QsubArgs returns the argv of the last qsub invocation.
func (s *Sched) QsubArgs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.qsubArgs...)
}

// Qdels returns how many times qdel ran.
func (s *Sched) Qdels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qdels
}

// Qstats returns how many times qstat ran.
func (s *Sched) Qstats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qstats
}

// Exec implements torque.ExecFunc against the in-memory queue.
func (s *Sched) Exec(name string, arg ...string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch name {
	case "qsub":
		s.qsubArgs = append([]string{name}, arg...)
		return []byte(s.QsubOutput), nil
	case "qstat":
		s.qstats++
		if s.DrainAfterPolls > 0 && s.qstats >= s.DrainAfterPolls {
			s.jobs = map[string]string{}
		}
		ids := make([]string, 0, len(s.jobs))
		for id := range s.jobs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		var b strings.Builder
		for _, id := range ids {
			fmt.Fprintf(&b, "Job Id: %s\n    job_state = %s\n",
				id, strings.ToUpper(s.jobs[id]))
		}
		return []byte(b.String()), nil
	case "qdel":
		s.qdels++
		if len(arg) > 0 && s.qdels > s.QdelRemovesAfter-1 {
			delete(s.jobs, arg[0])
		}
		return []byte(""), nil
	}
	return nil, fmt.Errorf("mock scheduler: unknown command %s", name)
}
