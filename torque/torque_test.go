// Copyright 2020, Square, Inc.

package torque_test

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/square/toolsrun/config"
	"github.com/square/toolsrun/torque"
)

const qstatTwoJobs = `Job Id: 123.cluster.example.org
    Job_Name = blastall
    job_state = R
    queue = batch
Job Id: 124.cluster.example.org
    Job_Name = hmmsearch
    job_state = Q
`

func noSleep(time.Duration) {}

func zeroRand(int) int { return 0 }

func TestResourceString(t *testing.T) {
	got := torque.ResourceString(2, 4, 8192)
	if got != "nodes=2:ppn=4,vmem=8192m" {
		t.Errorf("resource string = %q, expected nodes=2:ppn=4,vmem=8192m", got)
	}

	if got := torque.ResourceString(0, 0, 0); got != "" {
		t.Errorf("empty resource string = %q, expected \"\"", got)
	}
	if got := torque.ResourceString(1, 0, 0); got != "nodes=1" {
		t.Errorf("resource string = %q, expected nodes=1", got)
	}
	if got := torque.ResourceString(0, 0, 512); got != "vmem=512m" {
		t.Errorf("resource string = %q, expected vmem=512m", got)
	}
	if got := torque.ResourceString(0, 8, 0); got != "" {
		t.Errorf("resource string = %q, expected ppn alone to be omitted", got)
	}
}

func TestViewParsesQstat(t *testing.T) {
	c := torque.NewClientWithExec(config.Default(),
		func(name string, arg ...string) ([]byte, error) {
			return []byte(qstatTwoJobs), nil
		}, noSleep, zeroRand)

	view := c.View()
	expect := map[string]map[string]string{
		"123.cluster.example.org": {
			"job_name":  "blastall",
			"job_state": "r",
			"queue":     "batch",
		},
		"124.cluster.example.org": {
			"job_name":  "hmmsearch",
			"job_state": "q",
		},
	}
	if diff := deep.Equal(view, expect); diff != nil {
		t.Error(diff)
	}

	if !c.JobAlive("123.cluster.example.org") {
		t.Error("running job not reported alive")
	}
	if !c.JobAlive("124.cluster.example.org") {
		t.Error("queued job not reported alive")
	}
	if c.JobAlive("999.cluster.example.org") {
		t.Error("unknown job reported alive")
	}
	if got := c.State("124.cluster.example.org"); got != "q" {
		t.Errorf("state = %q, expected q", got)
	}
}

func TestViewCacheWindow(t *testing.T) {
	polls := 0
	c := torque.NewClientWithExec(config.Default(),
		func(name string, arg ...string) ([]byte, error) {
			polls++
			return []byte(qstatTwoJobs), nil
		}, noSleep, zeroRand)

	c.View()
	c.View()
	c.View()
	if polls != 1 {
		t.Errorf("qstat polled %d times inside cache window, expected 1", polls)
	}

	c.Invalidate()
	c.View()
	if polls != 2 {
		t.Errorf("qstat polled %d times after invalidation, expected 2", polls)
	}
}

func TestViewQstatErrorRetriesThenEmpty(t *testing.T) {
	polls := 0
	slept := []time.Duration{}
	c := torque.NewClientWithExec(config.Default(),
		func(name string, arg ...string) ([]byte, error) {
			polls++
			return []byte("qstat: cannot connect to server\n"), nil
		},
		func(d time.Duration) { slept = append(slept, d) },
		zeroRand)

	view := c.View()
	if len(view) != 0 {
		t.Errorf("view has %d jobs after qstat errors, expected 0", len(view))
	}
	if polls != 2 {
		t.Errorf("qstat polled %d times, expected 2 (one retry)", polls)
	}
	if len(slept) != 1 || slept[0] != torque.QSTAT_RETRY_WAIT {
		t.Errorf("slept %v, expected one %s wait", slept, torque.QSTAT_RETRY_WAIT)
	}
}

func TestSubmitParsesJobID(t *testing.T) {
	var gotArgs []string
	c := torque.NewClientWithExec(config.Default(),
		func(name string, arg ...string) ([]byte, error) {
			gotArgs = append([]string{name}, arg...)
			return []byte("4462.cluster.example.org\n"), nil
		}, noSleep, zeroRand)

	jobID, err := c.Submit("/data/shared/tmp/x/driver.sh", torque.SubmitOpts{
		Name:    "blastall",
		ErrFile: "/data/shared/tmp/x/err",
		Dir:     "/data/shared/work",
		Queue:   "batch",
		Nodes:   2, ProcsPerNode: 4, VmemMB: 8192,
	})
	if err != nil {
		t.Fatal(err)
	}
	if jobID != "4462.cluster.example.org" {
		t.Errorf("job id = %q", jobID)
	}

	expect := []string{
		"qsub", "-V", "-r", "n", "-o", os.DevNull,
		"-e", "/data/shared/tmp/x/err",
		"-N", "blastall",
		"-d", "/data/shared/work",
		"-q", "batch",
		"-l", "nodes=2:ppn=4,vmem=8192m",
		"/data/shared/tmp/x/driver.sh",
	}
	if diff := deep.Equal(gotArgs, expect); diff != nil {
		t.Error(diff)
	}
}

// A forced-failure submission retries once; the second attempt sees the
// real qsub output because the env var unsets itself.
func TestSubmitForcedFailureRetries(t *testing.T) {
	t.Setenv(torque.FORCE_QSUB_FAILURE_ENV, "bogus output")

	polls := 0
	c := torque.NewClientWithExec(config.Default(),
		func(name string, arg ...string) ([]byte, error) {
			polls++
			return []byte("4463.cluster.example.org\n"), nil
		}, noSleep, zeroRand)

	jobID, err := c.Submit("/data/shared/tmp/x/driver.sh", torque.SubmitOpts{
		Name:    "job",
		ErrFile: "/data/shared/tmp/x/err",
	})
	if err != nil {
		t.Fatal(err)
	}
	if polls != 1 {
		t.Errorf("real qsub ran %d times, expected 1 (first attempt used the forced output)", polls)
	}
	if os.Getenv(torque.FORCE_QSUB_FAILURE_ENV) != "" {
		t.Error("forced-failure env var still set after submission")
	}
	if ok, _ := regexp.MatchString(`^\d+(\.[A-Za-z0-9-]+)+$`, jobID); !ok {
		t.Errorf("job id %q does not look like a job id", jobID)
	}
}

func TestSubmitUnparseableOutputFails(t *testing.T) {
	c := torque.NewClientWithExec(config.Default(),
		func(name string, arg ...string) ([]byte, error) {
			return []byte("some nonsense\n"), nil
		}, noSleep, zeroRand)

	_, err := c.Submit("/data/shared/tmp/x/driver.sh", torque.SubmitOpts{Name: "job"})
	if err == nil {
		t.Fatal("err = nil, expected parse failure after retries")
	}
	if !strings.Contains(err.Error(), "cannot parse job id") {
		t.Errorf("error %q does not mention job id parsing", err)
	}
}

func TestWaitForCapacity(t *testing.T) {
	polls := 0
	sleeps := 0
	c := torque.NewClientWithExec(config.Default(),
		func(name string, arg ...string) ([]byte, error) {
			polls++
			if polls == 1 {
				return []byte(qstatTwoJobs), nil // queue full
			}
			return []byte(""), nil // queue drained
		},
		func(time.Duration) { sleeps++ },
		zeroRand)

	c.WaitForCapacity(1)
	if polls != 2 {
		t.Errorf("qstat polled %d times, expected 2", polls)
	}
	if sleeps != 1 {
		t.Errorf("slept %d times while waiting for capacity, expected 1", sleeps)
	}
}

func TestDelSecondTrySucceeds(t *testing.T) {
	qdels := 0
	qstats := 0
	c := torque.NewClientWithExec(config.Default(),
		func(name string, arg ...string) ([]byte, error) {
			if name == "qdel" {
				qdels++
				return []byte(""), nil
			}
			qstats++
			if qstats == 1 {
				return []byte("Job Id: 55.cluster.example.org\n    job_state = R\n"), nil
			}
			return []byte(""), nil
		}, noSleep, zeroRand)

	if err := c.Del("55.cluster.example.org"); err != nil {
		t.Fatal(err)
	}
	if qdels != 2 {
		t.Errorf("qdel ran %d times, expected 2", qdels)
	}
}

func TestDelFailsWhenJobWontDie(t *testing.T) {
	c := torque.NewClientWithExec(config.Default(),
		func(name string, arg ...string) ([]byte, error) {
			if name == "qdel" {
				return []byte("qdel: job already exiting\n"), nil
			}
			return []byte("Job Id: 55.cluster.example.org\n    job_state = E\n"), nil
		}, noSleep, zeroRand)

	err := c.Del("55.cluster.example.org")
	if err == nil {
		t.Fatal("err = nil, expected fatal error after two qdels")
	}
	if !strings.Contains(err.Error(), "qdel: job already exiting") {
		t.Errorf("error %q does not include qdel output", err)
	}
}

func TestCheckPath(t *testing.T) {
	c := torque.NewClient(config.Default())

	ok := []string{
		"/data/shared/tmp/job-x",
		"/data/prod/runs",
		"/home/lukas/work",
		"/crypt/secret",
		"/net/eggplant/data/shared/tmp",
	}
	for _, p := range ok {
		if err := c.CheckPath(p); err != nil {
			t.Errorf("path %s rejected: %s", p, err)
		}
	}

	bad := []string{
		"/tmp/job-x",
		"/data/other/x",
		"/scratch/foo",
		"/homeless/x",
	}
	for _, p := range bad {
		if err := c.CheckPath(p); err == nil {
			t.Errorf("path %s accepted, expected rejection", p)
		}
	}

	if err := c.CheckPath(""); err != nil {
		t.Errorf("empty path rejected: %s", err)
	}
}

func TestCheckPathConfigurablePrefixes(t *testing.T) {
	cfg := config.Default()
	cfg.ClusterPrefixes = []string{"/scratch"}
	cfg.NetPrefix = false
	c := torque.NewClient(cfg)

	if err := c.CheckPath("/scratch/foo"); err != nil {
		t.Errorf("path /scratch/foo rejected: %s", err)
	}
	if err := c.CheckPath("/data/shared/x"); err == nil {
		t.Error("path /data/shared/x accepted with scratch-only policy")
	}
	if err := c.CheckPath("/net/host/scratch/foo"); err == nil {
		t.Error("net prefix accepted with net_prefix disabled")
	}
}

func ExampleResourceString() {
	fmt.Println(torque.ResourceString(2, 4, 8192))
	// Output: nodes=2:ppn=4,vmem=8192m
}
