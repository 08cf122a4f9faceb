// Copyright 2020, Square, Inc.

package job_test

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/square/toolsrun/job"
	"github.com/square/toolsrun/sink"
)

func TestRunSuccess(t *testing.T) {
	hookCalls := 0
	j, err := job.Run([]string{"sleep", "1"}, &job.Options{
		TempBase: t.TempDir(),
		OnCompletion: []job.Hook{
			func(*job.Job) { hookCalls++ },
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer j.Destroy()

	if j.ExitStatus() != 0 {
		t.Errorf("exit status = %d, expected 0", j.ExitStatus())
	}
	if j.EndTime().Before(j.StartTime()) {
		t.Errorf("end time %s before start time %s", j.EndTime(), j.StartTime())
	}
	if j.Out() != "" {
		t.Errorf("out = %q, expected empty", j.Out())
	}
	if j.Err() != "" {
		t.Errorf("err = %q, expected empty", j.Err())
	}
	if hookCalls != 1 {
		t.Errorf("hook calls = %d, expected 1", hookCalls)
	}
	if alive, _ := j.Alive(); alive {
		t.Error("foreground job reports alive after Run returned")
	}
}

func TestRunFailureSurfaced(t *testing.T) {
	j, err := job.Run([]string{"false"}, &job.Options{TempBase: t.TempDir()})
	if err == nil {
		t.Fatal("err = nil, expected a surfaced failure")
	}
	if !strings.Contains(err.Error(), "command failed: 'false'") {
		t.Errorf("error does not contain \"command failed: 'false'\":\n%s", err)
	}
	if !strings.Contains(err.Error(), "last few lines of stderr:") {
		t.Errorf("error does not contain \"last few lines of stderr:\":\n%s", err)
	}
	if j == nil {
		t.Fatal("handle is nil on surfaced failure, expected it for inspection")
	}
	defer j.Destroy()
	if j.ExitStatus() == 0 {
		t.Error("exit status = 0, expected non-zero")
	}
}

func TestRunFailureStored(t *testing.T) {
	hookCalls := 0
	j, err := job.Run([]string{"false"}, &job.Options{
		TempBase:   t.TempDir(),
		StoreError: true,
		OnCompletion: []job.Hook{
			func(*job.Job) { hookCalls++ },
		},
	})
	if err != nil {
		t.Fatalf("err = %s, expected nil with StoreError", err)
	}
	defer j.Destroy()

	if j.ErrorString() == "" {
		t.Error("ErrorString is empty, expected the failure report")
	}
	if j.ExitStatus() == 0 {
		t.Error("exit status = 0, expected non-zero")
	}
	if hookCalls != 1 {
		t.Errorf("hook calls = %d, expected 1", hookCalls)
	}
}

func TestRunBufferSinks(t *testing.T) {
	var out bytes.Buffer
	j, err := job.Run([]string{"sh", "-c", "printf hello"}, &job.Options{
		TempBase: t.TempDir(),
		Out:      sink.NewBuffer(&out),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer j.Destroy()
	if out.String() != "hello" {
		t.Errorf("out buffer = %q, expected hello", out.String())
	}
	if j.Out() != "hello" {
		t.Errorf("Out() = %q, expected hello", j.Out())
	}
}

func TestRunEmptyCommand(t *testing.T) {
	_, err := job.Run(nil, nil)
	if err == nil {
		t.Fatal("err = nil, expected usage error")
	}
	if _, ok := err.(job.ErrUsage); !ok {
		t.Errorf("err type %T, expected job.ErrUsage", err)
	}
}

func TestRunAsyncAndWait(t *testing.T) {
	hookCalls := 0
	j, err := job.RunAsync([]string{"sh", "-c", "sleep 0.2; exit 0"}, &job.Options{
		TempBase: t.TempDir(),
		OnCompletion: []job.Hook{
			func(*job.Job) { hookCalls++ },
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer j.Destroy()

	if j.PID() <= 0 {
		t.Fatalf("pid = %d, expected a live pid", j.PID())
	}
	if alive, err := j.Alive(); err != nil || !alive {
		t.Errorf("alive = %v (err %v), expected true", alive, err)
	}

	if err := j.Wait(); err != nil {
		t.Fatal(err)
	}
	if j.ExitStatus() != 0 {
		t.Errorf("exit status = %d, expected 0", j.ExitStatus())
	}
	if hookCalls != 1 {
		t.Errorf("hook calls = %d, expected 1", hookCalls)
	}

	// Hooks stay fired no matter how often we observe afterward.
	j.Alive()
	j.Alive()
	if hookCalls != 1 {
		t.Errorf("hook calls = %d after repeated observation, expected 1", hookCalls)
	}
}

func TestRunAsyncFailureWritesDieFile(t *testing.T) {
	hookCalls := 0
	j, err := job.RunAsync([]string{"sh", "-c", "echo boom >&2; exit 5"}, &job.Options{
		TempBase: t.TempDir(),
		OnCompletion: []job.Hook{
			func(*job.Job) { hookCalls++ },
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer j.Destroy()

	werr := j.Wait()
	if werr == nil {
		t.Fatal("Wait err = nil, expected the die-file failure")
	}
	if _, ok := werr.(job.ErrJobFailed); !ok {
		t.Errorf("err type %T, expected job.ErrJobFailed", werr)
	}
	if !strings.Contains(werr.Error(), "boom") {
		t.Errorf("error does not carry the stderr tail:\n%s", werr)
	}
	if hookCalls != 0 {
		t.Errorf("hook calls = %d on failure, expected 0", hookCalls)
	}
	if j.ErrorString() == "" {
		t.Error("ErrorString empty after die-file failure")
	}
}

func TestRunAsyncFailureStored(t *testing.T) {
	j, err := job.RunAsync([]string{"false"}, &job.Options{
		TempBase:   t.TempDir(),
		StoreError: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer j.Destroy()

	if werr := j.Wait(); werr != nil {
		t.Fatalf("Wait err = %s, expected nil with StoreError", werr)
	}
	if j.ErrorString() == "" {
		t.Error("ErrorString empty, expected the stored failure")
	}
}

func TestRunAsyncKill(t *testing.T) {
	hookCalls := 0
	j, err := job.RunAsync([]string{"sleep", "600"}, &job.Options{
		TempBase: t.TempDir(),
		OnCompletion: []job.Hook{
			func(*job.Job) { hookCalls++ },
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	gone, err := j.Kill()
	if err != nil {
		t.Fatal(err)
	}
	if !gone {
		t.Fatal("Kill reported the process still alive")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Kill took %s, expected <= 4s", elapsed)
	}

	if alive, _ := j.Alive(); alive {
		t.Error("job reports alive after Kill")
	}
	if hookCalls != 0 {
		t.Errorf("hook calls = %d after cancellation, expected 0", hookCalls)
	}

	tmp := j.Tempdir()
	if err := j.Cleanup(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Errorf("tempdir %s still exists after Cleanup", tmp)
	}
}

func TestCleanupIdempotentAndExistingTempKept(t *testing.T) {
	own := t.TempDir()
	j, err := job.Run([]string{"true"}, &job.Options{ExistingTemp: own})
	if err != nil {
		t.Fatal(err)
	}

	if err := j.Cleanup(); err != nil {
		t.Fatal(err)
	}
	if err := j.Cleanup(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(own); err != nil {
		t.Errorf("caller-owned tempdir removed by Cleanup: %s", err)
	}
}

func TestExistingTempMustExist(t *testing.T) {
	_, err := job.Run([]string{"true"}, &job.Options{
		ExistingTemp: "/no/such/dir/at/all",
	})
	if err == nil {
		t.Fatal("err = nil, expected usage error for missing ExistingTemp")
	}
	if _, ok := err.(job.ErrUsage); !ok {
		t.Errorf("err type %T, expected job.ErrUsage", err)
	}
}

func TestDestroyCleansForeground(t *testing.T) {
	j, err := job.Run([]string{"true"}, &job.Options{TempBase: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	tmp := j.Tempdir()
	if err := j.Destroy(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Errorf("tempdir %s still exists after Destroy", tmp)
	}
}

func TestDestroyWithDieOnDestroyKillsBackground(t *testing.T) {
	j, err := job.RunAsync([]string{"sleep", "600"}, &job.Options{
		TempBase:     t.TempDir(),
		DieOnDestroy: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	pid := j.PID()
	tmp := j.Tempdir()

	if err := j.Destroy(); err != nil {
		t.Fatal(err)
	}
	if alive, _ := j.Alive(); alive {
		t.Errorf("pid %d still alive after Destroy with DieOnDestroy", pid)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Errorf("tempdir %s still exists after Destroy", tmp)
	}
}

func TestProperties(t *testing.T) {
	j, err := job.Run([]string{"true"}, &job.Options{
		TempBase:   t.TempDir(),
		Properties: map[string]interface{}{"owner": "lukas"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer j.Destroy()

	if got := j.Property("owner"); got != "lukas" {
		t.Errorf("property owner = %v, expected lukas", got)
	}
	j.SetProperty("tries", 3)
	if got := j.Property("tries"); got != 3 {
		t.Errorf("property tries = %v, expected 3", got)
	}
	if got := j.Property("nope"); got != nil {
		t.Errorf("property nope = %v, expected nil", got)
	}
}
