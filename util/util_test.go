// Copyright 2020, Square, Inc.

package util_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/square/toolsrun/util"
)

func TestXIDUnique(t *testing.T) {
	a := util.XID()
	b := util.XID()
	if a == "" || a == b {
		t.Errorf("xids not unique: %q %q", a, b)
	}
}

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	lines := []string{"one", "two", "three", "four", "five"}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	got := util.Tail(path, 3)
	if got != "three\nfour\nfive" {
		t.Errorf("tail = %q, expected last 3 lines", got)
	}

	got = util.Tail(path, 10)
	if got != strings.Join(lines, "\n") {
		t.Errorf("tail = %q, expected whole file", got)
	}

	got = util.Tail(filepath.Join(t.TempDir(), "nope"), 3)
	if !strings.Contains(got, "cannot read") {
		t.Errorf("tail of missing file = %q, expected inline error", got)
	}
}

func TestJobName(t *testing.T) {
	cases := map[string]string{
		"/usr/bin/blastall": "blastall",
		"sleep":             "sleep",
		"echo hi there":     "echo",
		"we!rd(name)":       "we_rd_name_",
	}
	for in, want := range cases {
		if got := util.JobName([]string{in}); got != want {
			t.Errorf("JobName(%q) = %q, expected %q", in, got, want)
		}
	}
	if got := util.JobName(nil); got != "job" {
		t.Errorf("JobName(nil) = %q, expected job", got)
	}
}

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"plain":        "plain",
		"/a/b.c-d":     "/a/b.c-d",
		"has space":    "'has space'",
		"it's":         `'it'\''s'`,
		"":             "''",
		"semi;colon":   "'semi;colon'",
		"a=b,c:d":      "a=b,c:d",
		"dollar$value": "'dollar$value'",
	}
	for in, want := range cases {
		if got := util.ShellQuote(in); got != want {
			t.Errorf("ShellQuote(%q) = %q, expected %q", in, got, want)
		}
	}
}
