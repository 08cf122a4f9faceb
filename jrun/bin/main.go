// Copyright 2020, Square, Inc.

package main

import (
	"os"

	"github.com/square/toolsrun/jrun"
)

func main() {
	os.Exit(jrun.Run())
}
