// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package tool contains various helper utilitites useful for implementation of command line tools.
package tool

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/obfkit/obfkit/pkg/log"
)

var (
	flagCPUProfile = flag.String("cpuprofile", "", "write CPU profile to this file")
	flagMemProfile = flag.String("memprofile", "", "write memory profile to this file")
)

// Init parses command line flags, starts profiling if requested
// and makes Fail show recent log messages.
// The returned function must be called before the tool exits:
//
//	defer tool.Init()()
func Init() func() {
	flag.Parse()
	log.KeepHistory(200, 64<<10)
	return installProfiling(*flagCPUProfile, *flagMemProfile)
}

func Failf(msg string, args ...interface{}) {
	fmt.Fprint(os.Stderr, failure(msg, args...))
	os.Exit(1)
}

// failure formats the fatal message prefixed with the log history,
// unless the history was already printed.
func failure(msg string, args ...interface{}) string {
	var sb strings.Builder
	if hist := log.History(); hist != "" && !log.V(1) {
		sb.WriteString("recent log:\n")
		sb.WriteString(hist)
	}
	fmt.Fprintf(&sb, msg+"\n", args...)
	return sb.String()
}

func Fail(err error) {
	Failf("%v", err)
}
