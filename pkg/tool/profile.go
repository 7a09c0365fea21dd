// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tool

import (
	"os"
	"runtime"
	"runtime/pprof"
)

type profiler struct {
	cpu     *os.File
	memFile string
}

func installProfiling(cpuFile, memFile string) func() {
	p := &profiler{memFile: memFile}
	if cpuFile != "" {
		f, err := os.Create(cpuFile)
		if err != nil {
			Failf("failed to create cpu profile: %v", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			Failf("failed to start cpu profile: %v", err)
		}
		p.cpu = f
	}
	return p.stop
}

// stop flushes the CPU profile first so that it does not include the heap dump.
func (p *profiler) stop() {
	if p.cpu != nil {
		pprof.StopCPUProfile()
		p.cpu.Close()
		p.cpu = nil
	}
	if p.memFile == "" {
		return
	}
	f, err := os.Create(p.memFile)
	if err != nil {
		Failf("failed to create memory profile: %v", err)
	}
	defer f.Close()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		Failf("failed to write memory profile: %v", err)
	}
}
