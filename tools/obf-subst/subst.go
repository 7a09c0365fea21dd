// Copyright 2025 obfkit project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// obf-subst rewrites arithmetic and bitwise operators in IR modules
// with equivalent but more complex sequences of operations.
// Without input files it generates and rewrites a random module.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/obfkit/obfkit/pkg/config"
	"github.com/obfkit/obfkit/pkg/log"
	"github.com/obfkit/obfkit/pkg/obfconfig"
	"github.com/obfkit/obfkit/pkg/osutil"
	"github.com/obfkit/obfkit/pkg/stat"
	"github.com/obfkit/obfkit/pkg/subst"
	"github.com/obfkit/obfkit/pkg/tool"
)

var (
	flagConfig      = flag.String("config", "", "config file (JSON, or YAML with .yaml extension)")
	flagSub         = flag.Bool("sub", false, "rewrite functions without sub/nosub annotations")
	flagSubLoop     = flag.Int("sub_loop", 1, "number of substitution passes")
	flagSeed        = flag.Int64("seed", -1, "prng seed (-1 for time based)")
	flagCrypto      = flag.Bool("crypto", false, "use crypto/rand as the random source")
	flagMatchNames  = flag.Bool("match-names", false, "honor _sub_/_nosub_ markers in function names")
	flagExpandUnary = flag.Bool("expand-unary", false, "emit not/neg as xor/sub")
	flagEraseDead   = flag.Bool("erase-dead", false, "remove rewritten ops after each pass")
	flagJobs        = flag.Int("j", 1, "number of files processed in parallel")
	flagVerify      = flag.Int("verify", 0, "check equivalence of rewritten functions on N random inputs")
	flagOut         = flag.String("o", "", "output dir (default: stdout)")
	flagDiff        = flag.Bool("diff", false, "print diff instead of the rewritten module")
	flagStats       = flag.Bool("stats", false, "print substitution statistics")
	flagReport      = flag.String("report", "", "write JSON report to the file")
	flagMetrics     = flag.String("metrics", "", "write Prometheus metrics in text format to the file")
	flagLen         = flag.Int("len", 30, "number of ops per generated function")
	flagMeta        = flag.Bool("meta", false, "copy function annotations into metadata")
	flagRules       = flag.Bool("rules", false, "print rewrite rules and exit")
	flagDisable     tool.ListFlag
)

type report struct {
	ID    string         `json:"id"`
	Seed  int64          `json:"seed"`
	Files []fileReport   `json:"files"`
	Total map[string]int `json:"total"`
}

func main() {
	flag.Var(&flagDisable, "disable", "comma-separated list of disabled rules")
	defer tool.Init()()
	if *flagRules {
		for _, name := range subst.RuleNames() {
			fmt.Printf("%-20v %v\n", name, subst.LookupRule(name).Code)
		}
		return
	}
	cfg, err := loadConfig()
	if err != nil {
		tool.Fail(err)
	}
	if cfg.Seed == -1 && !cfg.CryptoRand {
		cfg.Seed = time.Now().UnixNano()
	}
	log.Logf(0, "seed=%v", cfg.Seed)
	files, err := osutil.ListFiles(flag.Args(), ".ir")
	if err != nil {
		tool.Fail(err)
	}
	p := &processor{
		cfg:      cfg,
		genLen:   *flagLen,
		toMeta:   *flagMeta,
		wantDiff: *flagDiff,
	}
	results, err := p.run(files)
	if err != nil {
		tool.Fail(err)
	}
	if err := writeResults(results); err != nil {
		tool.Fail(err)
	}
	if *flagStats {
		for _, ui := range stat.Collect(stat.All) {
			fmt.Fprintf(os.Stderr, "%-30v %v\n", ui.Name+":", ui.Value)
		}
	}
	if *flagMetrics != "" {
		if err := writeMetrics(*flagMetrics); err != nil {
			tool.Fail(err)
		}
	}
	if *flagReport != "" {
		rep := &report{
			ID:    uuid.NewString(),
			Seed:  cfg.Seed,
			Total: make(map[string]int),
		}
		for _, res := range results {
			rep.Files = append(rep.Files, res.report)
			for op, n := range res.report.Stats {
				rep.Total[op] += n
			}
		}
		if err := config.SaveFile(*flagReport, rep); err != nil {
			tool.Fail(err)
		}
	}
}

// loadConfig loads the config file (if any) and applies explicitly set flags on top of it.
func loadConfig() (*obfconfig.Config, error) {
	cfg := obfconfig.Default()
	if *flagConfig != "" {
		var err error
		if cfg, err = obfconfig.LoadFile(*flagConfig); err != nil {
			return nil, err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "sub":
			cfg.Sub = *flagSub
		case "sub_loop":
			cfg.SubLoop = *flagSubLoop
		case "seed":
			cfg.Seed = *flagSeed
		case "crypto":
			cfg.CryptoRand = *flagCrypto
		case "match-names":
			cfg.MatchNames = *flagMatchNames
		case "expand-unary":
			cfg.ExpandUnary = *flagExpandUnary
		case "erase-dead":
			cfg.EraseDead = *flagEraseDead
		case "disable":
			cfg.DisabledRules = append(cfg.DisabledRules, flagDisable...)
		case "j":
			cfg.Workers = *flagJobs
		case "verify":
			cfg.VerifyIters = *flagVerify
		}
	})
	return cfg, obfconfig.Complete(cfg)
}

func writeResults(results []*result) error {
	if *flagOut != "" {
		if err := osutil.MkdirAll(*flagOut); err != nil {
			return err
		}
	}
	for _, res := range results {
		if *flagOut != "" {
			file := filepath.Join(*flagOut, filepath.Base(res.report.File))
			if err := osutil.WriteFile(file, res.output); err != nil {
				return err
			}
		}
		if *flagDiff {
			fmt.Printf("--- %v\n%s", res.report.File, res.diff)
		} else if *flagOut == "" {
			os.Stdout.Write(res.output)
		}
	}
	return nil
}

func writeMetrics(file string) error {
	buf := new(bytes.Buffer)
	if err := stat.WritePrometheus(buf); err != nil {
		return err
	}
	return osutil.WriteFile(file, buf.Bytes())
}
