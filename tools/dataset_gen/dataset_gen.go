// Command dataset_gen emits a deterministic synthetic request log —
// newline-separated "/articles/<id>" paths — for replaying against an
// external load tester (bench/bench_test.go builds its own in-memory
// dataset and does not read this file). Adapted from the
// teacher's bench/dataset_gen.go (same flag shape, same "generate once,
// benchmark many times" workflow), but emits request paths instead of raw
// uint64 keys, since advcache's unit of work is an HTTP request rather
// than a bare cache key.
//
// Usage:
//
//	go run ./tools/dataset_gen -n 1000000 -dist=zipf -seed=42 -out requests.txt
//
// Flags:
//
//	-n       number of requests to generate (default 1e6)
//	-dist    distribution over article IDs: "uniform" or "zipf" (default uniform)
//	-zipfs   Zipf s parameter (>1) (default 1.2)
//	-zipfv   Zipf v parameter (>=1) (default 1.0)
//	-seed    PRNG seed (default current time)
//	-out     output file (default stdout)
//
// © 2025 advcache authors. MIT License.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"
)

func main() {
	var (
		n       = flag.Int("n", 1_000_000, "number of requests to generate")
		dist    = flag.String("dist", "uniform", "distribution: uniform or zipf")
		zipfS   = flag.Float64("zipfs", 1.2, "zipf s parameter (>1)")
		zipfV   = flag.Float64("zipfv", 1.0, "zipf v parameter (>=1)")
		seedVal = flag.Int64("seed", time.Now().UnixNano(), "PRNG seed")
		outPath = flag.String("out", "", "output file (default stdout)")
		space   = flag.Uint64("space", 1<<16, "number of distinct article IDs")
	)
	flag.Parse()

	rnd := rand.New(rand.NewSource(*seedVal))

	var gen func() uint64
	switch *dist {
	case "uniform":
		gen = func() uint64 { return rnd.Uint64() % *space }
	case "zipf":
		if *zipfS <= 1.0 || *zipfV < 1 {
			fmt.Fprintln(os.Stderr, "zipfs must be >1 and zipfv >=1")
			os.Exit(1)
		}
		z := rand.NewZipf(rnd, *zipfS, *zipfV, *space-1)
		gen = z.Uint64
	default:
		fmt.Fprintln(os.Stderr, "unknown dist:", *dist)
		os.Exit(1)
	}

	var out *os.File
	var err error
	if *outPath == "" {
		out = os.Stdout
	} else {
		out, err = os.Create(*outPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cannot create file:", err)
			os.Exit(1)
		}
		defer out.Close()
	}

	w := bufio.NewWriterSize(out, 1<<20)
	defer w.Flush()

	for i := 0; i < *n; i++ {
		fmt.Fprintf(w, "/articles/%d\n", gen())
	}
}
