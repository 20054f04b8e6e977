package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-baton/v1/ledger"
	"github.com/mirkobrombin/go-baton/v1/presets"
)

var (
	concurrency = flag.Int("c", 8, "Concurrency")
	requests    = flag.Int("n", 2000, "Requests")
	keys        = flag.Int("k", 64, "Distinct ledger keys")
	target      = flag.String("target", "all", "Target: memory, fs, redis")
	op          = flag.String("op", "all", "Operation: lock, ledger, handle")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis Address")
)

func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"memory", "fs", "redis"}
	}
	ops := strings.Split(*op, ",")
	if *op == "all" {
		ops = []string{"lock", "ledger", "handle"}
	}

	fmt.Printf("| %-18s | %-10s | %-12s | %-12s |\n", "Target", "Ops/sec", "Avg Latency", "P99 Latency")
	fmt.Println("|:---|:---|:---|:---|")

	for _, t := range targets {
		for _, o := range ops {
			runBenchmark(strings.TrimSpace(t), strings.TrimSpace(o))
		}
	}
}

func openStack(name string) (*presets.Stack, func(), error) {
	switch name {
	case "memory":
		s, err := presets.NewInMemory()
		return s, func() {}, err
	case "fs":
		dir, err := os.MkdirTemp("", "baton-bench")
		if err != nil {
			return nil, nil, err
		}
		s, err := presets.NewFileSystem(filepath.Join(dir, "locks"), filepath.Join(dir, "ledger.json"))
		return s, func() { os.RemoveAll(dir) }, err
	case "redis":
		s, err := presets.NewRedis(presets.RedisOptions{Addr: *redisAddr, Prefix: "baton-bench:"})
		return s, func() {}, err
	}
	return nil, nil, fmt.Errorf("unknown target: %s", name)
}

func runBenchmark(name, operation string) {
	label := name + "/" + operation
	s, cleanup, err := openStack(name)
	if err != nil {
		log.Printf("%s: %v", label, err)
		return
	}
	defer cleanup()
	defer s.Close()

	var fn func(ctx context.Context, i int) error
	switch operation {
	case "lock":
		// every worker contends for the same name
		fn = func(ctx context.Context, i int) error {
			if err := s.Locker.Acquire(ctx, "bench", 10*time.Second); err != nil {
				return err
			}
			return s.Locker.Release(ctx, "bench")
		}
	case "ledger":
		fn = func(ctx context.Context, i int) error {
			key := ledger.Key{Repo: "bench/ledger", Number: i % *keys}
			_, err := s.Ledger.Upsert(ctx, key, ledger.StatusPending, "bench")
			return err
		}
	case "handle":
		fn = func(ctx context.Context, i int) error {
			key := ledger.Key{Repo: "bench/handle", Number: i}
			_, err := s.Coordinator.Handle(ctx, key, func(context.Context, ledger.Key) error { return nil })
			return err
		}
	default:
		log.Printf("Unknown operation: %s", operation)
		return
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	var done int64
	totalReqs := *requests
	latencies := make([]int64, totalReqs)

	start := time.Now()
	chunk := totalReqs / *concurrency

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			offset := idx * chunk
			for j := 0; j < chunk; j++ {
				reqStart := time.Now()
				if err := fn(ctx, offset+j); err == nil {
					atomic.AddInt64(&done, 1)
					latencies[offset+j] = time.Since(reqStart).Nanoseconds()
				}
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	if done == 0 {
		fmt.Printf("| %-18s | %-10s | %-12s | %-12s |\n", label, "ERROR", "-", "-")
		return
	}

	throughput := float64(done) / elapsed.Seconds()
	avgLat := float64(elapsed.Nanoseconds()) / float64(done)

	p99 := "-"
	valid := make([]int64, 0, done)
	for _, l := range latencies {
		if l > 0 {
			valid = append(valid, l)
		}
	}
	if len(valid) > 0 {
		sort.Slice(valid, func(i, j int) bool { return valid[i] < valid[j] })
		idx := int(float64(len(valid)) * 0.99)
		if idx >= len(valid) {
			idx = len(valid) - 1
		}
		p99 = fmt.Sprintf("%d", valid[idx])
	}

	fmt.Printf("| %-18s | %-10.0f | %-12.0f | %-12s |\n", label, throughput, avgLat, p99)
}
