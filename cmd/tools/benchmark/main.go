package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/myuser/xdstore/internal/env"
	"github.com/myuser/xdstore/internal/metrics"
)

func main() {
	concurrency := flag.Int("concurrency", 10, "Number of concurrent workers")
	duration := flag.Duration("duration", 10*time.Second, "Test duration")
	dir := flag.String("dir", "", "Environment directory (in memory if empty)")
	keys := flag.Int("keys", 10000, "Key space")
	writeRatio := flag.Float64("writes", 0.5, "Share of writes")
	flag.Parse()

	reg := metrics.NewRegistry()
	cfg := env.DefaultConfig()
	cfg.Metrics = reg

	var e *env.Env
	var err error
	if *dir == "" {
		e, err = env.OpenInMemory(cfg)
	} else {
		e, err = env.Open(*dir, cfg)
	}
	if err != nil {
		fmt.Printf("Failed to open environment: %v\n", err)
		os.Exit(1)
	}
	defer e.Close()

	err = e.Update(func(txn *env.Transaction) error {
		_, err := e.OpenStore(txn, "bench", env.StoreConfig{}, true)
		return err
	})
	if err != nil {
		fmt.Printf("Failed to create store: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting Benchmark: %d workers, %v duration, %d keys\n", *concurrency, *duration, *keys)

	var ops int64
	var errors int64
	start := time.Now()

	var wg sync.WaitGroup
	ctxDone := make(chan struct{})

	go func() {
		time.Sleep(*duration)
		close(ctxDone)
	}()

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(id)))
			for {
				select {
				case <-ctxDone:
					return
				default:
				}
				key := []byte(fmt.Sprintf("user%d", rnd.Intn(*keys)))
				var err error
				if rnd.Float64() < *writeRatio {
					val := []byte(fmt.Sprintf("val%d", rnd.Intn(1000)))
					err = e.Update(func(txn *env.Transaction) error {
						s, err := e.OpenStore(txn, "bench", env.StoreConfig{}, false)
						if err != nil {
							return err
						}
						_, err = s.Put(txn, key, val)
						return err
					})
				} else {
					err = e.View(func(txn *env.Transaction) error {
						s, err := e.OpenStore(txn, "bench", env.StoreConfig{}, false)
						if err != nil {
							return err
						}
						_, _, err = s.Get(txn, key)
						return err
					})
				}
				if err != nil {
					if n := atomic.AddInt64(&errors, 1); n <= 5 {
						fmt.Printf("Error: %v\n", err)
					}
					continue
				}
				atomic.AddInt64(&ops, 1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("Benchmark Finished.")
	fmt.Printf("Total Ops: %d\n", ops)
	fmt.Printf("Errors: %d\n", errors)
	fmt.Printf("Duration: %v\n", elapsed)
	fmt.Printf("RPS: %.2f\n", float64(ops)/elapsed.Seconds())
	for _, name := range reg.Names() {
		fmt.Printf("%s: %d\n", name, reg.Get(name))
	}
}
