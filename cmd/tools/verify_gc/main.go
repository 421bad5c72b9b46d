package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/myuser/xdstore/internal/env"
	xdlog "github.com/myuser/xdstore/internal/log"
)

func put(e *env.Env, key, value string) error {
	return e.Update(func(txn *env.Transaction) error {
		s, err := e.OpenStore(txn, "verify", env.StoreConfig{}, true)
		if err != nil {
			return err
		}
		_, err = s.Put(txn, []byte(key), []byte(value))
		return err
	})
}

func get(e *env.Env, key string) (string, error) {
	var value string
	err := e.View(func(txn *env.Transaction) error {
		s, err := e.OpenStore(txn, "verify", env.StoreConfig{}, false)
		if err != nil {
			return err
		}
		v, _, err := s.Get(txn, []byte(key))
		value = string(v)
		return err
	})
	return value, err
}

// Writes one key over and over into small log files, cleans the whole log
// and checks that a single file with the latest value is left, before and
// after reopening.
func main() {
	writes := flag.Int("writes", 1000, "Number of commits")
	dir := flag.String("dir", "", "Environment directory (temporary if empty)")
	flag.Parse()

	if *dir == "" {
		tmp, err := os.MkdirTemp("", "verify-gc")
		if err != nil {
			fmt.Printf("FAIL: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		*dir = tmp
	}

	cfg := env.DefaultConfig()
	cfg.Log = xdlog.Config{FileSize: 1024, CachePageSize: 256}
	cfg.GCEnabled = false
	cfg.GC.FileMinAge = 1

	e, err := env.Open(*dir, cfg)
	if err != nil {
		fmt.Printf("FAIL: open: %v\n", err)
		os.Exit(1)
	}
	for i := 0; i < *writes; i++ {
		if err := put(e, "key", fmt.Sprintf("value-%d", i)); err != nil {
			fmt.Printf("FAIL: write %d: %v\n", i, err)
			os.Exit(1)
		}
	}
	want := fmt.Sprintf("value-%d", *writes-1)
	fmt.Printf("Initial State Created: %d files.\n", len(e.Log().FileAddresses()))

	fmt.Println("Cleaning whole log...")
	if err := e.GC().CleanWholeLog(); err != nil {
		fmt.Printf("FAIL: clean: %v\n", err)
		os.Exit(1)
	}
	failed := false
	if n := len(e.Log().FileAddresses()); n != 1 {
		fmt.Printf("FAIL: expected 1 file after GC, got %d\n", n)
		failed = true
	} else {
		fmt.Println("PASS: one file left.")
	}
	if v, err := get(e, "key"); err != nil || v != want {
		fmt.Printf("FAIL: expected %s, got %q (%v)\n", want, v, err)
		failed = true
	} else {
		fmt.Println("PASS: latest value readable.")
	}
	if err := e.Close(); err != nil {
		fmt.Printf("FAIL: close: %v\n", err)
		os.Exit(1)
	}

	e, err = env.Open(*dir, cfg)
	if err != nil {
		fmt.Printf("FAIL: reopen: %v\n", err)
		os.Exit(1)
	}
	defer e.Close()
	if v, err := get(e, "key"); err != nil || v != want {
		fmt.Printf("FAIL: after reopen expected %s, got %q (%v)\n", want, v, err)
		failed = true
	} else {
		fmt.Println("PASS: latest value survives reopen.")
	}
	if failed {
		os.Exit(1)
	}
}
