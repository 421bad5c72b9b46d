package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/google/gops/agent"
	"github.com/myuser/xdstore/internal/env"
	"github.com/myuser/xdstore/internal/metrics"
)

// item is one key-value pair in scan responses.
type item struct {
	Key   []byte `json:"k"`
	Value []byte `json:"v"`
}

type server struct {
	env *env.Env
	reg *metrics.Registry
}

func storeConfig(r *http.Request) env.StoreConfig {
	q := r.URL.Query()
	return env.StoreConfig{
		Duplicates:   q.Get("dup") == "1",
		KeyPrefixing: q.Get("prefix") == "1",
	}
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, env.ErrStoreNotFound):
		return http.StatusNotFound
	case errors.Is(err, env.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, env.ErrStoreConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) handleKV(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name, key := q.Get("store"), []byte(q.Get("key"))
	if name == "" {
		http.Error(w, "store is required", http.StatusBadRequest)
		return
	}
	cfg := storeConfig(r)

	switch r.Method {
	case http.MethodGet:
		var value []byte
		var found bool
		err := s.env.View(func(txn *env.Transaction) error {
			st, err := s.env.OpenStore(txn, name, cfg, false)
			if err != nil {
				return err
			}
			value, found, err = st.Get(txn, key)
			return err
		})
		if err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
		s.reg.Inc("ops_get")
		if !found {
			http.NotFound(w, r)
			return
		}
		w.Write(value)

	case http.MethodPut, http.MethodPost:
		value, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = s.env.Update(func(txn *env.Transaction) error {
			st, err := s.env.OpenStore(txn, name, cfg, true)
			if err != nil {
				return err
			}
			_, err = st.Put(txn, key, value)
			return err
		})
		if err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
		s.reg.Inc("ops_put")
		fmt.Fprintf(w, "OK")

	case http.MethodDelete:
		var deleted bool
		err := s.env.Update(func(txn *env.Transaction) error {
			st, err := s.env.OpenStore(txn, name, cfg, false)
			if err != nil {
				return err
			}
			if v := q.Get("value"); v != "" {
				deleted, err = st.DeletePair(txn, key, []byte(v))
			} else {
				deleted, err = st.Delete(txn, key)
			}
			return err
		})
		if err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
		s.reg.Inc("ops_delete")
		if !deleted {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "OK")

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) handleScan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("store")
	limit := 100
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var items []item
	err := s.env.View(func(txn *env.Transaction) error {
		st, err := s.env.OpenStore(txn, name, storeConfig(r), false)
		if err != nil {
			return err
		}
		c, err := st.OpenCursor(txn)
		if err != nil {
			return err
		}
		defer c.Close()
		var ok bool
		if start := q.Get("start"); start != "" {
			_, ok = c.SearchKeyRange([]byte(start))
		} else {
			ok = c.Next()
		}
		for ; ok && len(items) < limit; ok = c.Next() {
			items = append(items, item{Key: c.Key(), Value: c.Value()})
		}
		return c.Err()
	})
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	s.reg.Inc("ops_scan")
	json.NewEncoder(w).Encode(items)
}

func (s *server) handleStores(w http.ResponseWriter, r *http.Request) {
	var names []string
	err := s.env.View(func(txn *env.Transaction) error {
		var err error
		names, err = s.env.StoreNames(txn)
		return err
	})
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	json.NewEncoder(w).Encode(names)
}

func (s *server) handleGC(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		if err := s.env.GC().CleanWholeLog(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	json.NewEncoder(w).Encode(s.env.GC().Stats())
}

func main() {
	dir := flag.String("dir", "data/xd", "Environment directory")
	port := flag.Int("port", 9001, "Port")
	configPath := flag.String("config", "", "YAML configuration file")
	gops := flag.Bool("gops", true, "Start the gops diagnostics agent")
	flag.Parse()

	cfg := env.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = env.LoadConfig(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	reg := metrics.NewRegistry()
	cfg.Metrics = reg

	e, err := env.Open(*dir, cfg)
	if err != nil {
		log.Fatalf("Failed to open environment: %v", err)
	}

	if *gops {
		if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
			log.Printf("gops: %v", err)
		}
	}

	s := &server{env: e, reg: reg}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", reg.Handler)
	mux.HandleFunc("/kv", s.handleKV)
	mux.HandleFunc("/scan", s.handleScan)
	mux.HandleFunc("/stores", s.handleStores)
	mux.HandleFunc("/gc", s.handleGC)

	log.Printf("xd-node %s serving %s on %d", e.ID(), *dir, *port)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", *port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("HTTP Listen failed: %v", err)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	srv.Shutdown(context.Background())
	if err := e.Close(); err != nil {
		log.Printf("Close failed: %v", err)
	}
}
