package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/myuser/xdstore/internal/env"
	xdlog "github.com/myuser/xdstore/internal/log"
	"github.com/myuser/xdstore/internal/tree/btree"
	"github.com/myuser/xdstore/internal/tree/patricia"
)

func typeName(typ byte) string {
	switch typ {
	case env.DatabaseRootType:
		return "db-root"
	case btree.LeafType:
		return "leaf"
	case btree.BottomPageType:
		return "bottom-page"
	case btree.InternalPageType:
		return "internal-page"
	case btree.BottomRootType:
		return "bottom-root"
	case btree.InternalRootType:
		return "internal-root"
	case patricia.NodeType:
		return "patricia-node"
	case patricia.RootType:
		return "patricia-root"
	default:
		return fmt.Sprintf("type-%d", typ)
	}
}

// Prints every loggable of an environment directory. The environment must
// not be open elsewhere.
func main() {
	dir := flag.String("dir", "data/xd", "Environment directory")
	fileSize := flag.Int64("file-size", xdlog.DefaultConfig().FileSize, "Log file size the environment was created with")
	sid := flag.Int("structure", -1, "Only print loggables of this structure id")
	flag.Parse()

	s, err := xdlog.OpenFileStorage(*dir, "dump-"+uuid.NewString())
	if err != nil {
		log.Fatalf("Failed to open %s: %v", *dir, err)
	}
	cfg := xdlog.DefaultConfig()
	cfg.FileSize = *fileSize
	l, err := xdlog.Open(cfg, s, s)
	if err != nil {
		log.Fatalf("Failed to open log: %v", err)
	}
	defer l.Close()

	fmt.Printf("files: %d, low: %d, high: %d\n", len(l.FileAddresses()), l.LowAddress(), l.HighAddress())
	counts := make(map[string]int)
	it := l.Iterator(l.LowAddress())
	for it.Next() {
		lg := it.Loggable()
		if *sid >= 0 && lg.StructureID != *sid {
			continue
		}
		name := typeName(lg.Type)
		counts[name]++
		if lg.Type == env.DatabaseRootType {
			meta, last, seq, err := env.DecodeRoot(lg.Data)
			if err != nil {
				fmt.Printf("%12d %-14s invalid: %v\n", lg.Address, name, err)
				continue
			}
			fmt.Printf("%12d %-14s meta=%d lastStructure=%d sequence=%d\n", lg.Address, name, meta, last, seq)
			continue
		}
		fmt.Printf("%12d %-14s structure=%d length=%d\n", lg.Address, name, lg.StructureID, lg.Length)
	}
	if err := it.Err(); err != nil {
		log.Printf("Iteration stopped: %v", err)
	}
	for name, n := range counts {
		fmt.Printf("%s: %d\n", name, n)
	}
}
