package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/martinbogo/meshbbs/internal/config"
	"github.com/martinbogo/meshbbs/internal/nodecache"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "nodecachectl:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.toml", "path to config file")
	file := flag.String("file", "", "node cache file (overrides config)")
	asJSON := flag.Bool("json", false, "print raw JSON entries")
	sweep := flag.Bool("sweep", false, "remove stale entries and save")
	flag.Parse()

	path := *file
	maxAge := time.Duration(config.DefaultNodeMaxAgeDays) * 24 * time.Hour
	if path == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		path = cfg.Meshtastic.NodeCacheFile
		maxAge = time.Duration(cfg.Meshtastic.NodeMaxAgeDays) * 24 * time.Hour
	}

	cache := nodecache.New(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := cache.Load(); err != nil {
		return err
	}

	if *sweep {
		removed := cache.Sweep(maxAge)
		if err := cache.Save(); err != nil {
			return fmt.Errorf("save swept cache: %w", err)
		}
		fmt.Printf("removed %d stale entries\n", removed)
	}

	entries := cache.Snapshot()
	if *asJSON {
		type row struct {
			NodeNum uint32 `json:"node_num"`
			nodecache.Entry
		}
		rows := make([]row, 0, len(entries))
		for _, entry := range entries {
			rows = append(rows, row{NodeNum: entry.NodeNum, Entry: entry})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSHORT\tLONG\tFIRST SEEN\tLAST SEEN")
	for _, entry := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			entry.NodeNum,
			entry.ShortName,
			entry.LongName,
			entry.FirstSeen.Local().Format(time.DateTime),
			entry.LastSeen.Local().Format(time.DateTime),
		)
	}
	return tw.Flush()
}
