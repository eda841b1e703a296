// Command replay scans the archived event segments written by the server
// and either re-prints matching records as JSONL or reports coverage per
// tenant. The sqlite database stays the source of truth; the archives exist
// so history can be inspected without a server or rebuilt after data loss.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	persistlog "agorasim.ai/internal/persistence/log"
	"agorasim.ai/internal/protocol"
)

func main() {
	var (
		dataDir   = flag.String("data", "./data", "runtime data directory")
		eventsDir = flag.String("events", "", "events dir containing events-*.jsonl.zst (defaults to <data>/events)")
		tenant    = flag.String("tenant", "", "tenant id filter")
		agent     = flag.String("agent", "", "agent id filter")
		category  = flag.String("category", "", "event category filter")
		eventType = flag.String("type", "", "event type filter")
		fromTick  = flag.Uint64("from_tick", 0, "first tick (inclusive)")
		toTick    = flag.Uint64("to_tick", 0, "last tick (inclusive; 0 = no limit)")
		summary   = flag.Bool("summary", false, "print counts and version coverage instead of records")
	)
	flag.Parse()

	dir := strings.TrimSpace(*eventsDir)
	if dir == "" {
		dir = filepath.Join(*dataDir, "events")
	}
	files, err := listEventFiles(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list events:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no event segments found in", dir)
		os.Exit(1)
	}

	match := func(rec *protocol.EventRecord) bool {
		if *tenant != "" && rec.TenantID != *tenant {
			return false
		}
		if *agent != "" && rec.AgentID != *agent {
			return false
		}
		if *category != "" && string(rec.Category) != *category {
			return false
		}
		if *eventType != "" && rec.Type != *eventType {
			return false
		}
		if rec.Tick < *fromTick {
			return false
		}
		if *toTick != 0 && rec.Tick > *toTick {
			return false
		}
		return true
	}

	if *summary {
		sum, err := summarize(files, match)
		if err != nil {
			fmt.Fprintln(os.Stderr, "summarize:", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		_ = enc.Encode(sum)
		return
	}

	// Segment names sort chronologically, so a sequential scan keeps records
	// in append order for piping.
	var printed uint64
	for _, path := range files {
		err := persistlog.ReadJSONLZstd(path, func(line []byte) error {
			var rec protocol.EventRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			if !match(&rec) {
				return nil
			}
			printed++
			os.Stdout.Write(line)
			os.Stdout.Write([]byte{'\n'})
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
	}
	fmt.Fprintf(os.Stderr, "matched %d events across %d segments\n", printed, len(files))
}

func listEventFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "events-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

type archiveSummary struct {
	Segments   int                        `json:"segments"`
	Events     uint64                     `json:"events"`
	FirstTick  uint64                     `json:"first_tick"`
	LastTick   uint64                     `json:"last_tick"`
	Categories map[string]uint64          `json:"categories"`
	Types      map[string]uint64          `json:"types"`
	Tenants    map[string]*tenantCoverage `json:"tenants"`
}

type tenantCoverage struct {
	Events     uint64 `json:"events"`
	MinVersion uint64 `json:"min_version"`
	MaxVersion uint64 `json:"max_version"`
	// Missing counts versions absent from the archives between min and max.
	// Non-zero means a segment was lost or the scan was filtered.
	Missing uint64 `json:"missing"`
}

// summarize scans segments concurrently; matched records only contribute
// counters, so merge order does not matter.
func summarize(files []string, match func(*protocol.EventRecord) bool) (*archiveSummary, error) {
	sum := &archiveSummary{
		Segments:   len(files),
		Categories: make(map[string]uint64),
		Types:      make(map[string]uint64),
		Tenants:    make(map[string]*tenantCoverage),
	}
	var mu sync.Mutex

	var g errgroup.Group
	for _, path := range files {
		path := path
		g.Go(func() error {
			return persistlog.ReadJSONLZstd(path, func(line []byte) error {
				var rec protocol.EventRecord
				if err := json.Unmarshal(line, &rec); err != nil {
					return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
				}
				if !match(&rec) {
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				if sum.Events == 0 || rec.Tick < sum.FirstTick {
					sum.FirstTick = rec.Tick
				}
				if rec.Tick > sum.LastTick {
					sum.LastTick = rec.Tick
				}
				sum.Events++
				sum.Categories[string(rec.Category)]++
				sum.Types[rec.Type]++
				tc := sum.Tenants[rec.TenantID]
				if tc == nil {
					tc = &tenantCoverage{MinVersion: rec.Version, MaxVersion: rec.Version}
					sum.Tenants[rec.TenantID] = tc
				}
				tc.Events++
				if rec.Version < tc.MinVersion {
					tc.MinVersion = rec.Version
				}
				if rec.Version > tc.MaxVersion {
					tc.MaxVersion = rec.Version
				}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, tc := range sum.Tenants {
		if span := tc.MaxVersion - tc.MinVersion + 1; span > tc.Events {
			tc.Missing = span - tc.Events
		}
	}
	return sum, nil
}
