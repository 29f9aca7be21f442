package chatlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// LoadDir parses every chatLog-*.log file under dir in parallel. Files
// that fail to load are logged and skipped so one bad file does not sink
// a batch import. Results are sorted by video id.
func LoadDir(ctx context.Context, dir string) ([]*ChatLog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read chat log dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := VideoIDFromFilename(e.Name()); ok {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}

	var (
		mu   sync.Mutex
		logs []*ChatLog
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			log, err := LoadFile(p)
			if err != nil {
				slog.Warn("skipping chat log", slog.String("path", p), slog.Any("err", err))
				return nil
			}
			mu.Lock()
			logs = append(logs, log)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].VideoID < logs[j].VideoID })
	return logs, nil
}
