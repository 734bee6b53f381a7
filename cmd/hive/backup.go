package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/errs"
	"github.com/mtzanidakis/hive/internal/memory"
	"github.com/spf13/cobra"
)

func newBackupCommand(configPath *string) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export the memory store to a zstd-compressed JSON-lines file",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := backupFile(cmd.Context(), store, output)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup complete: %d entries, %s\n", n, formatSize(fileSize(output)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "file", "f", "", "output file (.jsonl.zst)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRestoreCommand(configPath *string) *cobra.Command {
	var input string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Import entries from a backup file into the memory store",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			f, err := os.Open(input)
			if err != nil {
				return fmt.Errorf("open backup: %w", err)
			}
			defer f.Close()

			n, err := restore(cmd.Context(), store, f, overwrite)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restore complete: %d entries\n", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "file", "f", "", "backup file (.jsonl.zst)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace keys that already exist")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func openStore(configPath string) (memory.Store, error) {
	cfg, err := config.LoadFile(resolveConfig(configPath))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Store.Backend == "memory" {
		return nil, fmt.Errorf("store backend is memory; nothing to back up or restore")
	}
	// Skip the read cache; every entry is read or written once.
	cfg.Store.CacheSize = 0
	return memory.Open(cfg.Store)
}

func backupFile(ctx context.Context, store memory.Store, path string) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	n, err := backup(ctx, store, f)
	if err != nil {
		return n, err
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("close file: %w", err)
	}
	return n, nil
}

// backup writes every live entry as one JSON object per line.
func backup(ctx context.Context, store memory.Store, w io.Writer) (int, error) {
	entries, err := store.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list entries: %w", err)
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	enc := json.NewEncoder(zw)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return 0, fmt.Errorf("write entry %s: %w", e.Key, err)
		}
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	return len(entries), nil
}

// restore loads a backup. Entries that expired since the backup are
// skipped, and existing keys are kept unless overwrite is set.
func restore(ctx context.Context, store memory.Store, r io.Reader, overwrite bool) (int, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	now := time.Now()
	restored := 0
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for line := 1; sc.Scan(); line++ {
		var e memory.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return restored, fmt.Errorf("line %d: %w", line, err)
		}
		if e.Key == "" {
			return restored, fmt.Errorf("line %d: missing key", line)
		}

		var ttl time.Duration
		if !e.ExpiresAt.IsZero() {
			ttl = e.ExpiresAt.Sub(now)
			if ttl <= 0 {
				continue
			}
		}

		if !overwrite {
			_, err := store.Retrieve(ctx, e.Key)
			if err == nil {
				return restored, fmt.Errorf("key %s already exists, add --overwrite to replace it", e.Key)
			}
			if !errors.Is(err, errs.ErrNotFound) {
				return restored, fmt.Errorf("check %s: %w", e.Key, err)
			}
		}

		if err := store.Store(ctx, e.Key, e.Value, ttl); err != nil {
			return restored, fmt.Errorf("store %s: %w", e.Key, err)
		}
		restored++
	}
	if err := sc.Err(); err != nil {
		return restored, fmt.Errorf("read backup: %w", err)
	}
	return restored, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func formatSize(b int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", b)
	}
}
