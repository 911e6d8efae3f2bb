// Command indexd is a minimal host process demonstrating how the pieces of
// this module compose: a sqlite-backed Database Wrapper, a filesystem
// storage area, and a ServerIndex built from them. It exposes no DICOM or
// REST frontend — it only proves the wiring and exits once storage is
// flushed on shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/j3soon/orthanc/internal/config"
	"github.com/j3soon/orthanc/internal/serverindex"
	"github.com/j3soon/orthanc/internal/storage/sqlite"
	"github.com/j3soon/orthanc/pkg/storagearea"
)

func main() {
	var (
		dbPath      = flag.String("db", "./indexd.sqlite3", "path to the sqlite database file")
		areaDir     = flag.String("storage-dir", "./indexd-storage", "directory the filesystem storage area writes blobs into")
		maxBytes    = flag.Int64("max-total-bytes", 0, "byte quota before recycling kicks in (0 = unbounded)")
		maxPatients = flag.Int64("max-patients", 0, "patient-count quota before recycling kicks in (0 = unbounded)")
		flushEvery  = flag.Duration("flush-interval", 10*time.Second, "housekeeping flush thread period")
		quiescence  = flag.Duration("quiescence-window", 60*time.Second, "time a resource must go untouched before it is marked stable")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(log, *dbPath, *areaDir, *maxBytes, *maxPatients, *flushEvery, *quiescence); err != nil {
		log.Error("indexd: exiting", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, dbPath, areaDir string, maxBytes, maxPatients int64, flushEvery, quiescence time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(ctx, sqlite.Config{Path: dbPath})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	area, err := storagearea.NewFilesystemArea(areaDir)
	if err != nil {
		return fmt.Errorf("open storage area: %w", err)
	}

	idx, err := serverindex.New(ctx, store, config.Config{
		MaxTotalCompressedBytes: maxBytes,
		MaxPatients:             maxPatients,
		FlushInterval:           flushEvery,
		QuiescenceWindow:        quiescence,
		Area:                    area,
		Log:                     log,
	})
	if err != nil {
		return fmt.Errorf("construct server index: %w", err)
	}

	log.Info("indexd: ready", "db", dbPath, "storage_dir", areaDir)
	<-ctx.Done()
	log.Info("indexd: shutting down")

	return idx.Close()
}
