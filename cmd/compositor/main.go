package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/geofold/compositor/internal/catalog"
	"github.com/geofold/compositor/internal/config"
	"github.com/geofold/compositor/internal/fsutil"
	"github.com/geofold/compositor/internal/gdal"
	"github.com/geofold/compositor/internal/journal"
	"github.com/geofold/compositor/internal/pipeline"
	"github.com/geofold/compositor/internal/publish"
	"github.com/geofold/compositor/internal/workspace"
)

func main() {
	var journalPath string
	var preserve bool
	flag.StringVar(&journalPath, "journal", "", "override the run journal path")
	flag.BoolVar(&preserve, "preserve", false, "keep the workspace after the run")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("%v", err)
	}
	if journalPath != "" {
		cfg.JournalPath = journalPath
	}
	if preserve {
		cfg.PreserveWorkspace = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jrnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	defer jrnl.Close()

	ws, err := workspace.New(cfg.TempRoot, cfg.PreserveWorkspace)
	if err != nil {
		log.Fatalf("create workspace: %v", err)
	}
	defer ws.Close()

	eng := gdal.NewRunner()
	p := pipeline.New(cfg, eng, catalog.NewClient(eng), jrnl, ws,
		publish.New(fsutil.OSFileSystem{}, cfg.OutputPrefix))

	if err := p.Run(ctx); err != nil {
		// Keep the intermediates around for post-mortem.
		ws.Preserve()
		log.Printf("workspace kept at %s", ws.Root().Dir())
		jrnl.Close()
		log.Fatalf("run failed: %v", err)
	}
	log.Printf("all products completed")
}
