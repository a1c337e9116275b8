// Command importcsv reconciles one or more certificate spreadsheets from the
// command line and prints each batch result as JSON.
//
//	importcsv [-memory] [-folders DIR] cohort-a.csv cohort-b.csv
//
// Without -memory it connects to DATABASE_URL like the server does. With
// -memory the files run against a throwaway in-process store, which is
// enough to check a file's headers and cells before a real import.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/JonMunkholm/certledger/internal/config"
	"github.com/JonMunkholm/certledger/internal/folder"
	"github.com/JonMunkholm/certledger/internal/importer"
	"github.com/JonMunkholm/certledger/internal/logging"
	"github.com/JonMunkholm/certledger/internal/resolver"
	"github.com/JonMunkholm/certledger/internal/sequence"
	"github.com/JonMunkholm/certledger/internal/store"
)

type fileResult struct {
	File   string                 `json:"file"`
	Result *importer.ImportResult `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
	Code   string                 `json:"code,omitempty"`
}

func main() {
	memory := flag.Bool("memory", false, "use an in-memory store instead of DATABASE_URL")
	folders := flag.String("folders", "", "create course folders under this directory")
	headerRows := flag.Int("header-rows", importer.DefaultMaxHeaderSearchRows, "rows to scan for the header")
	retries := flag.Int("retries", sequence.DefaultMaxAttempts, "claim attempts per code or course id")
	verbose := flag.Bool("v", false, "log engine activity to stderr")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: importcsv [flags] file.csv...")
		flag.PrintDefaults()
		os.Exit(2)
	}

	logger := logging.Discard()
	if *verbose {
		logger = logging.New(os.Stderr, "debug", "text")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	st, closeStore, err := openStore(ctx, *memory)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	res := resolver.New(st, resolver.WithLogger(logger), resolver.WithMaxAttempts(*retries))
	alloc := sequence.New(st, sequence.WithLogger(logger), sequence.WithMaxAttempts(*retries))
	opts := []importer.Option{importer.WithLogger(logger)}
	if *folders != "" {
		p, err := folder.NewLocal(*folders)
		if err != nil {
			slog.Error("invalid folder root", "error", err)
			os.Exit(1)
		}
		opts = append(opts, importer.WithProvisioner(p))
	}
	rec := importer.New(st, res, alloc, opts...)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	failed := false
	for _, path := range flag.Args() {
		out := importFile(ctx, rec, path, *headerRows)
		if out.Error != "" || (out.Result != nil && len(out.Result.Errors) > 0) {
			failed = true
		}
		if err := enc.Encode(out); err != nil {
			slog.Error("write result", "error", err)
			os.Exit(1)
		}
	}
	if failed {
		os.Exit(1)
	}
}

func importFile(ctx context.Context, rec *importer.Reconciler, path string, headerRows int) fileResult {
	out := fileResult{File: path}

	f, err := os.Open(path)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	defer f.Close()

	rows, err := importer.ReadCSV(f, headerRows)
	if err == nil {
		out.Result, err = rec.ImportBatch(ctx, rows)
	}
	if err != nil {
		out.Error = importer.FormatUserError(err)
		out.Code = importer.MapError(err).Code
	}
	return out
}

func openStore(ctx context.Context, memory bool) (store.Store, func(), error) {
	if memory {
		return store.NewMemoryStore(), func() {}, nil
	}

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.Migrate {
		if err := store.Migrate(cfg.Database.URL); err != nil {
			return nil, nil, err
		}
	}
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}
