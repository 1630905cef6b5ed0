package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/caasmo/restinpieces"

	"github.com/caasmo/restinpieces-certonly/zombiezen"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	dbPathFlag := flag.String("dbpath", "", "Path to the SQLite history database (required)")
	identifierFlag := flag.String("identifier", "", "Hostname the certificate was issued for (required)")
	outFlag := flag.String("out", "", "Destination of the key+fullchain file (required)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -dbpath <db-file> -identifier <hostname> -out <keyfullchain.pem>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Writes the latest recorded certificate for a hostname as a key+fullchain file.\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *dbPathFlag == "" || *identifierFlag == "" || *outFlag == "" {
		flag.Usage()
		os.Exit(1)
	}

	// --- Database Setup ---
	logger.Info("Creating sqlite database pool", "path", *dbPathFlag)
	pool, err := restinpieces.NewZombiezenPool(*dbPathFlag)
	if err != nil {
		logger.Error("failed to create database pool", "db_path", *dbPathFlag, "error", err)
		os.Exit(1)
	}
	defer func() {
		logger.Info("Closing database pool")
		if err := pool.Close(); err != nil {
			logger.Error("error closing database pool", "error", err)
		}
	}()

	db := zombiezen.NewWriter(pool)

	// --- Load Latest Certificate ---
	logger.Info("Loading latest certificate record", "identifier", *identifierFlag)
	cert, err := db.Latest(context.Background(), *identifierFlag)
	if err != nil {
		logger.Error("failed to load certificate record", "identifier", *identifierFlag, "error", err)
		os.Exit(1)
	}
	logger.Info("Loaded certificate record", "id", cert.ID, "domains", cert.Domains, "expires_at", cert.ExpiresAt)

	// --- Write key+fullchain ---
	if err := cert.WriteKeyFullchain(*outFlag); err != nil {
		logger.Error("failed to write key+fullchain", "path", *outFlag, "error", err)
		os.Exit(1)
	}

	logger.Info("Successfully restored certificate.", "path", *outFlag)
}
