package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/pelletier/go-toml/v2"

	acme "github.com/caasmo/restinpieces-certonly"
)

// generateBlueprintConfig creates an acme.Config populated with the defaults
// and example values for the required options.
func generateBlueprintConfig() acme.Config {
	cfg := acme.DefaultConfig()
	cfg.Email = "your-acme-account@example.com"
	cfg.Domains = []string{"example.com", "www.example.com"}
	cfg.AgreeTOS = false // must be flipped by the operator
	return cfg
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	outputFileFlag := flag.String("output", "certonly.blueprint.toml", "Output file path for the blueprint TOML configuration")
	flag.StringVar(outputFileFlag, "o", "certonly.blueprint.toml", "Output file path (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Generates a blueprint certonly TOML configuration file with example values.\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	logger.Info("Generating certonly blueprint configuration...")
	blueprintCfg := generateBlueprintConfig()

	if err := blueprintCfg.Validate(); err != nil {
		logger.Warn("Generated blueprint configuration has validation issues (this is expected for placeholders)", "error", err)
	}

	tomlBytes, err := toml.Marshal(blueprintCfg)
	if err != nil {
		logger.Error("Failed to marshal blueprint config to TOML", "error", err)
		os.Exit(1)
	}

	logger.Info("Writing blueprint configuration", "path", *outputFileFlag)
	if err := os.WriteFile(*outputFileFlag, tomlBytes, 0o644); err != nil {
		logger.Error("Failed to write blueprint config file", "path", *outputFileFlag, "error", err)
		os.Exit(1)
	}

	logger.Info("Blueprint configuration generated successfully", "path", *outputFileFlag)
	logger.Warn("IMPORTANT: Review the generated file, set your domains and email, and set agree_tos = true once you accept the subscriber agreement.")
}
