package main

import (
	"fmt"
	"os"

	"github.com/tphakala/iotalerts/cmd"
	"github.com/tphakala/iotalerts/internal/buildinfo"
	"github.com/tphakala/iotalerts/internal/conf"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildDate=..."
var (
	version   string
	buildDate string
)

func main() {
	settings, err := conf.Load(os.Getenv("IOTALERTS_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}

	rootCmd := cmd.RootCommand(settings, buildinfo.NewContext(version, buildDate))
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
