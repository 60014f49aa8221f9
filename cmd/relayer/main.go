package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/abcd5251/1inch-on-sui-sub001/pkg/app"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/app/relayer"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/config"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to configuration file")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var server app.Runner = relayer.NewServer(cfg)
	if err := server.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Relayer exited with error: %v\n", err)
		os.Exit(1)
	}
}
