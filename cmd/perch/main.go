package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "perch",
		Short:   "perch relay server",
		Long:    "Publishes desktops behind NAT at session subdomains and tunnels client traffic to them over WebSocket.",
		Version: version,
	}

	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
