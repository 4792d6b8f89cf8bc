package main

import (
	"flag"
	"fmt"
	"os"

	"huddle/internal/app"
)

func main() {
	cfg, err := app.Load(os.Getenv("HUDDLE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	serverURL := flag.String("server", cfg.Client.ServerURL, "server base URL (e.g., http://localhost:8080)")
	username := flag.String("user", cfg.Client.Username, "display name")
	flag.Parse()

	cfg.Client.ServerURL = *serverURL
	cfg.Client.Username = *username
	if args := flag.Args(); len(args) >= 1 {
		cfg.Client.SessionID = args[0]
	}

	if err := app.RunClient(cfg.Client, nil); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
