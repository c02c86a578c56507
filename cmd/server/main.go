// Package main is the entry point for the pedalconf API server
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/james-see/pedalconf/pkg/api"
	"github.com/james-see/pedalconf/pkg/board"
)

func main() {
	opts := board.DefaultOptions()

	port := flag.Int("port", 8080, "Server port")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&opts.Protocol, "protocol", opts.Protocol, "Firmware protocol (v1, v2, auto)")
	flag.BoolVar(&opts.Simulate, "simulate", false, "Use a simulated pedalboard")
	flag.StringVar(&opts.BLE.DeviceName, "device-name", opts.BLE.DeviceName, "Advertised name to connect to")
	flag.StringVar(&opts.BLE.DataCharUUID, "data-char", "", "Separate data characteristic UUID (v2 firmware)")
	flag.DurationVar(&opts.Timeout, "timeout", opts.Timeout, "Timeout for connecting and for each operation")
	flag.Parse()

	log, err := board.NewLogger(os.Stderr, *logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	b, err := board.Open(context.Background(), opts, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connect error: %v\n", err)
		os.Exit(1)
	}
	defer b.Close()

	fmt.Printf("Starting pedalconf API server on port %d...\n", *port)
	fmt.Printf("Swagger docs available at http://localhost:%d/swagger/index.html\n", *port)

	if err := api.StartServer(*port, b.Controller, log); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}
