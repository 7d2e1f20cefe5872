package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/basket/iron-claw/internal/config"
	"github.com/basket/iron-claw/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "emit diagnosis as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	var cfgPtr *config.Config
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v (running checks without config)\n", err)
	} else {
		cfgPtr = &cfg
	}

	d := doctor.Run(ctx, cfgPtr, Version)

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
	} else {
		printDiagnosis(os.Stdout, d)
	}

	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return 1
		}
	}
	return 0
}

func printDiagnosis(w io.Writer, d doctor.Diagnosis) {
	fmt.Fprintf(w, "ironclaw %s (%s/%s, %s)\n\n",
		d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
	for _, r := range d.Results {
		fmt.Fprintf(w, "  [%-4s] %-15s %s\n", r.Status, r.Name, r.Message)
		if r.Detail != "" {
			fmt.Fprintf(w, "         %15s %s\n", "", r.Detail)
		}
	}
}
