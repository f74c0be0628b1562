package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/go-dispatch/internal/config"
	"github.com/basket/go-dispatch/internal/doctor"
)

// runDoctorCommand prints environment diagnostics.
func runDoctorCommand(ctx context.Context) int {
	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
	} else {
		cfgPtr = &cfg
	}

	d := doctor.Run(ctx, cfgPtr, Version)
	fmt.Printf("godispatch %s on %s/%s (%s)\n\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
	for _, r := range d.Results {
		fmt.Printf("  [%-4s] %-16s %s\n", r.Status, r.Name, r.Message)
		if r.Detail != "" {
			fmt.Printf("         %s\n", r.Detail)
		}
	}
	if !d.Healthy() {
		return 1
	}
	return 0
}
