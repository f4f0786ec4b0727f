package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/mu-control/internal/config"
	"github.com/basket/mu-control/internal/doctor"
)

// runDoctorCommand runs offline diagnostics against the state directory
// and configuration. Text mode exits 1 when any check failed; JSON mode
// always exits 0 so machine consumers read verdicts from the payload.
func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: mucontrol doctor [-json]")
			return 2
		}
	}

	cfg, err := config.Load()
	cfgPtr := &cfg
	if err != nil {
		// Diagnose anyway; the config check reports the load failure.
		fmt.Fprintf(os.Stderr, "load config: %v (continuing with diagnostics)\n", err)
		cfgPtr = nil
	}

	diag := doctor.Run(ctx, cfgPtr, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode diagnosis: %v\n", err)
			return 1
		}
		return 0
	}

	if renderDiagnosis(os.Stdout, diag) > 0 {
		return 1
	}
	return 0
}

// renderDiagnosis prints the human report and returns the number of
// failed checks.
func renderDiagnosis(w io.Writer, diag doctor.Diagnosis) int {
	fmt.Fprintf(w, "mu-control doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(w, "---")

	failCount := 0
	for _, res := range diag.Results {
		icon := "✅"
		switch res.Status {
		case "FAIL":
			icon = "❌"
			failCount++
		case "WARN":
			icon = "⚠️ "
		case "SKIP":
			icon = "⏩"
		}
		fmt.Fprintf(w, "%s %-12s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "    %s\n", res.Detail)
		}
	}
	return failCount
}
