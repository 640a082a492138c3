package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/pgsentinel/pgsentinel"
)

// runCheck validates the configuration and verifies database connectivity,
// printing a check line per step. It exits zero even on failed checks; the
// output tells the operator what to fix.
func runCheck() error {
	if err := initConfig(); err != nil {
		return err
	}
	useColor := isTTY(os.Stderr.Fd())
	return check(os.Stderr, useColor)
}

func check(w io.Writer, useColor bool) error {
	fmt.Fprintln(w, "pgsentinel configuration check")
	fmt.Fprintln(w)

	defaults := sessionDefaults()
	cfg, err := pgsentinel.NewSessionConfig(defaults)
	if err != nil {
		printCheck(w, useColor, false, fmt.Sprintf("Configuration valid: %v", err))
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Fix the issues above and run 'pgsentinel check' again.")
		return nil
	}
	printCheck(w, useColor, true, fmt.Sprintf("Configuration valid (target %s)", cfg.Target()))
	printCheck(w, useColor, true, fmt.Sprintf("Role %s with risk ceiling %s", cfg.Role, cfg.RiskCeiling()))
	printCheck(w, useColor, true, fmt.Sprintf("Access level %s", cfg.AccessLevel))

	sentinel, err := pgsentinel.New(defaults, zerolog.Nop())
	if err != nil {
		printCheck(w, useColor, false, fmt.Sprintf("Engine created: %v", err))
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer sentinel.Shutdown()

	start := time.Now()
	if _, err := sentinel.GetPoolStatus("check"); err != nil {
		printCheck(w, useColor, false, fmt.Sprintf("Session created: %v", err))
		return nil
	}
	if err := sentinel.Connect(ctx, "check"); err != nil {
		printCheck(w, useColor, false, fmt.Sprintf("Database reachable: %v", err))
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Fix the issues above and run 'pgsentinel check' again.")
		return nil
	}
	printCheck(w, useColor, true, fmt.Sprintf("Database reachable (%s, %s)", cfg.Target(), time.Since(start).Round(time.Millisecond)))

	fmt.Fprintln(w)
	fmt.Fprintln(w, "All checks passed.")
	return nil
}

// printCheck prints a colored ✓ or ✗ check line.
func printCheck(w io.Writer, useColor bool, pass bool, msg string) {
	mark, color := "✓", "\033[32m"
	if !pass {
		mark, color = "✗", "\033[31m"
	}
	if useColor {
		fmt.Fprintf(w, "  %s%s\033[0m %s\n", color, mark, msg)
	} else {
		fmt.Fprintf(w, "  %s %s\n", mark, msg)
	}
}

func isTTY(fd uintptr) bool {
	return term.IsTerminal(int(fd))
}
