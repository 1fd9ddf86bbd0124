package main

import (
	"context"
	"testing"
)

func TestRunDoctorCommand_HealthyHome(t *testing.T) {
	home := t.TempDir()
	if code := runDoctorCommand(context.Background(), home, nil); code != 0 {
		t.Fatalf("doctor exit code = %d, want 0", code)
	}
}

func TestRunDoctorCommand_JSON(t *testing.T) {
	home := t.TempDir()
	if code := runDoctorCommand(context.Background(), home, []string{"-json"}); code != 0 {
		t.Fatalf("doctor -json exit code = %d, want 0", code)
	}
}

func TestRunDashCommand_RequiresTerminal(t *testing.T) {
	// Test processes never have a TTY on stdout.
	if code := runDashCommand(context.Background(), nil); code != 1 {
		t.Fatalf("dash exit code = %d, want 1 without a terminal", code)
	}
}
