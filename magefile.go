//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binaryDir     = "bin"
	binaryName    = "tokenkeeper"
	mainPkg       = "./cmd/tokenkeeper"
	migrationsDir = "internal/token/postgres/migrations"
	ldFlags       = "-s -w"
)

// Default target when mage is run without arguments.
var Default = Build

// ============================================================================
// Build targets
// ============================================================================

// Build compiles the tokenkeeper binary into ./bin.
func Build() error {
	fmt.Println("Building tokenkeeper...")
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return err
	}
	flags := ldFlags
	if v := os.Getenv("VERSION"); v != "" {
		flags += " -X main.buildVersion=" + v
	}
	return sh.Run("go", "build", "-ldflags", flags, "-o", filepath.Join(binaryDir, binaryName), mainPkg)
}

// Run starts the service; TOKENKEEPER_CONFIG selects the config file.
func Run() error {
	return sh.RunV("go", "run", mainPkg)
}

// ============================================================================
// Testing
// ============================================================================

// Test runs all tests with the race detector.
func Test() error {
	return sh.RunV("go", "test", "-race", "-cover", "./...")
}

// TestShort skips tests that wait on real timers.
func TestShort() error {
	return sh.RunV("go", "test", "-race", "-short", "./...")
}

// TestCoverage writes coverage.html.
func TestCoverage() error {
	if err := sh.RunV("go", "test", "-race", "-coverprofile=coverage.out", "./..."); err != nil {
		return err
	}
	return sh.Run("go", "tool", "cover", "-html=coverage.out", "-o", "coverage.html")
}

// ============================================================================
// Code quality
// ============================================================================

// Check runs vet, lint and tests.
func Check() {
	mg.SerialDeps(Vet, Lint, Test)
}

// Lint runs golangci-lint.
func Lint() error {
	return sh.RunV("golangci-lint", "run", "./...")
}

// Fmt formats code.
func Fmt() error {
	return sh.Run("gofumpt", "-l", "-w", ".")
}

// Vet runs go vet.
func Vet() error {
	return sh.RunV("go", "vet", "./...")
}

// Tidy tidies and verifies go modules.
func Tidy() error {
	if err := sh.Run("go", "mod", "tidy"); err != nil {
		return err
	}
	return sh.Run("go", "mod", "verify")
}

// ============================================================================
// Database
// ============================================================================

// MigrateUp applies token store migrations to TOKENKEEPER_DATABASE_URL.
func MigrateUp() error {
	return goose("up")
}

// MigrateDown rolls back the latest token store migration.
func MigrateDown() error {
	return goose("down")
}

// MigrateCreate adds a SQL migration (usage: name=add_index mage migrateCreate).
func MigrateCreate() error {
	name := os.Getenv("name")
	if name == "" {
		return fmt.Errorf("name parameter is required (usage: name=migration_name mage migrateCreate)")
	}
	return sh.RunV("goose", "-dir", migrationsDir, "create", name, "sql")
}

func goose(command string) error {
	dsn := os.Getenv("TOKENKEEPER_DATABASE_URL")
	if dsn == "" {
		return fmt.Errorf("TOKENKEEPER_DATABASE_URL is required")
	}
	return sh.RunV("goose", "-dir", migrationsDir, "postgres", dsn, command)
}

// ============================================================================
// Cleanup and tools
// ============================================================================

// Clean removes build artifacts.
func Clean() error {
	_ = os.Remove("coverage.out")
	_ = os.Remove("coverage.html")
	return os.RemoveAll(binaryDir)
}

// InstallTools installs development tools.
func InstallTools() error {
	for _, module := range []string{
		"github.com/golangci/golangci-lint/cmd/golangci-lint@latest",
		"mvdan.cc/gofumpt@latest",
		"github.com/pressly/goose/v3/cmd/goose@latest",
	} {
		if err := sh.Run("go", "install", module); err != nil {
			return err
		}
	}
	return nil
}
