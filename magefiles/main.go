//go:build mage

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
	"github.com/pkg/errors"
)

// Check dependent tools are present and the correct version.
func CheckDeps() error {
	checks := []struct {
		name  string
		check func() error
	}{
		{"docker", dockerCheck},
		{"golangci-lint", golangciLintCheck},
	}
	failures := false
	for _, check := range checks {
		fmt.Printf("Checking %s... ", check.name)
		if err := check.check(); err != nil {
			fmt.Printf("FAILED\nReason: %v\n", err)
			failures = true
		} else {
			fmt.Println("PASSED")
		}
	}
	if failures {
		return errors.New("check(s) failed.")
	}
	return nil
}

// Removes build output and test reports.
func Clean() {
	fmt.Println("Cleaning...")
	for _, path := range []string{"bin", "test_reports"} {
		os.RemoveAll(path)
	}
}

// Builds the scheduler binary into ./bin.
func Build() error {
	timeTaken := time.Now()
	mg.Deps(makeLocalBin)
	err := sh.RunWith(
		map[string]string{"CGO_ENABLED": "0"},
		"go", "build", "-o", binaryWithExt("bin/scheduler"), "./cmd/scheduler",
	)
	if err != nil {
		return err
	}
	fmt.Println("Time to build scheduler:", time.Since(timeTaken))
	return nil
}

// Runs the scheduler with the default configuration.
func Run() error {
	mg.Deps(Build)
	return sh.RunV(binaryWithExt("bin/scheduler"), "run")
}
