//go:build mage

package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

var Gotestsum string

var LocalBin = filepath.Join(os.Getenv("PWD"), "/bin")

const testPostgres = "host=localhost port=5432 user=postgres password=psw sslmode=disable"

func makeLocalBin() error {
	if _, err := os.Stat(LocalBin); os.IsNotExist(err) {
		err = os.MkdirAll(LocalBin, os.ModePerm)
		if err != nil {
			return err
		}
	}
	return nil
}

// Gotestsum downloads gotestsum locally if necessary
func gotestsum() error {
	mg.Deps(makeLocalBin)
	Gotestsum = filepath.Join(LocalBin, "/gotestsum")

	if _, err := os.Stat(Gotestsum); os.IsNotExist(err) {
		fmt.Println(Gotestsum)
		cmd := exec.Command("go", "install", "gotest.tools/gotestsum@v1.8.2")
		cmd.Env = append(os.Environ(), "GOBIN="+LocalBin)
		return cmd.Run()
	}
	return nil
}

// Tests starts postgres in docker, then runs every test including the postgres backed ones.
func Tests() error {
	mg.Deps(gotestsum)
	err := dockerRun("run", "-d", "--name=batchflow-postgres", "-p", "5432:5432", "-e", "POSTGRES_PASSWORD=psw", "postgres:14.2")
	if err != nil {
		return err
	}
	defer func() {
		if err := dockerRun("rm", "-f", "batchflow-postgres"); err != nil {
			fmt.Printf("failed to remove postgres container: %v\n", err)
		}
	}()
	if err := sh.Run("sleep", "3"); err != nil {
		return err
	}
	return runTests(map[string]string{"BATCHFLOW_TEST_POSTGRES": testPostgres})
}

// TestsNoSetup runs the tests that need no external services.
func TestsNoSetup() error {
	mg.Deps(gotestsum)
	return runTests(nil)
}

func runTests(env map[string]string) error {
	packages, err := sh.Output("go", "list", "./...")
	if err != nil {
		return err
	}
	if err := os.MkdirAll("test_reports", os.ModePerm); err != nil {
		return err
	}
	args := append([]string{"--", "-v", "-coverprofile", "test_reports/coverage.out"}, strings.Fields(packages)...)
	cmd := exec.Command(Gotestsum, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	file, err := os.Create(filepath.Join("test_reports", "tests.txt"))
	if err != nil {
		return err
	}
	defer file.Close()
	cmd.Stdout = io.MultiWriter(os.Stdout, file)
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
