package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
)

// stubworker stands in for a bot worker when trying out a keeper by hand.
// It can crash after a while or ignore SIGTERM to exercise the respawn and force-kill paths.
type flagOptions struct {
	RunDuration int    `long:"run-duration" description:"exit after this many seconds"`
	ExitCode    int    `long:"exit-code" description:"exit code used when the run duration elapses"`
	IgnoreTerm  bool   `long:"ignore-term" description:"ignore SIGTERM so the keeper has to kill the process"`
	Name        string `long:"name" default:"stubworker" description:"name printed in every line"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag|flags.IgnoreUnknown)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("[%s] Running, pid: %d, opts: %+v\n", opts.Name, os.Getpid(), opts)

	ctx := context.Background()
	if opts.RunDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.RunDuration)*time.Second)
		defer cancel()
	}

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt)
	} else if opts.IgnoreTerm {
		signal.Ignore(syscall.SIGTERM)
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case receivedSignal := <-sig:
			fmt.Printf("[%s] Received signal: %v, stopping\n", opts.Name, receivedSignal)
			return
		case <-ctx.Done():
			fmt.Printf("[%s] Run duration elapsed, exiting with code %d\n", opts.Name, opts.ExitCode)
			os.Exit(opts.ExitCode)
		case <-ticker.C:
			fmt.Printf("[%s] Alive\n", opts.Name)
		}
	}
}
