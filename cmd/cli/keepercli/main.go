package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/core-tools/hsu-keeper/pkg/control"
	"github.com/core-tools/hsu-keeper/pkg/domain"
	"github.com/core-tools/hsu-keeper/pkg/logging"

	flags "github.com/jessevdk/go-flags"
)

type globalOptions struct {
	Address string `long:"address" default:"127.0.0.1:50060" description:"keeper control HTTP address"`
	Timeout int    `long:"timeout" default:"60" description:"request timeout in seconds"`
	Wait    int    `long:"wait" default:"0" description:"retry for this many seconds until the keeper answers"`
	Verbose bool   `long:"verbose" short:"v" description:"log requests"`

	Status        statusCommand        `command:"status" description:"show every worker"`
	Restart       restartCommand       `command:"restart" description:"restart one worker, bypassing the cooldown"`
	Update        updateCommand        `command:"update" description:"deploy a new artifact for a worker and restart it"`
	GetConfig     getConfigCommand     `command:"get-config" description:"print the configuration document"`
	SetConfig     setConfigCommand     `command:"set-config" description:"replace the configuration document"`
	RestoreConfig restoreConfigCommand `command:"restore-config" description:"restore the configuration from a backup tier"`
	Backups       backupsCommand       `command:"backups" description:"list available configuration backups"`
}

var opts globalOptions

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-client , ", module)
}

// newGateway connects to the keeper, retrying for --wait seconds
func newGateway() (domain.Contract, context.Context, context.CancelFunc, error) {
	logger := logging.NewNopLogger()
	if opts.Verbose {
		logger = logging.NewLogger(logPrefix("hsu-keeper"), logging.LogFuncs{
			Debugf: stderrf("DEBUG"),
			Infof:  stderrf("INFO"),
			Warnf:  stderrf("WARN"),
			Errorf: stderrf("ERROR"),
		})
	}

	client := &http.Client{Timeout: time.Duration(opts.Timeout) * time.Second}
	gateway := control.NewHTTPClientGateway("http://"+opts.Address, client, logger)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(opts.Timeout+opts.Wait)*time.Second)
	if err := retryQuery(ctx, gateway, time.Duration(opts.Wait)*time.Second, logger); err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return gateway, ctx, cancel, nil
}

func retryQuery(ctx context.Context, gateway domain.Contract, wait time.Duration, logger logging.Logger) error {
	deadline := time.Now().Add(wait)
	for {
		_, err := gateway.QueryStatus(ctx)
		if err == nil || time.Now().After(deadline) {
			return err
		}
		logger.Infof("Keeper is not answering yet, retrying: %v", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func stderrf(level string) logging.LogFunc {
	return func(format string, args ...interface{}) {
		fmt.Fprintf(os.Stderr, "["+level+"] "+format+"\n", args...)
	}
}

func main() {
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			return
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
