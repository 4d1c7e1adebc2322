package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/core-tools/hsu-keeper/pkg/errors"

	"github.com/olekukonko/tablewriter"
)

type statusCommand struct{}

func (c *statusCommand) Execute(args []string) error {
	gateway, ctx, cancel, err := newGateway()
	if err != nil {
		return err
	}
	defer cancel()

	status, err := gateway.QueryStatus(ctx)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Worker", "State", "PID", "Restarts", "Last Restart", "Target", "Last Error")
	for _, name := range names {
		worker := status[name]
		pid := "-"
		if worker.Running {
			pid = fmt.Sprintf("%d", worker.PID)
		}
		lastRestart := "never"
		if !worker.LastRestartAt.IsZero() {
			lastRestart = worker.LastRestartAt.Local().Format(time.RFC3339)
		}
		table.Append([]string{
			name,
			worker.State,
			pid,
			fmt.Sprintf("%d", worker.Restarts),
			lastRestart,
			worker.Target,
			worker.LastError,
		})
	}
	return table.Render()
}

type restartCommand struct {
	Args struct {
		Name string `positional-arg-name:"name" required:"true"`
	} `positional-args:"yes"`
}

func (c *restartCommand) Execute(args []string) error {
	gateway, ctx, cancel, err := newGateway()
	if err != nil {
		return err
	}
	defer cancel()

	if err := gateway.RestartOne(ctx, c.Args.Name); err != nil {
		return err
	}
	fmt.Printf("Restarted %s\n", c.Args.Name)
	return nil
}

type updateCommand struct {
	Args struct {
		Name     string `positional-arg-name:"name" required:"true"`
		Artifact string `positional-arg-name:"artifact" required:"true"`
	} `positional-args:"yes"`
}

func (c *updateCommand) Execute(args []string) error {
	artifact, err := os.ReadFile(c.Args.Artifact)
	if err != nil {
		return errors.NewIOError("failed to read artifact", err).WithContext("path", c.Args.Artifact)
	}

	gateway, ctx, cancel, err := newGateway()
	if err != nil {
		return err
	}
	defer cancel()

	if err := gateway.UpdateAndRestart(ctx, c.Args.Name, artifact); err != nil {
		return err
	}
	fmt.Printf("Updated and restarted %s (%d bytes)\n", c.Args.Name, len(artifact))
	return nil
}

type getConfigCommand struct{}

func (c *getConfigCommand) Execute(args []string) error {
	gateway, ctx, cancel, err := newGateway()
	if err != nil {
		return err
	}
	defer cancel()

	raw, err := gateway.GetConfig(ctx)
	if err != nil {
		return err
	}
	os.Stdout.Write(raw)
	return nil
}

type setConfigCommand struct {
	Args struct {
		File string `positional-arg-name:"file" required:"true"`
	} `positional-args:"yes"`
}

func (c *setConfigCommand) Execute(args []string) error {
	raw, err := os.ReadFile(c.Args.File)
	if err != nil {
		return errors.NewIOError("failed to read configuration", err).WithContext("path", c.Args.File)
	}

	gateway, ctx, cancel, err := newGateway()
	if err != nil {
		return err
	}
	defer cancel()

	message, err := gateway.ReloadConfig(ctx, raw)
	if err != nil {
		if field := errors.FieldOf(err); field != "" {
			return fmt.Errorf("configuration rejected at %s: %w", field, err)
		}
		return err
	}
	fmt.Println("Configuration accepted")
	if message != "" {
		fmt.Printf("Warning: %s\n", message)
	}
	return nil
}

type restoreConfigCommand struct {
	Args struct {
		Tier string `positional-arg-name:"tier" description:"safe or bak" required:"true"`
	} `positional-args:"yes"`
}

func (c *restoreConfigCommand) Execute(args []string) error {
	gateway, ctx, cancel, err := newGateway()
	if err != nil {
		return err
	}
	defer cancel()

	message, err := gateway.RestoreConfig(ctx, c.Args.Tier)
	if err != nil {
		return err
	}
	fmt.Printf("Configuration restored from %s\n", c.Args.Tier)
	if message != "" {
		fmt.Printf("Warning: %s\n", message)
	}
	return nil
}

type backupsCommand struct{}

func (c *backupsCommand) Execute(args []string) error {
	gateway, ctx, cancel, err := newGateway()
	if err != nil {
		return err
	}
	defer cancel()

	backups, err := gateway.ListBackups(ctx)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Tier")
	for _, tier := range backups {
		table.Append([]string{tier})
	}
	return table.Render()
}
