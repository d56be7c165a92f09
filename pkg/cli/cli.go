// Package cli executes the user-facing subcommands against the
// container manager and renders their output.
package cli

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/benidevo/minicon/pkg/app"
	"github.com/benidevo/minicon/pkg/container"
	"github.com/benidevo/minicon/pkg/utils"
	"github.com/fatih/color"
)

// Cli runs subcommands against one App.
type Cli struct {
	App *app.App
}

func NewCli(app *app.App) *Cli {
	return &Cli{App: app}
}

// RequireRoot rejects commands that manipulate namespaces and cgroups
// when not running as root.
func RequireRoot() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("this command requires root privileges")
	}
	return nil
}

// Create makes a new container and prints its id.
func (c *Cli) Create(name string, command []string, memoryLimit int64) error {
	id, err := c.App.Manager.Create(name, command, memoryLimit)
	if err != nil {
		return err
	}
	fmt.Printf("Container created with ID: %s\n", utils.ColoredString(id, color.FgGreen))
	return nil
}

// List prints the container table, optionally filtered by state.
func (c *Cli) List(stateFilter string) error {
	var filter *container.State
	if stateFilter != "" {
		state, ok := container.ParseState(stateFilter)
		if !ok {
			return container.NewError(container.Validation, "invalid state: %s", stateFilter)
		}
		filter = &state
	}

	containers := c.App.Manager.List(filter)
	if len(containers) == 0 {
		fmt.Println("No containers found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATE\tPID\tCOMMAND")
	for _, ctr := range containers {
		pid := "-"
		if ctr.ProcessID != 0 {
			pid = strconv.Itoa(ctr.ProcessID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			ctr.ID,
			ctr.Name,
			utils.ColoredString(string(ctr.State), stateColor(ctr.State)),
			pid,
			utils.TruncateCommand(ctr.Command),
		)
	}
	return w.Flush()
}

// Start starts a created container.
func (c *Cli) Start(id string) error {
	if err := c.App.Manager.Start(id); err != nil {
		return err
	}
	fmt.Printf("Container %s started successfully\n", id)
	return nil
}

// Stop stops a running container.
func (c *Cli) Stop(id string) error {
	if err := c.App.Manager.Stop(id); err != nil {
		return err
	}
	fmt.Printf("Container %s stopped successfully\n", id)
	return nil
}

// Remove deletes a container that is not running.
func (c *Cli) Remove(id string) error {
	if err := c.App.Manager.Remove(id); err != nil {
		return err
	}
	fmt.Printf("Container %s removed successfully\n", id)
	return nil
}

// Run creates and immediately starts a container.
func (c *Cli) Run(name string, command []string, memoryLimit int64) error {
	id, err := c.App.Manager.Create(name, command, memoryLimit)
	if err != nil {
		return err
	}
	if err := c.App.Manager.Start(id); err != nil {
		return err
	}
	fmt.Printf("Container %s started successfully\n", utils.ColoredString(id, color.FgGreen))
	return nil
}

func stateColor(state container.State) color.Attribute {
	switch state {
	case container.StateCreated:
		return color.FgBlue
	case container.StateRunning:
		return color.FgGreen
	case container.StateExited:
		return color.FgRed
	default:
		return color.FgWhite
	}
}
