package main

import (
	"fmt"
	"log"
	"os"
	"runtime/debug"

	"github.com/benidevo/minicon/pkg/app"
	"github.com/benidevo/minicon/pkg/cli"
	"github.com/benidevo/minicon/pkg/config"
	"github.com/benidevo/minicon/pkg/namespace"
	"github.com/benidevo/minicon/pkg/utils"
	"github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	"github.com/samber/lo"
)

const DEFAULT_VERSION = "unversioned"

var (
	commit      string
	version     = DEFAULT_VERSION
	buildSource = "unknown"

	debuggingFlag = false
)

func main() {
	// The hidden init path must run before anything else: it is this
	// binary re-executed inside fresh namespaces, blocked on the sync
	// pipe until the parent releases it.
	if len(os.Args) > 1 && os.Args[1] == namespace.InitCommand {
		if err := namespace.Init(); err != nil {
			fmt.Fprintf(os.Stderr, "minicon init: %v\n", err)
			os.Exit(1)
		}
		return
	}

	updateBuildInfo()

	flaggy.SetName("minicon")
	flaggy.SetDescription("A lightweight container implementation")
	flaggy.DefaultParser.AdditionalHelpPrepend = "https://github.com/benidevo/minicon"

	flaggy.Bool(&debuggingFlag, "d", "debug", "a boolean")
	flaggy.SetVersion(version)

	var (
		createName  string
		runName     string
		stateFilter string
		startID     string
		stopID      string
		removeID    string
		memoryLimit = config.DefaultMemoryLimit
	)

	createCmd := flaggy.NewSubcommand("create")
	createCmd.Description = "Create a new container; the command follows a -- separator"
	createCmd.String(&createName, "n", "name", "Container name")
	flaggy.AttachSubcommand(createCmd, 1)

	listCmd := flaggy.NewSubcommand("list")
	listCmd.Description = "List containers"
	listCmd.String(&stateFilter, "s", "state", "Filter by container state (created, running, exited)")
	flaggy.AttachSubcommand(listCmd, 1)

	startCmd := flaggy.NewSubcommand("start")
	startCmd.Description = "Start a created container"
	startCmd.AddPositionalValue(&startID, "ID", 1, true, "Container ID to start")
	flaggy.AttachSubcommand(startCmd, 1)

	stopCmd := flaggy.NewSubcommand("stop")
	stopCmd.Description = "Stop a running container"
	stopCmd.AddPositionalValue(&stopID, "ID", 1, true, "Container ID to stop")
	flaggy.AttachSubcommand(stopCmd, 1)

	removeCmd := flaggy.NewSubcommand("rm")
	removeCmd.Description = "Remove a container that is not running"
	removeCmd.AddPositionalValue(&removeID, "ID", 1, true, "Container ID to remove")
	flaggy.AttachSubcommand(removeCmd, 1)

	runCmd := flaggy.NewSubcommand("run")
	runCmd.Description = "Create and start a container; the command follows a -- separator"
	runCmd.String(&runName, "n", "name", "Container name")
	runCmd.Int64(&memoryLimit, "m", "memory", "Memory limit in bytes")
	flaggy.AttachSubcommand(runCmd, 1)

	flaggy.Parse()

	appConfig, err := config.NewAppConfig("minicon", version, buildSource, debuggingFlag)
	if err != nil {
		log.Fatal(err.Error())
	}

	a, err := app.NewApp(appConfig)
	if err != nil {
		log.Fatal(err.Error())
	}
	c := cli.NewCli(a)

	switch {
	case createCmd.Used:
		err = withRoot(func() error { return c.Create(createName, flaggy.DefaultParser.TrailingArguments, 0) })
	case listCmd.Used:
		err = c.List(stateFilter)
	case startCmd.Used:
		err = withRoot(func() error { return c.Start(startID) })
	case stopCmd.Used:
		err = withRoot(func() error { return c.Stop(stopID) })
	case removeCmd.Used:
		err = withRoot(func() error { return c.Remove(removeID) })
	case runCmd.Used:
		err = withRoot(func() error { return c.Run(runName, flaggy.DefaultParser.TrailingArguments, memoryLimit) })
	default:
		flaggy.ShowHelpAndExit("")
	}

	if err != nil {
		if errMessage, known := a.KnownError(err); known {
			log.Println(errMessage)
			os.Exit(1)
		}

		newErr := errors.Wrap(err, 0)
		stackTrace := newErr.ErrorStack()
		a.Log.Error(stackTrace)

		log.Fatalf("Error: %s", err)
	}
}

func withRoot(f func() error) error {
	if err := cli.RequireRoot(); err != nil {
		return err
	}
	return f()
}

func updateBuildInfo() {
	if version == DEFAULT_VERSION {
		if buildInfo, ok := debug.ReadBuildInfo(); ok {
			revision, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
				return setting.Key == "vcs.revision"
			})
			if ok {
				commit = revision.Value
				// if minicon was built from source we'll show the version as the
				// abbreviated commit hash
				version = utils.SafeTruncate(revision.Value, 7)
			}
		}
	}
}
