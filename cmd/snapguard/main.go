package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	// By default, it sets `GOMEMLIMIT` to 90% of cgroup's memory limit.
	_ "github.com/KimMachineGun/automemlimit"
)

var Version = "v0.0.0"

func main() {
	root := &cobra.Command{
		Use:     "snapguard",
		Short:   "Backup scheduling and orchestration daemon",
		Version: Version,
	}

	root.AddCommand(
		newServeCommand(),
		newRunCommand(),
		newJobsCommand(),
		newStatusCommand(),
		newServiceCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
