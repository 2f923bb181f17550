package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatwidget/cmd/chatwidget/cmds"
)

func main() {
	root, err := cmds.NewRootCommand()
	cobra.CheckErr(err)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
