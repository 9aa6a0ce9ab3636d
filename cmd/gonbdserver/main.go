// Command gonbdserver runs an NBD server against one or more backend
// exports described by a YAML config file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "gonbdserver",
		Short: "NBD server",
		Long:  "gonbdserver serves one or more block device exports over the Network Block Device protocol.",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())
	root.AddCommand(disconnectCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
