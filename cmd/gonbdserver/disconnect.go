package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/linka-cloud/gonbdserver/internal/kerneldisc"
)

func disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <device>",
		Short: "Disconnect the kernel NBD client attached to a /dev/nbdN device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := kerneldisc.Disconnect(args[0]); err != nil {
				return fmt.Errorf("disconnect: %w", err)
			}
			return nil
		},
	}
}
