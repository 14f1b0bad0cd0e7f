package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func bundleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bundle",
		Short: "Print the publishable pre-key bundle as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := wire.X3DH.Bundle()
			if err != nil {
				return err
			}
			blob, err := json.MarshalIndent(b, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(blob))
			return nil
		},
	}
}
