package commands

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"sigilo/internal/protocol/x3dh"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate identity keys and initial pre-keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := wire.X3DH.Identity()
			if err != nil {
				return err
			}
			if _, err := wire.X3DH.ReplenishOneTimePreKeys(x3dh.DefaultOneTimeBatch, x3dh.DefaultOneTimeBatch); err != nil {
				return err
			}
			fmt.Printf("Identity ready for %s.\n", wire.Self())
			fmt.Printf("Identity key: %s\n", base64.StdEncoding.EncodeToString(id.XPub.Slice()))
			fmt.Printf("Registration id: %d\n", id.RegistrationID)
			return nil
		},
	}
}
