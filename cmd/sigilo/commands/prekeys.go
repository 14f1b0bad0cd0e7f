package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sigilo/internal/protocol/x3dh"
)

func prekeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prekeys",
		Short: "Rotate and replenish pre-keys",
	}
	cmd.AddCommand(prekeysRotateCmd(), prekeysReplenishCmd())
	return cmd
}

func prekeysRotateCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the signed pre-key if it is stale",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				stale, err := wire.X3DH.SignedPreKeyStale(time.Now())
				if err != nil {
					return err
				}
				if !stale {
					fmt.Println("signed pre-key is current")
					return nil
				}
			}
			spk, err := wire.X3DH.RotateSignedPreKey()
			if err != nil {
				return err
			}
			fmt.Printf("Rotated signed pre-key, new id %d.\n", spk.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "rotate even if not stale")
	return cmd
}

func prekeysReplenishCmd() *cobra.Command {
	var min, batch int
	cmd := &cobra.Command{
		Use:   "replenish",
		Short: "Top up the one-time pre-key pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := wire.X3DH.ReplenishOneTimePreKeys(min, batch)
			if err != nil {
				return err
			}
			fmt.Printf("Generated %d one-time pre-keys.\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&min, "min", x3dh.DefaultOneTimeBatch, "replenish when fewer than this many remain")
	cmd.Flags().IntVar(&batch, "batch", x3dh.DefaultOneTimeBatch, "how many keys to generate")
	return cmd
}
