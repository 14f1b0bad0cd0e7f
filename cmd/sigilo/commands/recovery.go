package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sigilo/internal/recovery"
	"sigilo/internal/util/memzero"
)

func recoveryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recovery",
		Short: "Generate or validate a recovery key",
	}
	cmd.AddCommand(recoveryGenerateCmd(), recoveryValidateCmd())
	return cmd
}

func recoveryGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Generate a fresh recovery key",
		RunE: func(cmd *cobra.Command, args []string) error {
			display, entropy, err := recovery.GenerateRecoveryKey()
			if err != nil {
				return err
			}
			memzero.Zero(entropy)
			fmt.Println(display)
			return nil
		},
	}
}

func recoveryValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <key>",
		Short: "Check a recovery key's format and checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject := userID
			now := time.Now()
			if err := wire.Limiter.Allow(subject, now); err != nil {
				return err
			}
			entropy, err := recovery.ValidateRecoveryKey(args[0])
			if err != nil {
				wire.Limiter.RecordFailure(subject, now)
				return err
			}
			memzero.Zero(entropy)
			wire.Limiter.RecordSuccess(subject)
			fmt.Println("valid")
			return nil
		},
	}
}
