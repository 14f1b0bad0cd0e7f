package commands

import (
	"os"
	"path/filepath"

	"github.com/decred/slog"
	"github.com/spf13/cobra"

	"sigilo/internal/app"
)

var (
	home       string
	passphrase string
	userID     string
	deviceID   string
	verbose    bool

	wire *app.Wire
)

func Execute() error {
	root := &cobra.Command{
		Use:   "sigilo",
		Short: "End-to-end encryption engine CLI",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".sigilo")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}

			log := slog.Disabled
			if verbose {
				backend := slog.NewBackend(os.Stderr)
				log = backend.Logger("SGLO")
				log.SetLevel(slog.LevelDebug)
			}

			w, err := app.NewWire(app.Config{
				Home:       home,
				UserID:     userID,
				DeviceID:   deviceID,
				Passphrase: passphrase,
				Log:        log,
			})
			if err != nil {
				return err
			}
			wire = w
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if wire != nil {
				return wire.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "state dir (default ~/.sigilo)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase to protect stored keys")
	root.PersistentFlags().StringVarP(&userID, "user", "u", "me", "local user identifier")
	root.PersistentFlags().StringVarP(&deviceID, "device", "d", "primary", "local device identifier")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	root.AddCommand(initCmd(), prekeysCmd(), bundleCmd(), safetyNumberCmd(), qrCmd(), recoveryCmd(), attachmentCmd())
	return root.Execute()
}
