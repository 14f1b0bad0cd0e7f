package commands

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"sigilo/internal/domain"
	"sigilo/internal/verify"
)

func safetyNumberCmd() *cobra.Command {
	var peerKeyB64, peerDevice string
	cmd := &cobra.Command{
		Use:   "safety-number <peer-user-id>",
		Short: "Derive the safety number shared with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peerID := args[0]

			var peerKey domain.X25519Public
			if peerKeyB64 != "" {
				raw, err := base64.StdEncoding.DecodeString(peerKeyB64)
				if err != nil || len(raw) != 32 {
					return fmt.Errorf("peer key must be 32 base64 bytes")
				}
				copy(peerKey[:], raw)
			} else {
				addr := domain.Address{UserID: peerID, DeviceID: peerDevice}
				key, err := wire.Sessions.RemoteIdentity(addr)
				if err != nil {
					return fmt.Errorf("no session with %s; pass --peer-key: %w", addr, err)
				}
				peerKey = key
			}

			id, err := wire.X3DH.Identity()
			if err != nil {
				return err
			}
			localFP := verify.GenerateFingerprint(id.XPub, userID, verify.FingerprintVersion)
			peerFP := verify.GenerateFingerprint(peerKey, peerID, verify.FingerprintVersion)
			sn, err := verify.GenerateSafetyNumber(localFP, peerFP)
			if err != nil {
				return err
			}
			formatted, err := verify.FormatSafetyNumber(sn)
			if err != nil {
				return err
			}
			fmt.Println(formatted)
			return nil
		},
	}
	cmd.Flags().StringVar(&peerKeyB64, "peer-key", "", "peer identity key (base64)")
	cmd.Flags().StringVar(&peerDevice, "peer-device", "primary", "peer device identifier")
	return cmd
}
