package commands

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sigilo/internal/verify"
)

func qrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Emit or check a verification QR payload",
	}
	cmd.AddCommand(qrShowCmd(), qrCheckCmd())
	return cmd
}

func qrShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print this device's verification QR payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := wire.X3DH.Identity()
			if err != nil {
				return err
			}
			fp := verify.GenerateFingerprint(id.XPub, userID, verify.FingerprintVersion)
			payload, err := verify.EncodeQR(verify.QRPayload{
				UserID:      userID,
				DeviceID:    deviceID,
				Fingerprint: fp,
				Timestamp:   time.Now(),
			})
			if err != nil {
				return err
			}
			fmt.Println(payload)
			return nil
		},
	}
}

func qrCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <payload>",
		Short: "Decode a scanned QR payload and print its fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := verify.DecodeQR(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("User:        %s\n", p.UserID)
			if p.DeviceID != "" {
				fmt.Printf("Device:      %s\n", p.DeviceID)
			}
			fmt.Printf("Fingerprint: %s\n", base64.StdEncoding.EncodeToString(p.Fingerprint))
			fmt.Printf("Issued:      %s\n", p.Timestamp.UTC().Format(time.RFC3339))
			return nil
		},
	}
}
