package commands

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sigilo/internal/attachment"
	"sigilo/internal/crypto"
)

func attachmentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attachment",
		Short: "Encrypt or decrypt a file attachment",
	}
	cmd.AddCommand(attachmentEncryptCmd(), attachmentDecryptCmd())
	return cmd
}

func attachmentEncryptCmd() *cobra.Command {
	var chunkSize int
	cmd := &cobra.Command{
		Use:   "encrypt <in> <out>",
		Short: "Encrypt a file under a fresh attachment key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			plaintext, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			key, err := attachment.NewKey()
			if err != nil {
				return err
			}
			defer key.Wipe()

			sealed, err := attachment.Encrypt(key, plaintext, chunkSize)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[1], sealed, 0o600); err != nil {
				return err
			}
			fmt.Printf("Key id: %s\n", key.ID)
			fmt.Printf("Key:    %s\n", base64.StdEncoding.EncodeToString(key.Bytes))
			return nil
		},
	}
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "chunk size in bytes (default 1 MiB)")
	return cmd
}

func attachmentDecryptCmd() *cobra.Command {
	var keyB64 string
	cmd := &cobra.Command{
		Use:   "decrypt <in> <out>",
		Short: "Decrypt a sealed attachment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := base64.StdEncoding.DecodeString(keyB64)
			if err != nil || len(raw) != crypto.KeySize {
				return fmt.Errorf("--key must be %d base64 bytes", crypto.KeySize)
			}
			key := &attachment.Key{Bytes: raw}
			defer key.Wipe()

			sealed, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			plaintext, err := attachment.Decrypt(key, sealed)
			if err != nil {
				return err
			}
			return os.WriteFile(args[1], plaintext, 0o600)
		},
	}
	cmd.Flags().StringVar(&keyB64, "key", "", "attachment key (base64)")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
