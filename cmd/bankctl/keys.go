package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/transfa/settlement-service/pkg/keydir"
)

func keygenCmd() *cobra.Command {
	var (
		privatePath string
		publicPath  string
		passphrase  string
		bits        int
		kid         string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA signing key pair and print its key-set entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keydir.GenerateKeyFiles(privatePath, publicPath, passphrase, bits)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s and %s\n", privatePath, publicPath)
			return printKeySet(cmd.OutOrStdout(), keydir.KeySet{Keys: []keydir.JWK{keydir.NewJWK(kid, &key.PublicKey)}})
		},
	}

	cmd.Flags().StringVar(&privatePath, "private", "keys/private.pem", "Private key output path")
	cmd.Flags().StringVar(&publicPath, "public", "keys/public.pem", "Public key output path")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "Encrypt the private key with this passphrase")
	cmd.Flags().IntVar(&bits, "bits", keydir.DefaultKeyBits, "RSA modulus size")
	cmd.Flags().StringVar(&kid, "kid", "1", "Key id to publish")

	return cmd
}

func jwksCmd() *cobra.Command {
	var kids []string
	cmd := &cobra.Command{
		Use:   "jwks [public-key.pem...]",
		Short: "Print the key-set document for one or more public keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(kids) != 0 && len(kids) != len(args) {
				return fmt.Errorf("got %d key ids for %d keys", len(kids), len(args))
			}
			set := keydir.KeySet{Keys: make([]keydir.JWK, 0, len(args))}
			for i, path := range args {
				pub, err := keydir.LoadPublicKey(path)
				if err != nil {
					return err
				}
				kid := fmt.Sprintf("%d", i+1)
				if len(kids) > 0 {
					kid = kids[i]
				}
				set.Keys = append(set.Keys, keydir.NewJWK(kid, pub))
			}
			return printKeySet(cmd.OutOrStdout(), set)
		},
	}

	cmd.Flags().StringSliceVar(&kids, "kid", nil, "Key ids, one per key file (default 1..n)")

	return cmd
}

func printKeySet(w io.Writer, set keydir.KeySet) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(set)
}
