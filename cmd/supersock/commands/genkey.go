package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcutil/base58"
	"github.com/spf13/cobra"

	"github.com/fxpool/supersocket"
)

// genkey: create a static server key pair.
func genkeyCmd(a *app) *cobra.Command {
	var kxName, out string
	var saveConfig bool

	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Create a static server key",
		Long: "Create a server key pair for serve --private-key-file. The private " +
			"key goes to --out, or stdout; the public key and its fingerprint, " +
			"which clients see after connecting, are printed to stderr. With " +
			"--save-config the key file and key exchange are recorded in the " +
			"config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if saveConfig && out == "" {
				return fmt.Errorf("--save-config needs --out")
			}
			kx, err := supersocket.KeyExchangeByName(kxName)
			if err != nil {
				return err
			}
			kp, err := kx.GenerateKeypair()
			if err != nil {
				return err
			}
			private, err := kx.MarshalPrivateKey(kp)
			if err != nil {
				return err
			}
			public, err := publicKeyText(kx, kp)
			if err != nil {
				return err
			}

			if out == "" {
				fmt.Fprintln(cmd.OutOrStdout(), private)
			} else if err := os.WriteFile(out, []byte(private+"\n"), 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "public key (%s): %s\n", kx.Name(), public)
			fmt.Fprintf(cmd.ErrOrStderr(), "fingerprint: %s\n", supersocket.Fingerprint(kp.Public))

			if saveConfig {
				path, err := filepath.Abs(out)
				if err != nil {
					return err
				}
				a.cfg.KeyExchange = kx.Name()
				a.cfg.PrivateKeyFile = path
				if err := a.cfg.Save(a.configPath); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "config saved to %s\n", a.configPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kxName, "kx", supersocket.KeyExchangeX25519, "key exchange: x25519 or p256")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the private key to this file")
	cmd.Flags().BoolVar(&saveConfig, "save-config", false, "point the config file at the new key")
	return cmd
}

func publicKeyText(kx supersocket.KeyExchange, kp *supersocket.KeyPair) (string, error) {
	if kx.Name() == supersocket.KeyExchangeP256 {
		return supersocket.EncodePublicKey(kp.Public)
	}
	return base58.Encode(kp.Public), nil
}
