package cli

import (
	"net"

	"github.com/opd-ai/dhtcore/config"
	"github.com/opd-ai/dhtcore/crypto"
	"github.com/opd-ai/dhtcore/enode"
	"github.com/spf13/cobra"
)

var (
	keygenOut       string
	keygenAdvertise string
)

func init() {
	KeygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "", "write a configuration file holding the new key")
	KeygenCmd.Flags().StringVar(&keygenAdvertise, "advertise", "", "also print a signed record for this ip:port")
	rootCmd.AddCommand(KeygenCmd)
}

var KeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a node identity",
	Long:  "Generate a node secret key and print its node ID. With --out a configuration file using the key is written.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := crypto.GenerateIdentity()
		if err != nil {
			return err
		}
		defer id.Wipe()
		nodeID := enode.IDFromSigningKey(id.SigningKey())

		cmd.Println("node id:   ", nodeID.String())
		if keygenAdvertise != "" {
			addr, err := net.ResolveUDPAddr("udp", keygenAdvertise)
			if err != nil {
				return err
			}
			rec, err := enode.NewRecord(id, addr, 1)
			if err != nil {
				return err
			}
			cmd.Println("record:    ", rec.String())
		}

		if keygenOut == "" {
			cmd.Println("secret key:", id.SecretHex())
			return nil
		}
		cfg := config.Default()
		cfg.Node.SecretKey = id.SecretHex()
		if keygenAdvertise != "" {
			cfg.Node.AdvertiseAddr = keygenAdvertise
		}
		if err := cfg.Save(keygenOut); err != nil {
			return err
		}
		cmd.Println("config:    ", keygenOut)
		return nil
	},
}
