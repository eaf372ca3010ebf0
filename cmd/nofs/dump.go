package main

import (
	"github.com/rabidaudio/nofs/image"
	"github.com/spf13/cobra"
)

func newDumpCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump PATH",
		Short: "Write the log stored in a card image to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			blank, err := blankFlag(cmd, cfg)
			if err != nil {
				return err
			}

			img, err := image.OpenReadOnly(args[0])
			if err != nil {
				return err
			}
			defer img.Close()

			n, err := img.Extract(cmd.OutOrStdout(), blank)
			if err != nil {
				return err
			}
			g.logger().Info("log extracted", "path", args[0], "sectors", n)
			return nil
		},
	}
	cmd.Flags().String("blank", "", "value of every byte of an unwritten sector (default card.blank, 0xff)")
	return cmd
}
