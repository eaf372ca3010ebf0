package main

import (
	"fmt"

	"github.com/rabidaudio/nofs/image"
	"github.com/spf13/cobra"
)

func newMkimageCmd(g *globals) *cobra.Command {
	var sectors uint32

	cmd := &cobra.Command{
		Use:   "mkimage PATH",
		Short: "Create a blank card image",
		Long:  "Create a raw card image of the given number of sectors, every byte set to the blank value.",
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
			if !cmd.Flags().Changed("sectors") {
				sectors = cfg.Card.CapacitySectors
			}
			if sectors == 0 {
				return fmt.Errorf("--sectors is required")
			}

			img, err := image.Create(args[0], sectors, blank)
			if err != nil {
				return err
			}
			g.logger().Info("image created", "path", args[0], "sectors", sectors, "blank", blank)
			return img.Close()
		},
	}
	cmd.Flags().Uint32VarP(&sectors, "sectors", "n", 0, "number of 512-byte sectors (default card.capacity_sectors)")
	cmd.Flags().String("blank", "", "value of every byte of an unwritten sector (default card.blank, 0xff)")
	return cmd
}
