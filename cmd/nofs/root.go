package main

import (
	"fmt"
	"strconv"

	log "github.com/fclairamb/go-log"
	gologrus "github.com/fclairamb/go-log/logrus"
	lognoop "github.com/fclairamb/go-log/noop"
	"github.com/rabidaudio/nofs/config"
	"github.com/spf13/cobra"
)

type globals struct {
	configPath string
	quiet      bool
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:           "nofs",
		Short:         "Append-only logging onto raw card sectors",
		Long:          "Record newline-terminated text onto the sectors of a memory card with no file system, and extract it again from card images.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&g.quiet, "quiet", "q", false, "disable logging")

	rootCmd.AddCommand(
		newMkimageCmd(g),
		newRecordCmd(g),
		newDumpCmd(g),
	)
	return rootCmd
}

func (g *globals) config() (config.Config, error) {
	if g.configPath == "" {
		return config.Default(), nil
	}
	return config.Load(g.configPath)
}

func (g *globals) logger() log.Logger {
	if g.quiet {
		return lognoop.NewNoOpLogger()
	}
	return gologrus.New()
}

// blankFlag resolves the --blank flag, falling back to the configured
// value when it is not set.
func blankFlag(cmd *cobra.Command, cfg config.Config) (byte, error) {
	if !cmd.Flags().Changed("blank") {
		return cfg.Card.Blank, nil
	}
	s, _ := cmd.Flags().GetString("blank")
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("--blank: %q is not a byte value", s)
	}
	return byte(v), nil
}
