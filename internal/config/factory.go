package config

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// FromCobraCmd creates a Config instance from a cobra command object. It exits the process if the
// configuration cannot be loaded.
func FromCobraCmd(cmd *cobra.Command) *Config {
	var flags *pflag.FlagSet
	if cmd.Name() == "vodum" {
		flags = cmd.PersistentFlags()
	} else {
		flags = cmd.InheritedFlags()
	}

	var paths []string
	if f := flags.Lookup("config"); f != nil && f.Changed {
		fileLoc, err := flags.GetString("config")
		if err != nil {
			log.Fatal().Err(err).Msg("Could not get file location")
		}
		paths = append(paths, fileLoc)
	}

	conf, err := LoadConfig(paths...)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config file")
	}
	if debug, err := flags.GetBool("debug"); err == nil && debug {
		conf.Debug = true
	}
	return conf
}
