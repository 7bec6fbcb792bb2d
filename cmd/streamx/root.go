package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aeoncorex/streamx"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "streamx",
	Short: "Stream the largest file of a torrent while it downloads",
	Long: `streamx joins the swarm of a magnet link and downloads the largest file of the torrent from its start onward, so that a media player can open it after a few megabytes.

Settings are read from flags, from STREAMX_* environment variables and from the config file (by default ~/.streamx.yaml).`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		if viper.GetBool("debug") {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.streamx.yaml)")
	flags.Bool("debug", false, "sets log level to debug")
	flags.String("dir", "", "directory streams are saved to (default is a temporary directory)")
	flags.String("listen", ":0", "address to accept peers on, empty to accept none")
	flags.Int("max-peers", 50, "maximum number of peer connections")
	flags.String("min-playable", "3MiB", "bytes buffered before the stream is ready")
	flags.Duration("metadata-timeout", streamx.DefaultConfig().Swarm.MetadataTimeout, "time to wait for a magnet's metadata")
	flags.Bool("dht", true, "look up peers on the DHT")
	flags.Bool("upnp", true, "forward the listen port with UPnP")
	flags.Bool("cache-metadata", true, "remember the metadata of resolved magnets")

	cobra.CheckErr(viper.BindPFlags(flags))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigName(".streamx")
	}

	viper.SetEnvPrefix("streamx")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// engineConfig builds the engine's configuration from flags,
// environment and config file
func engineConfig() (streamx.Config, error) {
	cfg := streamx.DefaultConfig()

	if dir := viper.GetString("dir"); dir != "" {
		dir, err := homedir.Expand(dir)
		if err != nil {
			return cfg, err
		}
		cfg.SaveDir = dir
	}

	if viper.GetBool("cache-metadata") {
		home, err := homedir.Dir()
		if err != nil {
			return cfg, err
		}
		cfg.MetaCachePath = filepath.Join(home, ".streamx", "metadata.db")
	}

	minPlayable, err := humanize.ParseBytes(viper.GetString("min-playable"))
	if err != nil {
		return cfg, fmt.Errorf("min-playable: %w", err)
	}

	cfg.DHT = viper.GetBool("dht")
	cfg.UPnP = viper.GetBool("upnp")
	cfg.Swarm.ListenAddr = viper.GetString("listen")
	cfg.Swarm.MaxPeers = viper.GetInt("max-peers")
	cfg.Swarm.MinPlayableBytes = int64(minPlayable)
	cfg.Swarm.MetadataTimeout = viper.GetDuration("metadata-timeout")

	return cfg, nil
}
