package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/pbxops/pbxprov/internal/cli"
	"github.com/pbxops/pbxprov/internal/session"
)

func main() {
	configFile := os.Getenv("PBXPROV_CONFIG")
	if configFile == "" {
		configFile = "configs/pbxprov.yaml"
	}

	viper.SetConfigFile(configFile)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("profiles.dir", defaultProfileDir())
	viper.SetEnvPrefix("pbxprov")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Running without a config file is normal; defaults cover everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: could not read config file: %v\n", err)
		}
	}

	setupLogging(viper.GetString("log.level"))

	profilePath := filepath.Join(viper.GetString("profiles.dir"), "profiles.json")
	store := session.NewProfileStore(profilePath)

	rootCmd := cli.InitCLI(store)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func defaultProfileDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "pbxprov")
	}
	return ".pbxprov"
}
