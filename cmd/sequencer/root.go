package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dominant-strategies/go-sequencer/cmd/utils"
	"github.com/dominant-strategies/go-sequencer/common/constants"
	"github.com/dominant-strategies/go-sequencer/log"
)

var rootCmd = &cobra.Command{
	Use:               "sequencer",
	Short:             "appchain sequencer and proof pipeline",
	PersistentPreRunE: rootCmdPreRun,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	for _, flag := range utils.GlobalFlags {
		utils.CreateAndBindFlag(flag, rootCmd)
	}
}

func rootCmdPreRun(cmd *cobra.Command, args []string) error {
	// set logger inmediately after parsing cobra flags
	logLevel := cmd.Flag(utils.LogLevelFlag.Name).Value.String()
	log.SetGlobalLogger("", logLevel)
	// set config path to read config file
	configDir := cmd.Flag(utils.ConfigDirFlag.Name).Value.String()
	viper.SetConfigFile(filepath.Join(configDir, constants.CONFIG_FILE_NAME))
	viper.SetConfigType(constants.CONFIG_FILE_TYPE)
	// load config from file and environment variables
	utils.InitConfig()
	// bind cobra flags to viper instance
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %s", err)
	}

	// Make sure the config dir exists
	if _, err := os.Stat(configDir); os.IsNotExist(err) {
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return err
		}
	}

	// save config file if SAVE_CONFIG_FILE flag is set to true
	if viper.GetBool(utils.SaveConfigFlag.Name) {
		if err := utils.SaveConfig(); err != nil {
			log.Global.WithField("error", err).Error("error saving config file. Skipping...")
		} else {
			log.Global.Debug("config file saved successfully")
		}
	}
	log.Global.WithField("options", viper.AllSettings()).Debug("config options loaded")
	return nil
}
