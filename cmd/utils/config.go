package utils

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dominant-strategies/go-sequencer/common/constants"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// InitConfig initializes the viper config instance ensuring that environment variables
// take precedence over config file parameters.
// Environment variables are prefixed with GO_SEQUENCER (e.g. GO_SEQUENCER_LOG_LEVEL).
// It panics if the config file exists but cannot be read.
func InitConfig() {
	// read in config file and merge with defaults
	log.Global.Infof("Loading config from file: %s", viper.ConfigFileUsed())
	err := viper.ReadInConfig()
	if err != nil {
		// if error is type ConfigFileNotFoundError or fs.PathError, ignore error
		if _, ok := err.(*fs.PathError); ok || errors.Is(err, viper.ConfigFileNotFoundError{}) {
			log.Global.Warnf("Config file not found: %s", viper.ConfigFileUsed())
		} else {
			log.Global.Errorf("Error reading config file: %s", err)
			// config file was found but another error was produced. Cannot continue
			panic(err)
		}
	}

	log.Global.Infof("Loading config from environment variables with prefix: '%s_'", constants.ENV_PREFIX)
	viper.SetEnvPrefix(constants.ENV_PREFIX)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// SaveConfig saves the config file with the current config parameters.
//
// If the config file exists, it creates a backup copy ending with .bak
// and overwrites the existing config file.
func SaveConfig() error {
	configFile := viper.ConfigFileUsed()
	log.Global.Debugf("saving/updating config file: %s", configFile)
	if _, err := os.Stat(configFile); err == nil {
		// config file exists, create backup copy
		if err := os.Rename(configFile, configFile+".bak"); err != nil {
			return err
		}
	} else if os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
			return err
		}
	} else {
		return err
	}
	return viper.WriteConfigAs(configFile)
}

// defaultSettings maps every flag to its default, overridden by whatever
// viper currently holds for it. Durations are written in their text form.
func defaultSettings() map[string]interface{} {
	settings := make(map[string]interface{})
	groups := append([][]Flag{GlobalFlags}, Flags...)
	for _, group := range groups {
		for _, flag := range group {
			if flag.Name == ConfigDirFlag.Name || flag.Name == SaveConfigFlag.Name {
				continue
			}
			value := flag.Value
			if viper.IsSet(flag.Name) {
				value = viper.Get(flag.Name)
			}
			if d, ok := value.(time.Duration); ok {
				value = d.String()
			}
			settings[flag.Name] = value
		}
	}
	return settings
}

// WriteDefaultConfigFile writes a config file holding the default of every
// flag. Only TOML is supported.
func WriteDefaultConfigFile(configDir string, configFileName string, configType string) error {
	if configType != constants.CONFIG_FILE_TYPE {
		return errors.New("unsupported config file type: " + configType)
	}
	data, err := toml.Marshal(defaultSettings())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(configDir, configFileName), data, 0644)
}
