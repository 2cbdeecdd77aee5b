package common

import (
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/weaveworks/promrus"

	commonconfig "github.com/G-Research/batchflow/internal/common/config"
)

const envPrefix = "BATCHFLOW"

// LoadConfig reads the default config.yaml found in defaultPath, merges every override file on top of it
// and finally applies BATCHFLOW_ prefixed environment variables.
func LoadConfig(config interface{}, defaultPath string, overrideConfigs []string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrapf(err, "error reading base config from %s", defaultPath)
		}
		log.Debugf("no base config found in %s, relying on defaults", defaultPath)
	}

	for _, overrideConfig := range overrideConfigs {
		path, err := homedir.Expand(overrideConfig)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config from %s", path)
		}
		log.Infof("read config from %s", path)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		return nil, errors.WithStack(err)
	}
	return v, nil
}

// BindCommandlineArguments makes flags readable through viper under their own names.
func BindCommandlineArguments(flags *pflag.FlagSet) {
	if err := viper.BindPFlags(flags); err != nil {
		log.WithError(err).Error("failed to bind command line arguments")
		os.Exit(-1)
	}
}

func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
	hook, err := promrus.NewPrometheusHook()
	if err != nil {
		log.WithError(err).Warn("log line metrics disabled")
		return
	}
	log.AddHook(hook)
}

// SetLogLevel parses level and applies it to the standard logger, leaving the level untouched on a parse failure.
func SetLogLevel(level string) {
	if level == "" {
		return
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		log.WithError(err).Warnf("ignoring unknown log level %q", level)
		return
	}
	log.SetLevel(parsed)
}
