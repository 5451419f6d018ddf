package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// environment variables with this prefix override config file values, eg: MESH_SIGNALING_URL, MESH_POLICY_MAX_BITRATE
const EnvPrefix = "MESH"

// keys that can be overridden from the environment even when the config file does not mention them
var envOverridableKeys = []string{
	"signaling_url",
	"ice_transport_policy",
	"stats_interval",
	"log_level",
	"log_file",
	"go_profiling_server_enabled",
	"media.source",
	"media.video_source_cmd",
	"media.width",
	"media.height",
	"media.audio_enabled",
	"media.video_rtp_url",
	"media.video_rtp_mime_type",
	"media.audio_rtp_url",
	"media.video_file",
	"media.audio_file",
	"policy.max_bitrate",
	"policy.min_bitrate",
	"policy.max_framerate",
	"relay.listen_addr",
	"relay.grpc_health_addr",
}

func StringToLogLevel(s string) (log.Level, error) {
	s = strings.ToLower(s)
	switch s {
	case "debug":
		return log.DebugLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "warn":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	case "fatal":
		return log.FatalLevel, nil
	case "panic":
		return log.PanicLevel, nil
	case "critical":
		return log.PanicLevel, nil
	default:
		return log.WarnLevel, errors.New("Invalid log level: " + s)
	}
}

// ReadConfigFile loads the config file at configFilePath (json, yaml or toml, picked by extension) on top of
// the defaults, applies MESH_* environment overrides and validates the result.
// An empty configFilePath skips the file and only applies the environment.
func ReadConfigFile(configFilePath string) (MeshConfig, error) {
	config := GetDefaultMeshConfig()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envOverridableKeys {
		if err := v.BindEnv(key); err != nil {
			return config, err
		}
	}

	if configFilePath != "" {
		v.SetConfigFile(configFilePath)
		if err := v.ReadInConfig(); err != nil {
			return config, fmt.Errorf("reading config file %s: %w", configFilePath, err)
		}
	}

	if err := v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("decoding config: %w", err)
	}

	if err := Validate(&config); err != nil {
		return config, err
	}
	return config, nil
}

func Validate(config *MeshConfig) error {
	if err := validator.New().Struct(config); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
