package config

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogger configures the standard logrus logger from the config and returns the root entry
// every webrtc-mesh component derives its own log entry from.
func SetupLogger(config *MeshConfig) *log.Entry {
	var lo *log.Entry = log.WithField("|", "webrtc-mesh")
	level, err := StringToLogLevel(config.LogLevel)
	if err != nil {
		lo.Warn(err)
	}
	lo.Logger.SetLevel(level)
	lo.Logger.SetFormatter(&log.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: true,
		DisableQuote:     true,
	})

	if config.LogFile != "" {
		lo.Logger.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}))
	}
	return lo
}
