package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/nadavbarak14/agentide/internal/logging"
)

// Watch reloads the config file when it changes on disk and passes each
// valid result to onChange. Invalid edits are logged and ignored, so the
// running configuration stays in effect.
func Watch(v *viper.Viper, logger *logging.Logger, onChange func(*Config)) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	log := logger.WithComponent("config")

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := LoadFrom(v)
		if err != nil {
			log.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		log.Info("config reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
}
