package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path"
	"runtime"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Mtoly/XrayIPGuard/config"
	"github.com/Mtoly/XrayIPGuard/daemon"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use: "XrayIPGuard",
		Run: func(cmd *cobra.Command, args []string) {
			if err := run(); err != nil {
				log.Fatal(err)
			}
		},
	}
)

func init() {
	// Configure global logger time format.
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05.000000",
	})

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file for XrayIPGuard.")
}

func getViper() *viper.Viper {
	v := viper.New()

	// Set custom path and name
	if cfgFile != "" {
		configName := path.Base(cfgFile)
		configFileExt := path.Ext(cfgFile)
		configNameOnly := strings.TrimSuffix(configName, configFileExt)
		configPath := path.Dir(cfgFile)
		v.SetConfigName(configNameOnly)
		v.SetConfigType(strings.TrimPrefix(configFileExt, "."))
		v.AddConfigPath(configPath)
	} else {
		// Set default config path
		v.SetConfigName("config")
		v.SetConfigType("yml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		log.Panicf("Config file error: %s \n", err)
	}

	return v
}

func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg := &config.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config file %v failed: %w", v.ConfigFileUsed(), err)
	}
	if err := config.ApplyDefaults(cfg); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyLogLevel(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetReportCaller(level == log.DebugLevel)
}

func run() error {
	v := getViper()
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	applyLogLevel(cfg)

	d := daemon.New(cfg)
	d.Start()
	defer d.Close()

	v.WatchConfig()
	lastTime := time.Now()
	v.OnConfigChange(func(e fsnotify.Event) {
		// Discard events received within a short period of time after receiving an event.
		if !time.Now().After(lastTime.Add(3 * time.Second)) {
			return
		}

		// To avoid stopping a running guard due to temporary write/parse
		// errors, parse the updated config first and only swap on success.
		newViper := viper.New()
		if e.Name != "" {
			newViper.SetConfigFile(e.Name)
		} else {
			newViper.SetConfigFile(v.ConfigFileUsed())
		}
		if err := newViper.ReadInConfig(); err != nil {
			log.Errorf("Hot reload: failed to read new config file %s: %v; keeping existing configuration", e.Name, err)
			return
		}
		newCfg, err := loadConfig(newViper)
		if err != nil {
			log.Errorf("Hot reload: %v; keeping existing configuration", err)
			return
		}

		log.Infof("Config file changed: %s", e.Name)
		d.Close()
		// Delete old instance and trigger GC
		runtime.GC()

		applyLogLevel(newCfg)
		d = daemon.New(newCfg)
		d.Start()
		lastTime = time.Now()
	})

	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)
	<-osSignals

	return nil
}

func Execute() error {
	return rootCmd.Execute()
}
