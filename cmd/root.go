package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samvdb/somneo-homekit/bridge"
	"github.com/samvdb/somneo-homekit/discovery"
	"github.com/samvdb/somneo-homekit/somneo"

	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	cfgFile          string
	flagName         string
	flagPin          string
	flagListen       string
	flagStorage      string
	flagPollInterval time.Duration
	flagSearchWindow time.Duration
	flagSearchTarget string
	flagDevices      []string
	debug            bool
)

var rootCmd = &cobra.Command{
	Use:   "somneo-homekit",
	Short: "Expose Philips Somneo wake-up lights to Apple HomeKit",
	RunE: func(cmd *cobra.Command, args []string) error {

		level := slog.LevelInfo
		if debug {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		return Run(cmd)
	},
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file (json|yaml|toml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagName, "name", "Somneo Bridge", "HomeKit bridge name")
	rootCmd.PersistentFlags().StringVar(&flagPin, "pin", "00102003", "HomeKit pairing PIN")
	rootCmd.PersistentFlags().StringVar(&flagListen, "listen", "", "HomeKit listen address (host:port)")
	rootCmd.PersistentFlags().StringVar(&flagStorage, "storage", "./db", "Directory for HomeKit pairing state")
	rootCmd.PersistentFlags().DurationVar(&flagPollInterval, "poll-interval", 60*time.Second, "Sensor poll interval")
	rootCmd.PersistentFlags().DurationVar(&flagSearchWindow, "search-window", 3*time.Second, "SSDP search window")
	rootCmd.PersistentFlags().StringVar(&flagSearchTarget, "search-target", somneo.DeviceType, "SSDP search target URN")
	rootCmd.PersistentFlags().StringSliceVar(&flagDevices, "device", nil, "Static device address (repeatable), skips discovery for it")

	// Bind flags → Viper config keys
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("name", rootCmd.PersistentFlags().Lookup("name"))
	_ = viper.BindPFlag("pin", rootCmd.PersistentFlags().Lookup("pin"))
	_ = viper.BindPFlag("listen", rootCmd.PersistentFlags().Lookup("listen"))
	_ = viper.BindPFlag("storage", rootCmd.PersistentFlags().Lookup("storage"))
	_ = viper.BindPFlag("poll_interval", rootCmd.PersistentFlags().Lookup("poll-interval"))
	_ = viper.BindPFlag("search_window", rootCmd.PersistentFlags().Lookup("search-window"))
	_ = viper.BindPFlag("search_target", rootCmd.PersistentFlags().Lookup("search-target"))
	_ = viper.BindPFlag("devices", rootCmd.PersistentFlags().Lookup("device"))

	viper.SetEnvPrefix("")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.AddConfigPath(".")
}

func initConfig() {
	// If --config has been provided, use that file
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Default: look for .config.json in CWD
		viper.SetConfigName(".config")
		viper.SetConfigType("json")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		slog.Info(fmt.Sprintf("Using config file: %s", viper.ConfigFileUsed()))
	}

	debug = viper.GetBool("debug")
	flagName = viper.GetString("name")
	flagPin = viper.GetString("pin")
	flagListen = viper.GetString("listen")
	flagStorage = viper.GetString("storage")
	flagPollInterval = viper.GetDuration("poll_interval")
	flagSearchWindow = viper.GetDuration("search_window")
	flagSearchTarget = viper.GetString("search_target")
	flagDevices = viper.GetStringSlice("devices")
}

func Run(cmd *cobra.Command) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolve := func(ctx context.Context, host string) (somneo.Description, error) {
		c, err := somneo.NewClient(somneo.ClientConfig{Host: host})
		if err != nil {
			return somneo.Description{}, err
		}
		return c.Description(ctx)
	}

	session, err := discovery.NewSession(discovery.SessionConfig{
		SearchTarget: flagSearchTarget,
		SearchWindow: flagSearchWindow,
		Resolve:      resolve,
	})
	if err != nil {
		return err
	}

	devices, err := session.Search(ctx)
	if err != nil {
		slog.Error("ssdp search failed", "error", err.Error())
	}
	for _, host := range flagDevices {
		if dev, ok := session.Static(ctx, host); ok {
			devices = append(devices, dev)
		}
	}
	if len(devices) == 0 {
		slog.Warn("no somneo found; serving an empty bridge, restart after the device comes online")
	}

	home := bridge.NewHome(bridge.HomeConfig{
		Name:         flagName,
		Pin:          flagPin,
		Addr:         flagListen,
		StateDir:     flagStorage,
		PollInterval: flagPollInterval,
	})
	for _, dev := range devices {
		client, err := somneo.NewClient(somneo.ClientConfig{Host: dev.Host})
		if err != nil {
			return err
		}
		if _, err := home.Add(dev, client); err != nil {
			return err
		}
	}

	listener, err := discovery.NewListener(discovery.ListenerConfig{
		SearchTarget: flagSearchTarget,
		Handler:      &announceLog{session: session},
	})
	if err != nil {
		return err
	}
	defer listener.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return home.Run(ctx)
	})
	g.Go(func() error {
		return listener.Run(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// announceLog surfaces devices that announce themselves after the
// search window. The accessory set is fixed once the HomeKit server is
// up, so all it can do is tell the operator to restart.
type announceLog struct {
	session *discovery.Session
	noted   map[string]struct{}
}

func (a *announceLog) Notify(ctx context.Context, n discovery.Notification) error {
	if n.NTS != "ssdp:alive" {
		return nil
	}
	if a.session.Seen(n.USN) {
		return nil
	}
	if a.noted == nil {
		a.noted = make(map[string]struct{})
	}
	if _, ok := a.noted[n.USN]; ok {
		return nil
	}
	a.noted[n.USN] = struct{}{}
	slog.Info("new somneo announced itself; restart to add it", "usn", n.USN, "location", n.Location)
	return nil
}
