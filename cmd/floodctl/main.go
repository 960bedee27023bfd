package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/spf13/cobra"

	"github.com/iotbench/floodctl/internal/log"
	"github.com/iotbench/floodctl/internal/model"
)

var (
	userConfigPath string // default config directory for floodctl on this OS
	configPath     string // actual config file used
	config         model.Config

	flagConfigFilePath string
	flagVerbose        bool

	flagKind     string
	flagTarget   string
	flagDuration time.Duration
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "floodctl")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is floodctl.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	onceCmd.Flags().StringVar(&flagKind, "kind", string(model.KindSYN), "experiment kind")
	onceCmd.Flags().StringVar(&flagTarget, "target", "", "target address")
	onceCmd.Flags().DurationVar(&flagDuration, "duration", 10*time.Second, "experiment duration")
	_ = onceCmd.MarkFlagRequired("target")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initFloodctl

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(kindsCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("floodctl failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "floodctl",
	Short:        "Runs flood experiments against lab devices with synchronized packet capture",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run starts the scheduler daemon",
	RunE:  doRun,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "once submits a single experiment, follows its events and exits with its result",
	RunE:  doOnce,
}

var kindsCmd = &cobra.Command{
	Use:   "kinds",
	Short: "kinds lists the registered experiment kinds",
	Run:   doKinds,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides the version of floodctl",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("floodctl: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:   %s\n", configPath)
		}
		fmt.Printf("floodctl: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
	},
}

func initFloodctl(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("FLOODCTLCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "floodctl.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		// First run: write the default configuration out.
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "floodctl.yaml")
		if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		if err := config.Write(f); err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		var err error
		config, err = model.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over the config file.
	if flagVerbose {
		config.Verbose = true
	}

	slog.SetDefault(log.New(config.Verbose))
	slog.Debug("floodctl starting", "configPath", configPath)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
