package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/dapm/minerop/internal/log"
	"github.com/dapm/minerop/internal/model"
	"github.com/dapm/minerop/internal/service"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

const (
	configEnv  = "MINEROPCONFIG"
	configFile = "minerop.yaml"
)

var (
	userConfigPath string // /default/config/path/minerop on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	closeLog       = func() error { return nil }

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "minerop")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is minerop.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initMinerop

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(mineCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("minerop failed", "err", err)
	}
	_ = closeLog()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "minerop",
	Short:        "Streams process events through an external heuristics miner and publishes Petri nets",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run generates hospital events, filters them by department and mines them until interrupted",
	RunE:  doRun,
}

var mineCmd = &cobra.Command{
	Use:   "mine",
	Short: "mine reads events as JSON lines from stdin and writes the mined nets to stdout",
	RunE:  doMine,
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "provision installs the miner artifact and exits",
	RunE:  doProvision,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a minerop",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("minerop: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("minerop: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func cmdContext(cmd *cobra.Command, name string) context.Context {
	attrs := slog.Group("minerop",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(cmd.Context(), attrs)
}

func doRun(cmd *cobra.Command, args []string) error {
	return service.Run(cmdContext(cmd, "run"), config)
}

func doMine(cmd *cobra.Command, args []string) error {
	return service.Mine(cmdContext(cmd, "mine"), config, cmd.InOrStdin(), cmd.OutOrStdout())
}

func doProvision(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd, "provision")
	st, err := service.ProvisionerFromConfig(config.Miner).Ensure(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "path:      %s\n", st.Path)
	fmt.Fprintf(out, "digest:    %s\n", st.Digest)
	fmt.Fprintf(out, "refreshed: %t\n", st.Refreshed)
	return nil
}

func initMinerop(cmd *cobra.Command, _ []string) error {
	var err error
	configPath, config, err = loadConfig(flagConfigFilePath, userConfigPath)
	if err != nil {
		return err
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// initialize logging
	w, closeFn, err := log.Output(config.Service.Log)
	if err != nil {
		return err
	}
	closeLog = closeFn
	slog.SetDefault(log.New(w, config.Service.Verbose))

	slog.Debug("minerop run", "configPath", configPath)
	slog.Debug("minerop run", "config", config)
	return nil
}

// loadConfig finds the configuration: $MINEROPCONFIG, then --config, then
// minerop.yaml in the user config dir or the current directory. When none
// exists the defaults are stored in userDir.
func loadConfig(flagPath, userDir string) (string, model.Config, error) {
	var path string
	if envConfig := os.Getenv(configEnv); envConfig != "" {
		path = envConfig
	} else if flagPath != "" {
		path = flagPath
	} else {
		for _, d := range []string{userDir, "."} {
			p := filepath.Join(d, configFile)
			if exists(p) {
				path = p
				break
			}
		}
	}

	// store default configuration
	if path == "" {
		cfg := model.DefaultConfig()
		path = filepath.Join(userDir, configFile)
		err := os.MkdirAll(filepath.Dir(path), 0755)
		if err != nil {
			return "", cfg, fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
		}

		f, err := os.Create(path)
		if err != nil {
			return "", cfg, fmt.Errorf("creating file %s: %w", path, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		enc.SetIndent(2)
		err = enc.Encode(cfg)
		if err != nil {
			return "", cfg, fmt.Errorf("storing configuration: %w", err)
		}
		return path, cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.ConfigErrDetails(err) {
			slog.Error("invalid config", d.Attr("detail"))
		}
		return "", model.Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return path, cfg, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
