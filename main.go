package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/camgate/backend/config"
	"github.com/camgate/backend/logging"
)

var (
	rootDir    string
	configFile string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "camgate",
	Short: "HTTP gateway in front of a Hikvision NVR",
	Long: `Streams live and recorded video from the NVR's channels, keeps a local
camera registry in sync and exposes motion and vehicle event searches.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "project root directory (default: detected from the working directory)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is <root>/config/app.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output results as JSON")

	rootCmd.AddCommand(serveCmd, syncCmd, channelsCmd, triggersCmd)
}

func resolveRoot() (string, error) {
	if rootDir != "" {
		return filepath.Abs(rootDir)
	}

	// Next to the binary when it is installed as <root>/bin/camgate
	exe, err := os.Executable()
	if err == nil {
		candidate := filepath.Dir(filepath.Dir(exe))
		if _, err := os.Stat(filepath.Join(candidate, "config")); err == nil {
			return candidate, nil
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting cwd: %w", err)
	}
	return cwd, nil
}

// loadAppConfig loads the config and configures logging from it. Relative
// data paths are made absolute against the project root.
func loadAppConfig() (*config.AppConfig, error) {
	root, err := resolveRoot()
	if err != nil {
		return nil, err
	}
	appYaml := configFile
	if appYaml == "" {
		appYaml = filepath.Join(root, "config", "app.yaml")
	}

	cfg, err := config.LoadConfig(appYaml)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	for _, p := range []*string{
		&cfg.App.DataDir,
		&cfg.Storage.DBPath,
		&cfg.Archive.Dir,
		&cfg.HLS.Dir,
	} {
		if !filepath.IsAbs(*p) {
			*p = filepath.Join(root, *p)
		}
	}

	logging.Configure(logging.Config{Level: cfg.App.LogLevel, Output: os.Stderr})
	return cfg, nil
}
