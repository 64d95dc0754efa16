// Command meli runs the M.E.L.I. live voice link: it streams the microphone
// to a remote live model, plays the model's speech back gaplessly and serves
// live level metrics to the dashboard.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/meli/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "meli: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "meli",
		Short:         "M.E.L.I. live voice link",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "meli.yaml", "path to the YAML configuration file")

	root.AddCommand(newLiveCmd(), newDevicesCmd(), newVersionCmd())
	return root
}

// loadConfig reads the file named by --config. A missing file is only an
// error when the flag was given explicitly; otherwise defaults apply.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg, err = config.LoadFromReader(strings.NewReader(""))
		return cfg, "", err
	}
	return nil, "", err
}

// newLogger builds the process logger. The level is read through lv so the
// config watcher can change it at runtime.
func newLogger(level config.LogLevel, lv *slog.LevelVar) *slog.Logger {
	lv.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
