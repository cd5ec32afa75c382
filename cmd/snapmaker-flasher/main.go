package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bigbag/snapmaker-flasher/internal/config"
	"github.com/bigbag/snapmaker-flasher/internal/flasher"
	"github.com/bigbag/snapmaker-flasher/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configFlag  string
	verboseFlag bool
	baudFlag    int
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	log.SetOutput(os.Stderr)
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "snapmaker-flasher",
		Short: "Flash and package Snapmaker firmware",
		Long: `Snapmaker Flasher talks to the Snapmaker bootloader over a serial link.

It can flash a firmware image directly, wrap an image into a package with
the 2048 byte package header, and build or split update containers that
bundle controller, module and screen images.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verboseFlag {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "TOML file with serial timings")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Log protocol details")
	rootCmd.PersistentFlags().IntVarP(&baudFlag, "baud", "b", 0, "Baud rate (overrides config)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("snapmaker-flasher %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	rootCmd.AddCommand(newFlashCmd(), newPackageCmd(), newUpdateCmd(), versionCmd, listCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error(err)
		stop()
		os.Exit(1)
	}
}

// loadConfig returns the defaults, the --config file on top of them, and
// the --baud flag on top of that.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if configFlag != "" {
		var err error
		if cfg, err = config.Load(configFlag); err != nil {
			return config.Config{}, err
		}
	}
	if baudFlag != 0 {
		cfg.Baud = baudFlag
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// opener opens serial ports at the configured baud rate.
func opener(baud int) flasher.Opener {
	return func(path string, timeout time.Duration) (flasher.Port, error) {
		port, err := serial.Open(path, baud, timeout)
		if err != nil {
			return nil, err
		}
		return port, nil
	}
}

// connect runs the bootloader handshake on device and returns a flasher for
// the resulting port.
func connect(ctx context.Context, cfg config.Config, device string) (*flasher.Flasher, error) {
	log.WithField("device", device).Info("connecting to bootloader")

	h := flasher.NewHandshake(device, opener(cfg.Baud),
		flasher.WithConfig(cfg),
		flasher.WithLogger(log.StandardLogger()),
	)
	port, err := h.Run(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reach bootloader on %s", device)
	}
	log.Info("bootloader ready")

	return flasher.New(port,
		flasher.WithConfig(cfg),
		flasher.WithLogger(log.StandardLogger()),
		flasher.WithProgressCallback(progress()),
	), nil
}

// progress renders a bar when stderr is a terminal and logs otherwise.
func progress() flasher.ProgressCallback {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return func(current, total int) {
			log.WithFields(log.Fields{"sent": current, "total": total}).Debug("transfer progress")
		}
	}

	var bar *progressbar.ProgressBar
	return func(current, total int) {
		if bar == nil {
			size := int64(total)
			if size <= 0 {
				size = -1
			}
			bar = progressbar.NewOptions64(size,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription("Flashing"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowBytes(true),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionThrottle(100*time.Millisecond),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set(current)
		if total > 0 && current >= total {
			_ = bar.Finish()
		}
	}
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}
