package main

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bigbag/snapmaker-flasher/internal/config"
	"github.com/bigbag/snapmaker-flasher/internal/detect"
	"github.com/bigbag/snapmaker-flasher/internal/legacy"
)

var waitPowerCycleFlag bool

func newFlashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flash <device> <version> <image>",
		Short: "Flash an image to the device",
		Long: `Flash an image through the Snapmaker bootloader.

The device is switched into its bootloader first: a probe, then a software
reset, then a manual power cycle if nothing else works. The image is sent
as is, use "package" to build a packaged image.`,
		Args: cobra.ExactArgs(3),
		RunE: runFlash,
	}
	cmd.Flags().BoolVar(&waitPowerCycleFlag, "wait-power-cycle", false, "Wait for the device to be switched off and on before connecting")
	return cmd
}

func runFlash(cmd *cobra.Command, args []string) error {
	device, version, imagePath := args[0], args[1], args[2]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Open the image before touching the device.
	image, err := os.Open(imagePath)
	if err != nil {
		return errors.Wrap(err, "failed to open image")
	}
	defer image.Close()

	info, err := image.Stat()
	if err != nil {
		return errors.Wrap(err, "failed to stat image")
	}
	log.WithFields(log.Fields{"image": imagePath, "bytes": info.Size()}).Info("image loaded")

	if waitPowerCycleFlag {
		w := detect.NewWatcher(log.StandardLogger(), cfg.PollInterval, cfg.SettleDelay, cfg.AppearDelay)
		if err := w.WaitForPowerCycle(cmd.Context(), device); err != nil {
			return err
		}
	}

	f, err := connect(cmd.Context(), cfg, device)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Flash(cmd.Context(), version, image, int(info.Size())); err != nil {
		return err
	}
	log.Info("flash complete")
	return nil
}

var (
	inputFlag   string
	outputFlag  string
	pkgFlagFlag bool
	pkgFlashDev string
)

func newPackageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "package <controller|module|0|1> <version> [hw-major [hw-minor]]",
		Short: "Wrap an image into a package",
		Long: `Prefix an image with the 2048 byte package header.

The image is read from --input or stdin. The package is written to --output,
flashed to the --flash device, or written to stdout when neither is given.
hw-major and hw-minor default to 0 and 20. When only hw-major is given it is
used for both.

Flashing a package sends package_keepalives keep-alives (default 3) before
the announce instead of the keepalives count used by "flash".`,
		Args: cobra.RangeArgs(2, 4),
		RunE: runPackage,
	}
	cmd.Flags().StringVarP(&inputFlag, "input", "i", "", "Image file (default stdin)")
	cmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Package file")
	cmd.Flags().BoolVar(&pkgFlagFlag, "flag", false, "Set flag bit 0 in the header")
	cmd.Flags().StringVar(&pkgFlashDev, "flash", "", "Flash the package to this device")
	return cmd
}

func runPackage(cmd *cobra.Command, args []string) error {
	imageType, err := legacy.ParseImageType(args[0])
	if err != nil {
		return err
	}

	version := args[1]
	if !strings.HasPrefix(version, legacy.VersionPrefix) {
		log.Warnf("version %q does not start with %q, the Snapmaker interface may not handle it", version, legacy.VersionPrefix)
	}

	h := legacy.Header{
		Type:    imageType,
		HWMajor: legacy.DefaultHWMajor,
		HWMinor: legacy.DefaultHWMinor,
		Version: version,
	}
	if len(args) > 2 {
		if h.HWMajor, err = parseHW(args[2]); err != nil {
			return err
		}
		h.HWMinor = h.HWMajor
	}
	if len(args) > 3 {
		if h.HWMinor, err = parseHW(args[3]); err != nil {
			return err
		}
	}
	if pkgFlagFlag {
		h.Flags = 1
	}

	content, err := readInput(cmd.InOrStdin())
	if err != nil {
		return err
	}

	pkg, err := legacy.Build(h, content)
	if err != nil {
		return err
	}

	if outputFlag != "" {
		if err := os.WriteFile(outputFlag, pkg, 0o644); err != nil {
			return errors.Wrap(err, "failed to write package")
		}
		log.WithFields(log.Fields{"output": outputFlag, "bytes": len(pkg)}).Info("package written")
	} else if pkgFlashDev == "" {
		if _, err := cmd.OutOrStdout().Write(pkg); err != nil {
			return errors.Wrap(err, "failed to write package")
		}
	}

	if pkgFlashDev == "" {
		return nil
	}

	cfg, err := packageConfig()
	if err != nil {
		return err
	}

	f, err := connect(cmd.Context(), cfg, pkgFlashDev)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Flash(cmd.Context(), version, bytes.NewReader(pkg), len(pkg)); err != nil {
		return err
	}
	log.Info("flash complete")
	return nil
}

// packageConfig is loadConfig with the keep-alive burst of the package flow.
func packageConfig() (config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return config.Config{}, err
	}
	cfg.KeepAlives = cfg.PackageKeepAlives
	return cfg, nil
}

func readInput(stdin io.Reader) ([]byte, error) {
	if inputFlag == "" {
		content, err := io.ReadAll(stdin)
		return content, errors.Wrap(err, "failed to read stdin")
	}
	content, err := os.ReadFile(inputFlag)
	return content, errors.Wrap(err, "failed to read input")
}

func parseHW(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid hw version %q", s)
	}
	return uint16(v), nil
}
