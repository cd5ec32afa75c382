package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bigbag/snapmaker-flasher/internal/update"
)

var (
	forceFlag     bool
	packOutput    string
	unpackDirFlag string
)

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Build and inspect update containers",
	}

	packCmd := &cobra.Command{
		Use:   "pack <version> <file>...",
		Short: "Bundle images into an update container",
		Long: `Bundle packaged controller and module images and a screen APK into one
update container. Images are recognised by their first byte. The container
is written to --output or stdout.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runPack,
	}
	packCmd.Flags().BoolVar(&forceFlag, "force", false, "Set the force flag")
	packCmd.Flags().StringVarP(&packOutput, "output", "o", "", "Container file")

	unpackCmd := &cobra.Command{
		Use:   "unpack <container>",
		Short: "Extract the images of an update container",
		Long: `Extract the images of an update container into screen.apk,
controller.bin.packet and module<N>.bin.packet, then print the arguments
"update pack" needs to rebuild it.`,
		Args: cobra.ExactArgs(1),
		RunE: runUnpack,
	}
	unpackCmd.Flags().StringVarP(&unpackDirFlag, "dir", "d", ".", "Output directory")

	infoCmd := &cobra.Command{
		Use:   "info <container>",
		Short: "Show the header of an update container",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	}

	cmd.AddCommand(packCmd, unpackCmd, infoCmd)
	return cmd
}

func runPack(cmd *cobra.Command, args []string) error {
	c := &update.Container{Version: args[0]}
	if forceFlag {
		c.Flags = update.FlagForce
	}

	for _, path := range args[1:] {
		content, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, "failed to read input")
		}
		t, err := c.Add(content)
		if errors.Is(err, update.ErrEmptyImage) {
			log.WithField("file", path).Warn("skipping empty input file")
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "invalid input file %s", path)
		}
		log.WithFields(log.Fields{"file": path, "type": t, "bytes": len(content)}).Debug("image added")
	}

	buf, err := update.Serialize(c)
	if err != nil {
		return err
	}

	if packOutput == "" {
		_, err := cmd.OutOrStdout().Write(buf)
		return errors.Wrap(err, "failed to write container")
	}
	if err := os.WriteFile(packOutput, buf, 0o644); err != nil {
		return errors.Wrap(err, "failed to write container")
	}
	log.WithFields(log.Fields{"output": packOutput, "bytes": len(buf)}).Info("container written")
	return nil
}

func readContainer(path string) (*update.Container, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read container")
	}
	c, err := update.Parse(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid container %s", path)
	}
	return c, nil
}

func runUnpack(cmd *cobra.Command, args []string) error {
	c, err := readContainer(args[0])
	if err != nil {
		return err
	}

	write := func(name string, data []byte) error {
		path := filepath.Join(unpackDirFlag, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return errors.Wrapf(err, "failed to write %s", path)
		}
		log.WithFields(log.Fields{"file": path, "bytes": len(data)}).Debug("image extracted")
		return nil
	}

	if c.Screen != nil {
		if err := write("screen.apk", c.Screen); err != nil {
			return err
		}
	}
	if c.Controller != nil {
		if err := write("controller.bin.packet", c.Controller); err != nil {
			return err
		}
	}
	for i, m := range c.Modules {
		if err := write(fmt.Sprintf("module%d.bin.packet", i), m); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if c.Flags&update.FlagForce != 0 {
		fmt.Fprint(out, "--force ")
	}
	if c.Flags&^update.FlagForce != 0 {
		log.WithField("flags", fmt.Sprintf("%#x", c.Flags)).Warn("unknown flags dropped")
	}
	fmt.Fprintln(out, c.Version)
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	buf, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrap(err, "failed to read container")
	}
	h, err := update.ParseHeader(buf)
	if err != nil {
		return errors.Wrapf(err, "invalid container %s", args[0])
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Version: %s\n", h.Version)
	fmt.Fprintf(out, "Flags:   %#x\n", h.Flags)
	fmt.Fprintf(out, "Size:    %d bytes\n", len(buf))
	fmt.Fprintf(out, "Entries: %d\n", len(h.Entries))
	for i, e := range h.Entries {
		fmt.Fprintf(out, "  %d: %-10s offset %d, %d bytes\n", i, e.Type, e.Offset, e.Size)
	}
	return nil
}
