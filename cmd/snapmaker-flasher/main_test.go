package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/snapmaker-flasher/internal/legacy"
	"github.com/bigbag/snapmaker-flasher/internal/update"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestUpdatePackUnpack(t *testing.T) {
	dir := t.TempDir()
	controller := writeFile(t, dir, "c.bin", []byte{0x00, 0xC0})
	module := writeFile(t, dir, "m.bin", []byte{0x01, 0x10, 0x11})
	screen := writeFile(t, dir, "s.apk", []byte("PK\x03\x04"))
	empty := writeFile(t, dir, "empty.bin", nil)
	container := filepath.Join(dir, "update.bin")

	cmd := newUpdateCmd()
	cmd.SetArgs([]string{"pack", "--force", "--output", container, "Snapmaker_V1.2.3", controller, empty, module, screen})
	require.NoError(t, cmd.Execute())

	buf, err := os.ReadFile(container)
	require.NoError(t, err)
	c, err := update.Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(update.FlagForce), c.Flags)
	assert.Len(t, c.Modules, 1)

	outDir := t.TempDir()
	var stdout bytes.Buffer
	cmd = newUpdateCmd()
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{"unpack", "--dir", outDir, container})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, "--force Snapmaker_V1.2.3\n", stdout.String())
	for name, want := range map[string][]byte{
		"controller.bin.packet": {0x00, 0xC0},
		"module0.bin.packet":    {0x01, 0x10, 0x11},
		"screen.apk":            []byte("PK\x03\x04"),
	} {
		got, err := os.ReadFile(filepath.Join(outDir, name))
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
}

func TestUpdatePack_RejectsUnknownImage(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.bin", []byte{0x7F})

	cmd := newUpdateCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"pack", "--output", filepath.Join(dir, "out.bin"), "v", bad})
	err := cmd.Execute()
	assert.ErrorIs(t, err, update.ErrUnknownImage)
}

func TestPackage_ToStdout(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "fw.bin", []byte{0x01, 0x02, 0x03})

	var stdout bytes.Buffer
	cmd := newPackageCmd()
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{"--input", input, "module", "Snapmaker_V2", "5"})
	t.Cleanup(func() { inputFlag = "" })
	require.NoError(t, cmd.Execute())

	h, content, err := legacy.Parse(stdout.Bytes())
	require.NoError(t, err)
	assert.Equal(t, legacy.Module, h.Type)
	assert.Equal(t, uint16(5), h.HWMajor)
	assert.Equal(t, uint16(5), h.HWMinor)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, content)
}

func TestPackageConfig_UsesPackageKeepAlives(t *testing.T) {
	path := writeFile(t, t.TempDir(), "flasher.toml", []byte("keepalives = 7\npackage_keepalives = 4\n"))
	configFlag = path
	t.Cleanup(func() { configFlag = "" })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.KeepAlives)

	cfg, err = packageConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.KeepAlives)
}

func TestParseHW(t *testing.T) {
	v, err := parseHW("20")
	require.NoError(t, err)
	assert.Equal(t, uint16(20), v)

	_, err = parseHW("70000")
	assert.Error(t, err)
	_, err = parseHW("x")
	assert.Error(t, err)
}
