package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/rabidaudio/nofs/image"
	"github.com/rabidaudio/nofs/mock"
	"github.com/rabidaudio/nofs/nofs"
	"github.com/rabidaudio/nofs/sdmmc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	return runWith(t, strings.NewReader(stdin), args...)
}

func runWith(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetIn(stdin)
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--quiet"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRecordAndDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "card.img")

	_, err := run(t, "", "mkimage", path, "--sectors", "64")
	require.NoError(t, err)

	_, err = run(t, "boot\ntemp=21.5\n", "record", "--image", path)
	require.NoError(t, err)
	_, err = run(t, "boot\ntemp=22.0\n", "record", "--image", path)
	require.NoError(t, err)

	out, err := run(t, "", "dump", path)
	require.NoError(t, err)
	assert.Equal(t, "boot\ntemp=21.5\nboot\ntemp=22.0\n", out)
}

func TestRecordLongLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "card.img")
	_, err := run(t, "", "mkimage", path, "--sectors", "256")
	require.NoError(t, err)

	input := "first\n" + strings.Repeat("L", 70000) + "\nlast\n"
	_, err = run(t, input, "record", "--image", path)
	require.NoError(t, err)

	out, err := run(t, "", "dump", path)
	require.NoError(t, err)
	assert.Equal(t, len(input), len(out))
	assert.Equal(t, input, out)
}

func TestRecordUnterminatedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "card.img")
	_, err := run(t, "", "mkimage", path, "--sectors", "4")
	require.NoError(t, err)

	_, err = run(t, "a\nb", "record", "--image", path)
	require.NoError(t, err)

	out, err := run(t, "", "dump", path)
	require.NoError(t, err)
	assert.Equal(t, "a\nb", out)
}

func TestRecordReadError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "card.img")
	_, err := run(t, "", "mkimage", path, "--sectors", "4")
	require.NoError(t, err)

	stdin := io.MultiReader(strings.NewReader("ok\n"), iotest.ErrReader(errors.New("tty gone")))
	_, err = runWith(t, stdin, "record", "--image", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tty gone")

	// what was read before the failure is still committed
	out, err := run(t, "", "dump", path)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)
}

func TestBlankZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "card.img")
	cfgPath := filepath.Join(t.TempDir(), "nofs.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("card:\n  blank: 0x00\n"), 0o644))

	_, err := run(t, "", "mkimage", path, "--sectors", "8", "--config", cfgPath)
	require.NoError(t, err)
	_, err = run(t, "one\ntwo\n", "record", "--image", path, "--config", cfgPath)
	require.NoError(t, err)

	out, err := run(t, "", "dump", path, "--blank", "0x00")
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", out)
}

func TestCommandErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "card.img")

	_, err := run(t, "", "mkimage", path)
	assert.Error(t, err, "no size")
	_, err = run(t, "", "mkimage", path, "--sectors", "4", "--blank", "0x100")
	assert.Error(t, err)

	_, err = run(t, "x\n", "record")
	assert.Error(t, err, "no destination")
	_, err = run(t, "x\n", "record", "--image", path, "--spi")
	assert.Error(t, err, "two destinations")
	_, err = run(t, "x\n", "record", "--image", path)
	assert.Error(t, err, "missing image")

	_, err = run(t, "", "dump", path)
	assert.Error(t, err)
	_, err = run(t, "", "dump", path, "--config", filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestPump(t *testing.T) {
	medium := mock.NewMemoryMedium(16, 0)
	card := sdmmc.New(mock.NewCard(medium), sdmmc.Options{Capacity: 16, RetryDelay: 1})
	store := nofs.New(card, nofs.Options{})
	require.NoError(t, store.Init())

	lines := make(chan string)
	done := make(chan error, 1)
	go func() {
		_, err := pump(context.Background(), store, lines, time.Millisecond)
		done <- err
	}()

	lines <- "a\n"
	// the sync timer commits the first record before the second arrives
	time.Sleep(50 * time.Millisecond)
	lines <- "b\n"
	close(lines)
	require.NoError(t, <-done)

	assert.Equal(t, []byte("a\n\x00"), medium.Sector(0)[:3])
	assert.Equal(t, []byte("b\n\x00"), medium.Sector(1)[:3])
}

func TestPumpCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "card.img")
	img, err := image.Create(path, 4, 0)
	require.NoError(t, err)
	defer img.Close()

	card := sdmmc.New(mock.NewCard(img), sdmmc.Options{Capacity: img.Sectors(), RetryDelay: 1})
	store := nofs.New(card, nofs.Options{})
	require.NoError(t, store.Init())

	ctx, cancel := context.WithCancel(context.Background())
	lines := make(chan string, 1)
	lines <- "last words\n"
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	n, err := pump(ctx, store, lines, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var out bytes.Buffer
	_, err = img.Extract(&out, 0)
	require.NoError(t, err)
	assert.Equal(t, "last words\n", out.String(), "buffered records are committed on cancel")
}
