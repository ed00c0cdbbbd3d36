package sensor

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

func writePair(t *testing.T, dir, stem string, depthMM uint16) {
	t.Helper()
	c := image.NewRGBA(image.Rect(0, 0, 8, 6))
	c.Set(1, 1, color.RGBA{R: 200, A: 255})
	cf, err := os.Create(filepath.Join(dir, stem+"_color.bmp"))
	require.NoError(t, err)
	require.NoError(t, bmp.Encode(cf, c))
	require.NoError(t, cf.Close())

	d := image.NewGray16(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			d.SetGray16(x, y, color.Gray16{Y: depthMM})
		}
	}
	df, err := os.Create(filepath.Join(dir, stem+"_depth.tiff"))
	require.NoError(t, err)
	require.NoError(t, tiff.Encode(df, d, nil))
	require.NoError(t, df.Close())
}

func TestReplayPlaysPairsInOrder(t *testing.T) {
	dir := t.TempDir()
	writePair(t, dir, "0002", 2000)
	writePair(t, dir, "0001", 1000)

	r, err := OpenReplay(dir, 1000, false, 0.001)
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())

	ctx := context.Background()
	c, d, err := r.WaitForFramePair(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 8, c.Width)
	assert.InDelta(t, 1.0, d.Meters(4, 3), 1e-9)
	assert.Equal(t, byte(200), c.Data[(1*8+1)*3])

	_, d, err = r.WaitForFramePair(ctx, time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, d.Meters(0, 0), 1e-9)

	_, _, err = r.WaitForFramePair(ctx, time.Second)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrFrameUnavailable)
}

func TestReplayLoops(t *testing.T) {
	dir := t.TempDir()
	writePair(t, dir, "a", 1500)

	r, err := OpenReplay(dir, 1000, true, 0.001)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, _, err := r.WaitForFramePair(context.Background(), time.Second)
		require.NoError(t, err)
	}
}

func TestReplaySkipsUnpaired(t *testing.T) {
	dir := t.TempDir()
	writePair(t, dir, "a", 1500)
	f, err := os.Create(filepath.Join(dir, "b_color.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	require.NoError(t, f.Close())

	r, err := OpenReplay(dir, 30, false, 0.001)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())
}

func TestReplayEmptyDir(t *testing.T) {
	_, err := OpenReplay(t.TempDir(), 30, false, 0.001)
	assert.Error(t, err)
}

func TestSyntheticTimeoutIsMiss(t *testing.T) {
	s := NewSynthetic(16, 8, 1)
	ctx := context.Background()

	_, d, err := s.WaitForFramePair(ctx, time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, d.Meters(0, 0), 1e-9)

	_, _, err = s.WaitForFramePair(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrFrameUnavailable)

	require.NoError(t, s.Close())
	_, _, err = s.WaitForFramePair(ctx, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenUnknownKind(t *testing.T) {
	_, err := Open(context.Background(), Options{Kind: "lidar"})
	assert.Error(t, err)
}
