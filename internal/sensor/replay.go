package sensor

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

const (
	colorSuffix = "_color"
	depthSuffix = "_depth"
)

type replayPair struct {
	stem  string
	color string
	depth string
}

// Replay plays back recorded frame pairs from a directory. Pairs are files
// named <stem>_color.<ext> and <stem>_depth.<ext>, played in lexical order of
// stem. Depth maps must be 16-bit grayscale (PNG or TIFF).
type Replay struct {
	pairs      []replayPair
	interval   time.Duration
	loop       bool
	depthScale float64

	mu       sync.Mutex
	pos      int
	next     time.Time
	frameNum uint64
	closed   bool
}

// OpenReplay scans dir for frame pairs
func OpenReplay(dir string, fps int, loop bool, depthScale float64) (*Replay, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("replay: read dir: %w", err)
	}

	colors := map[string]string{}
	depths := map[string]string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		base := strings.TrimSuffix(name, filepath.Ext(name))
		switch {
		case strings.HasSuffix(base, colorSuffix):
			colors[strings.TrimSuffix(base, colorSuffix)] = filepath.Join(dir, name)
		case strings.HasSuffix(base, depthSuffix):
			depths[strings.TrimSuffix(base, depthSuffix)] = filepath.Join(dir, name)
		}
	}

	var pairs []replayPair
	for stem, c := range colors {
		d, ok := depths[stem]
		if !ok {
			logger.Warn("Replay", "Skipping %s: no depth map", c)
			continue
		}
		pairs = append(pairs, replayPair{stem: stem, color: c, depth: d})
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("replay: no frame pairs in %s", dir)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].stem < pairs[j].stem })

	if fps <= 0 {
		fps = 30
	}
	logger.Info("Replay", "Loaded %d frame pairs from %s", len(pairs), dir)
	return &Replay{
		pairs:      pairs,
		interval:   time.Second / time.Duration(fps),
		loop:       loop,
		depthScale: depthScale,
	}, nil
}

// Len returns the number of frame pairs
func (r *Replay) Len() int {
	return len(r.pairs)
}

func (r *Replay) WaitForFramePair(ctx context.Context, timeout time.Duration) (*types.ColorFrame, *types.DepthFrame, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil, ErrClosed
	}
	if r.pos >= len(r.pairs) {
		if !r.loop {
			r.mu.Unlock()
			return nil, nil, fmt.Errorf("replay: all %d frame pairs played", len(r.pairs))
		}
		r.pos = 0
	}
	pair := r.pairs[r.pos]
	next := r.next
	r.mu.Unlock()

	if err := waitPace(ctx, next, timeout); err != nil {
		return nil, nil, err
	}

	color, depth, err := r.load(pair)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.pos++
	r.frameNum++
	r.next = now.Add(r.interval)
	color.Timestamp, depth.Timestamp = now, now
	color.FrameNum, depth.FrameNum = r.frameNum, r.frameNum
	return color, depth, nil
}

func (r *Replay) load(p replayPair) (*types.ColorFrame, *types.DepthFrame, error) {
	colorImg, err := decodeFile(p.color)
	if err != nil {
		return nil, nil, err
	}
	depthImg, err := decodeFile(p.depth)
	if err != nil {
		return nil, nil, err
	}
	if colorImg.Bounds().Size() != depthImg.Bounds().Size() {
		return nil, nil, fmt.Errorf("replay: %s: color %v and depth %v differ in size",
			p.stem, colorImg.Bounds().Size(), depthImg.Bounds().Size())
	}
	return types.ColorFrameFromImage(colorImg), types.DepthFrameFromImage(depthImg, r.depthScale), nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("replay: decode %s: %w", path, err)
	}
	return img, nil
}

func (r *Replay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
