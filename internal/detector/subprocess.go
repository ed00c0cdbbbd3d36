package detector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-server/pkg/types"
)

// maxMessageSize bounds a single sidecar message
const maxMessageSize = 16 << 20

// ErrSidecarExited is returned once the detector process has gone away.
var ErrSidecarExited = errors.New("detector sidecar exited")

// SubprocessOptions configures the sidecar detector
type SubprocessOptions struct {
	Command        string
	Args           []string
	ModelDir       string
	ModelFiles     []string
	Confidence     float64
	JPEGQuality    int
	RequestTimeout time.Duration
}

type inferenceRequest struct {
	FrameID    uint64  `msgpack:"frame_id"`
	Width      int     `msgpack:"width"`
	Height     int     `msgpack:"height"`
	Format     string  `msgpack:"format"`
	Data       []byte  `msgpack:"data"`
	Confidence float64 `msgpack:"confidence"`
}

type sidecarDetection struct {
	ClassID    int     `msgpack:"class_id"`
	Label      string  `msgpack:"label"`
	Confidence float64 `msgpack:"confidence"`
	BBox       [4]int  `msgpack:"bbox"`
}

type inferenceResponse struct {
	FrameID     uint64             `msgpack:"frame_id"`
	Detections  []sidecarDetection `msgpack:"detections"`
	InferenceMs float64            `msgpack:"inference_ms"`
	Error       string             `msgpack:"error"`
}

// Subprocess runs inference in a child process. Frames are sent as JPEG
// inside msgpack messages framed with a 4-byte big-endian length prefix on
// stdin; results come back the same way on stdout. One request is in flight
// at a time.
type Subprocess struct {
	opts   SubprocessOptions
	filter func([]types.RawDetection) []types.RawDetection

	mu      sync.Mutex
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	cmd     *exec.Cmd
	frameID uint64
	broken  error

	exited chan struct{}
}

// NewSubprocess verifies the model artifacts and starts the sidecar process.
func NewSubprocess(opts SubprocessOptions) (*Subprocess, error) {
	for _, f := range opts.ModelFiles {
		path := filepath.Join(opts.ModelDir, f)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: %s not found in %s", ErrModelMissing, f, opts.ModelDir)
		}
	}
	if opts.Command == "" {
		return nil, errors.New("detector command not configured")
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = append(os.Environ(), "DETECTOR_MODEL_DIR="+opts.ModelDir)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start detector %s: %w", opts.Command, err)
	}
	logger.Info("Detector", "Started sidecar %s (pid %d)", opts.Command, cmd.Process.Pid)

	s := newSubprocess(opts, stdin, stdout)
	s.cmd = cmd
	go s.logStderr(stderr)
	go func() {
		err := cmd.Wait()
		logger.Warn("Detector", "Sidecar exited: %v", err)
		close(s.exited)
	}()
	return s, nil
}

func newSubprocess(opts SubprocessOptions, stdin io.WriteCloser, stdout io.Reader) *Subprocess {
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 85
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	return &Subprocess{
		opts:   opts,
		filter: ScoreFilter(opts.Confidence),
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		exited: make(chan struct{}),
	}
}

func (s *Subprocess) Detect(ctx context.Context, frame *types.ColorFrame) ([]types.RawDetection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken != nil {
		return nil, s.broken
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image(), &jpeg.Options{Quality: s.opts.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	s.frameID++
	req := inferenceRequest{
		FrameID:    s.frameID,
		Width:      frame.Width,
		Height:     frame.Height,
		Format:     "jpeg",
		Data:       buf.Bytes(),
		Confidence: s.opts.Confidence,
	}

	type result struct {
		resp inferenceResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		if r.err = writeMessage(s.stdin, &req); r.err == nil {
			r.err = readMessage(s.stdout, &r.resp)
		}
		done <- r
	}()

	timer := time.NewTimer(s.opts.RequestTimeout)
	defer timer.Stop()

	var r result
	select {
	case r = <-done:
	case <-timer.C:
		s.broken = fmt.Errorf("detector did not answer frame %d within %v", req.FrameID, s.opts.RequestTimeout)
		s.kill()
		return nil, s.broken
	case <-ctx.Done():
		// Finish the exchange so the stream stays aligned for the next request.
		select {
		case <-done:
			return nil, ctx.Err()
		case <-timer.C:
			s.broken = fmt.Errorf("detector request abandoned: %w", ctx.Err())
			s.kill()
			return nil, s.broken
		}
	case <-s.exited:
		s.broken = ErrSidecarExited
		return nil, s.broken
	}

	if r.err != nil {
		s.broken = fmt.Errorf("detector exchange: %w", r.err)
		return nil, s.broken
	}
	if r.resp.Error != "" {
		return nil, fmt.Errorf("detector: %s", r.resp.Error)
	}
	if r.resp.FrameID != req.FrameID {
		s.broken = fmt.Errorf("detector answered frame %d, expected %d", r.resp.FrameID, req.FrameID)
		return nil, s.broken
	}

	out := make([]types.RawDetection, 0, len(r.resp.Detections))
	for _, d := range r.resp.Detections {
		label := labelFor(d.ClassID, d.Label)
		if label == "" || label == Labels[0] {
			continue
		}
		out = append(out, types.RawDetection{
			Class:      label,
			Confidence: d.Confidence,
			BBox:       clip(types.BoundingBox{StartX: d.BBox[0], StartY: d.BBox[1], EndX: d.BBox[2], EndY: d.BBox[3]}, frame.Width, frame.Height),
		})
	}
	return s.filter(out), nil
}

func (s *Subprocess) DepthAt(depth *types.DepthFrame, x, y int) float64 {
	return CenterDepth(depth, x, y)
}

func (s *Subprocess) kill() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.stdin.Close()
}

// Close closes stdin and waits briefly for the sidecar to exit before killing it.
func (s *Subprocess) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken == nil {
		s.broken = ErrSidecarExited
	}
	err := s.stdin.Close()
	if s.cmd == nil {
		return err
	}
	select {
	case <-s.exited:
	case <-time.After(3 * time.Second):
		logger.Warn("Detector", "Sidecar did not exit, killing")
		_ = s.cmd.Process.Kill()
		<-s.exited
	}
	return nil
}

func (s *Subprocess) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug("Sidecar", "%s", scanner.Text())
	}
}

func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}
