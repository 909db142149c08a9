package capture

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"go.uber.org/zap"
)

// Encoder turns raw surface frames into WebRTC media samples.
type Encoder interface {
	Start(ctx context.Context) error
	Encode(frame *image.RGBA) error
	Samples() <-chan media.Sample
	Close() error
}

// VP8Encoder pipes raw RGBA frames through an ffmpeg child process producing
// VP8 in an IVF container, parsed back into samples with pion's ivfreader.
type VP8Encoder struct {
	width   int
	height  int
	fps     int
	bitrate string
	log     *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	samples chan media.Sample
	started bool
	closed  bool
}

// NewVP8Encoder creates a realtime VP8 encoder for frames of the given size.
func NewVP8Encoder(width, height, fps int, log *zap.Logger) *VP8Encoder {
	if log == nil {
		log = zap.NewNop()
	}
	return &VP8Encoder{
		width:   width,
		height:  height,
		fps:     fps,
		bitrate: "1500k",
		log:     log,
		samples: make(chan media.Sample, 8),
	}
}

// Start launches the encoder process and the IVF demux loop.
func (e *VP8Encoder) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	cmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", e.width, e.height),
		"-r", fmt.Sprintf("%d", e.fps),
		"-i", "pipe:0",
		"-an",
		"-c:v", "libvpx",
		"-deadline", "realtime",
		"-cpu-used", "8",
		"-b:v", e.bitrate,
		"-f", "ivf",
		"pipe:1",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("encoder stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("encoder stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start encoder process: %w", err)
	}
	e.cmd = cmd
	e.stdin = stdin
	e.started = true
	e.closed = false

	go e.demux(stdout)
	return nil
}

func (e *VP8Encoder) demux(r io.Reader) {
	ivf, _, err := ivfreader.NewWith(r)
	if err != nil {
		e.log.Warn("ivf header read failed", zap.Error(err))
		return
	}
	frameDur := time.Second / time.Duration(e.fps)
	for {
		frame, _, err := ivf.ParseNextFrame()
		if err != nil {
			return
		}
		e.mu.Lock()
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return
		}
		select {
		case e.samples <- media.Sample{Data: frame, Duration: frameDur}:
		default:
			// consumer behind; drop rather than stall the encoder
		}
	}
}

// Encode pushes one raw RGBA frame to the encoder. The frame must match the
// configured size and have a contiguous Pix buffer.
func (e *VP8Encoder) Encode(frame *image.RGBA) error {
	e.mu.Lock()
	stdin := e.stdin
	e.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("encoder not started")
	}
	want := e.width * e.height * 4
	if len(frame.Pix) != want {
		return fmt.Errorf("frame size mismatch: got %d bytes, want %d", len(frame.Pix), want)
	}
	if _, err := stdin.Write(frame.Pix); err != nil {
		return fmt.Errorf("encoder write: %w", err)
	}
	return nil
}

// Samples returns the encoded sample stream.
func (e *VP8Encoder) Samples() <-chan media.Sample { return e.samples }

// Close shuts down the encoder process. Safe to call more than once.
func (e *VP8Encoder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.started = false
	stdin := e.stdin
	cmd := e.cmd
	e.stdin = nil
	e.cmd = nil
	e.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		done := make(chan struct{})
		go func() { _ = cmd.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			_ = cmd.Process.Signal(os.Kill)
		}
	}
	return nil
}
