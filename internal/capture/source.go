package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FrameSource produces decoded camera frames. Implementations own the device
// handle; Close must release it even mid-error so the camera light goes off.
type FrameSource interface {
	Open(ctx context.Context) error
	// Latest returns the most recently decoded frame, or false when no frame
	// is available yet (device opening, cold sensor, error).
	Latest() (image.Image, bool)
	Close() error
}

// firstFrameWait bounds how long Open waits for either a decoded frame or an
// early process exit before reporting success anyway (some sensors take
// seconds to deliver the first frame; that is not an open failure).
const firstFrameWait = 1500 * time.Millisecond

// V4L2Source reads raw RGBA frames from a camera via an ffmpeg child process.
type V4L2Source struct {
	device string
	width  int
	height int
	fps    int
	log    *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	frame   *image.RGBA
	opened  bool
	lastErr *Error
}

// NewV4L2Source creates a camera source for the given device path
// (e.g. /dev/video0).
func NewV4L2Source(device string, width, height, fps int, log *zap.Logger) *V4L2Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &V4L2Source{device: device, width: width, height: height, fps: fps, log: log}
}

// Open starts the capture process and waits briefly for the first frame so
// immediate failures (missing device, permission, busy) classify correctly.
func (s *V4L2Source) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if _, err := os.Stat(s.device); err != nil {
		capErr := classifyOpenFailure(s.device, err, "")
		s.setLastErr(capErr)
		return capErr
	}

	cmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
		"-framerate", fmt.Sprintf("%d", s.fps),
		"-video_size", fmt.Sprintf("%dx%d", s.width, s.height),
		"-i", s.device,
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start capture process: %w", err)
	}

	exited := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.done = exited
	s.opened = true
	s.lastErr = nil
	s.mu.Unlock()

	firstFrame := make(chan struct{})
	go s.readFrames(stdout, firstFrame)
	go func() {
		_ = cmd.Wait()
		s.mu.Lock()
		if s.opened && s.lastErr == nil {
			s.lastErr = classifyOpenFailure(s.device, nil, stderr.String())
		}
		s.opened = false
		s.frame = nil
		s.mu.Unlock()
		close(exited)
	}()

	select {
	case <-firstFrame:
		s.log.Info("camera opened", zap.String("device", s.device))
		return nil
	case <-exited:
		capErr := classifyOpenFailure(s.device, nil, stderr.String())
		s.setLastErr(capErr)
		return capErr
	case <-time.After(firstFrameWait):
		// Process alive but no frame yet; the draw loop shows the
		// placeholder until frames arrive.
		return nil
	case <-ctx.Done():
		_ = s.Close()
		return ctx.Err()
	}
}

func (s *V4L2Source) readFrames(r io.Reader, firstFrame chan struct{}) {
	frameSize := s.width * s.height * 4
	buf := make([]byte, frameSize)
	first := true
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}
		img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
		copy(img.Pix, buf)
		s.mu.Lock()
		s.frame = img
		s.mu.Unlock()
		if first {
			first = false
			close(firstFrame)
		}
	}
}

// Latest returns the most recent decoded frame.
func (s *V4L2Source) Latest() (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return nil, false
	}
	return s.frame, true
}

// LastError returns the most recent classified failure, if any.
func (s *V4L2Source) LastError() *Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Close stops the capture process and releases the device.
func (s *V4L2Source) Close() error {
	s.mu.Lock()
	cmd := s.cmd
	done := s.done
	s.cmd = nil
	s.done = nil
	s.opened = false
	s.frame = nil
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(os.Interrupt)
		if done != nil {
			select {
			case <-done:
			case <-time.After(3 * time.Second):
				_ = cmd.Process.Kill()
			}
		}
	}
	return nil
}

func (s *V4L2Source) setLastErr(e *Error) {
	s.mu.Lock()
	s.lastErr = e
	s.mu.Unlock()
}
