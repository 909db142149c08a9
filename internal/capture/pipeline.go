// Package capture acquires a camera device, renders its frames onto a
// fixed-size surface at a bounded frame rate, and exposes the surface as a
// continuously live WebRTC video track. When no camera frame is decodable it
// renders an animated placeholder so the output is never blank.
package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// State is the pipeline's observable condition. The controller reads
// DeviceReady and LastError to decide whether ingest can start.
type State struct {
	DeviceReady bool
	LastError   string
	FramesDrawn bool
}

// Pipeline owns the camera handle and the draw loop.
type Pipeline struct {
	source  FrameSource
	encoder Encoder
	size    int
	fps     int
	log     *zap.Logger
	track   *webrtc.TrackLocalStaticSample

	mu        sync.Mutex
	surface   *image.RGBA
	scratch   *image.RGBA
	state     State
	acquiring bool
	acquired  bool
	running   bool
	stopLoop  context.CancelFunc
	lastDraw  time.Time
	startedAt time.Time
}

// NewPipeline creates a capture pipeline drawing onto a size x size surface
// at the given frame rate.
func NewPipeline(source FrameSource, encoder Encoder, size, fps int, log *zap.Logger) (*Pipeline, error) {
	if log == nil {
		log = zap.NewNop()
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"dreamcast-video", "dreamcast",
	)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		source:  source,
		encoder: encoder,
		size:    size,
		fps:     fps,
		log:     log,
		track:   track,
		surface: image.NewRGBA(image.Rect(0, 0, size, size)),
		scratch: image.NewRGBA(image.Rect(0, 0, size, size)),
	}, nil
}

// Acquire requests camera access and starts the draw loop. Calling it while
// an acquire is already in progress, or after success, is a no-op.
func (p *Pipeline) Acquire(ctx context.Context) error {
	p.mu.Lock()
	if p.acquiring || p.acquired {
		p.mu.Unlock()
		return nil
	}
	p.acquiring = true
	p.mu.Unlock()

	p.startLoop()

	err := p.source.Open(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquiring = false
	if err != nil {
		var capErr *Error
		if errors.As(err, &capErr) {
			p.state.LastError = capErr.Message()
		} else {
			p.state.LastError = err.Error()
		}
		p.log.Warn("camera acquire failed", zap.Error(err))
		return err
	}
	p.acquired = true
	p.state.LastError = ""
	return nil
}

// Track returns the live output track. The draw loop keeps it fed whether or
// not a camera is available.
func (p *Pipeline) Track() *webrtc.TrackLocalStaticSample {
	p.startLoop()
	return p.track
}

// Snapshot returns the current capture state.
func (p *Pipeline) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Release stops the draw loop, closes the camera device and clears the
// surface. Always called on stop, even mid-error, so the camera light never
// stays on. Safe to call repeatedly.
func (p *Pipeline) Release() {
	p.mu.Lock()
	stop := p.stopLoop
	p.stopLoop = nil
	p.running = false
	p.acquired = false
	p.acquiring = false
	p.state = State{}
	clearSurface(p.surface)
	p.mu.Unlock()

	if stop != nil {
		stop()
	}
	if err := p.source.Close(); err != nil {
		p.log.Warn("camera close", zap.Error(err))
	}
	if err := p.encoder.Close(); err != nil {
		p.log.Warn("encoder close", zap.Error(err))
	}
}

func (p *Pipeline) startLoop() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.stopLoop = cancel
	p.startedAt = time.Now()
	p.mu.Unlock()

	if err := p.encoder.Start(ctx); err != nil {
		p.log.Error("encoder start failed", zap.Error(err))
	}
	go p.drawLoop(ctx)
	go p.forwardSamples(ctx)
}

func (p *Pipeline) drawLoop(ctx context.Context) {
	interval := time.Second / time.Duration(p.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.renderFrame(now)
		}
	}
}

// renderFrame draws one frame onto the surface and hands it to the encoder.
// Redraws arriving faster than the frame interval are skipped.
func (p *Pipeline) renderFrame(now time.Time) {
	interval := time.Second / time.Duration(p.fps)
	p.mu.Lock()
	if !p.lastDraw.IsZero() && now.Sub(p.lastDraw) < interval*4/5 {
		p.mu.Unlock()
		return
	}
	p.lastDraw = now

	if img, ok := p.source.Latest(); ok {
		drawCover(p.surface, img, true)
		p.state.DeviceReady = true
		p.state.FramesDrawn = true
	} else {
		p.state.DeviceReady = false
		phase := now.Sub(p.startedAt).Seconds()
		drawPlaceholder(p.surface, phase)
		caption := p.state.LastError
		if caption == "" {
			caption = "waiting for camera"
		}
		drawCaption(p.surface, caption)
	}
	// The encoder works on a detached copy: Release may clear the surface
	// while the previous frame is still being written out.
	copy(p.scratch.Pix, p.surface.Pix)
	frame := p.scratch
	p.mu.Unlock()

	if err := p.encoder.Encode(frame); err != nil {
		p.log.Debug("encode frame", zap.Error(err))
	}
}

func (p *Pipeline) forwardSamples(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-p.encoder.Samples():
			if !ok {
				return
			}
			if err := p.track.WriteSample(sample); err != nil {
				p.log.Debug("write sample", zap.Error(err))
			}
		}
	}
}
