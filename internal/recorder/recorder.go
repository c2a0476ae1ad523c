// Package recorder bridges a live browser frame stream into an external
// encoder subprocess. At most one Recording exists per session; the session
// layer enforces that and owns attach/detach ordering.
package recorder

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// ErrStopTimeout reports that the encoder did not exit within the stop
// bound. The recording is treated as stopped regardless; the file holds
// whatever the encoder managed to finalize.
var ErrStopTimeout = errors.New("encoder did not exit within stop timeout")

// FrameSource produces a live stream of encoded frames. Stop closes the
// frame channel once the stream has drained.
type FrameSource interface {
	StartFrameStream(fps int) (frames <-chan []byte, stop func(), err error)
}

// Encoder spawns an external encoding process that reads a framed video
// byte stream on its input and writes a finished file to path. The returned
// wait blocks until the process exits, bounded by its timeout argument.
type Encoder interface {
	Start(path string, fps int) (sink io.WriteCloser, wait func(timeout time.Duration) error, err error)
}

// Recording is one active frame-stream-to-encoder pipeline.
type Recording struct {
	FileName string
	Path     string
	FPS      int

	stopStream func()
	sink       io.WriteCloser
	wait       func(time.Duration) error
	done       chan struct{}
	logger     *zap.Logger
}

// Start opens the frame stream, spawns the encoder, and begins piping frames
// into it. On any failure nothing is left running: the stream is stopped and
// the encoder input closed.
func Start(src FrameSource, enc Encoder, path, fileName string, fps int, logger *zap.Logger) (*Recording, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	frames, stopStream, err := src.StartFrameStream(fps)
	if err != nil {
		return nil, fmt.Errorf("open frame stream: %w", err)
	}

	sink, wait, err := enc.Start(path, fps)
	if err != nil {
		stopStream()
		for range frames {
		}
		return nil, fmt.Errorf("start encoder: %w", err)
	}

	r := &Recording{
		FileName:   fileName,
		Path:       path,
		FPS:        fps,
		stopStream: stopStream,
		sink:       sink,
		wait:       wait,
		done:       make(chan struct{}),
		logger:     logger,
	}
	go r.pump(frames)
	return r, nil
}

// pump copies frames into the encoder input until the stream closes. A write
// error (encoder gone) stops the copy but keeps draining the stream so stop
// never blocks on a full channel.
func (r *Recording) pump(frames <-chan []byte) {
	defer close(r.done)
	for frame := range frames {
		if _, err := r.sink.Write(frame); err != nil {
			r.logger.Warn("encoder write failed, draining frame stream", zap.Error(err))
			for range frames {
			}
			return
		}
	}
}

// Stop ends the frame stream, closes the encoder input to signal
// end-of-stream, and waits for the encoder to finalize the file, bounded by
// timeout. After Stop returns the recording is finished either way.
func (r *Recording) Stop(timeout time.Duration) error {
	r.stopStream()
	<-r.done
	if err := r.sink.Close(); err != nil {
		r.logger.Warn("close encoder input", zap.Error(err))
	}
	if err := r.wait(timeout); err != nil {
		return fmt.Errorf("wait for encoder: %w", err)
	}
	return nil
}
