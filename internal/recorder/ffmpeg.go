package recorder

import (
	"fmt"
	"io"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// FFmpeg runs the ffmpeg binary as the external encoder. Screencast frames
// arrive as concatenated JPEGs, which ffmpeg reads through the image2pipe
// demuxer and transcodes to H.264 mp4. When stdin closes, ffmpeg finalizes
// the container and exits.
type FFmpeg struct {
	Bin    string
	Logger *zap.Logger
}

// NewFFmpeg returns an FFmpeg encoder using the given binary path.
func NewFFmpeg(bin string, logger *zap.Logger) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpeg{Bin: bin, Logger: logger}
}

func ffmpegArgs(path string, fps int) []string {
	return []string{
		"-y",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-framerate", fmt.Sprintf("%d", fps),
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-r", fmt.Sprintf("%d", fps),
		"-movflags", "+faststart",
		path,
	}
}

// Start spawns ffmpeg writing to path. The returned wait resolves when the
// process exits; if the bound elapses first it returns ErrStopTimeout and
// the process is killed so a vanished or wedged encoder cannot hang stop.
func (f *FFmpeg) Start(path string, fps int) (io.WriteCloser, func(time.Duration) error, error) {
	cmd := exec.Command(f.Bin, ffmpegArgs(path, fps)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("encoder stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("spawn %s: %w", f.Bin, err)
	}
	f.Logger.Debug("encoder started",
		zap.String("bin", f.Bin),
		zap.String("out", path),
		zap.Int("pid", cmd.Process.Pid))

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	wait := func(timeout time.Duration) error {
		select {
		case err := <-exited:
			if err != nil {
				return fmt.Errorf("encoder exit: %w", err)
			}
			return nil
		case <-time.After(timeout):
			_ = cmd.Process.Kill()
			<-exited
			return ErrStopTimeout
		}
	}
	return stdin, wait, nil
}
