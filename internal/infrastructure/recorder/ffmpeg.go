// Package recorder spawns and supervises the ffmpeg process that turns
// plain RTP streams into a recording file on disk.
package recorder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
)

// Config locates the ffmpeg binary and the recording output directory.
type Config struct {
	FFmpegPath string
	OutputDir  string
	Host       string

	// TerminateGrace is how long Terminate waits after SIGTERM before
	// sending SIGKILL.
	TerminateGrace time.Duration
}

// FFmpegLauncher implements ports.Launcher with one ffmpeg child
// process per recording.
type FFmpegLauncher struct {
	cfg    Config
	logger *zap.SugaredLogger
}

func NewFFmpegLauncher(cfg Config, logger *zap.SugaredLogger) *FFmpegLauncher {
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = 3 * time.Second
	}
	return &FFmpegLauncher{cfg: cfg, logger: logger}
}

// Launch writes the SDP file, starts ffmpeg against it and supervises
// the process in the background. The context bounds setup only; the
// process outlives the request that started it.
func (l *FFmpegLauncher) Launch(_ context.Context, job ports.RecordingJob) (ports.Process, error) {
	if len(job.Endpoints) == 0 {
		return nil, fmt.Errorf("recording %s has no streams", job.RecordingID)
	}
	if err := os.MkdirAll(l.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	sdpPath := filepath.Join(l.cfg.OutputDir, job.RecordingID+".sdp")
	if err := os.WriteFile(sdpPath, []byte(buildSDP(job, l.cfg.Host)), 0o644); err != nil {
		return nil, fmt.Errorf("write sdp file: %w", err)
	}

	outputPath := filepath.Join(l.cfg.OutputDir, job.RecordingID+".webm")
	cmd := exec.Command(l.cfg.FFmpegPath, l.buildArgs(job, sdpPath, outputPath)...)

	if err := cmd.Start(); err != nil {
		os.Remove(sdpPath)
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	l.logger.Infow("ffmpeg started",
		"recording_id", job.RecordingID,
		"room", job.RoomName,
		"pid", cmd.Process.Pid,
		"output", outputPath,
	)

	process := &ffmpegProcess{
		id:      job.RecordingID,
		cmd:     cmd,
		sdpPath: sdpPath,
		grace:   l.cfg.TerminateGrace,
		done:    make(chan struct{}),
		logger:  l.logger,
	}
	go process.supervise()
	return process, nil
}

// buildArgs maps every SDP stream into the output container with codec
// copy, so recording adds no transcoding load.
func (l *FFmpegLauncher) buildArgs(job ports.RecordingJob, sdpPath, outputPath string) []string {
	args := []string{
		"-nostdin",
		"-loglevel", "warning",
		"-protocol_whitelist", "file,udp,rtp",
		"-fflags", "+genpts",
		"-f", "sdp",
		"-i", sdpPath,
	}
	if _, ok := job.Endpoints[domain.MediaKindVideo]; ok {
		args = append(args, "-map", "0:v:0", "-c:v", "copy")
	}
	if _, ok := job.Endpoints[domain.MediaKindAudio]; ok {
		args = append(args, "-map", "0:a:0", "-c:a", "copy")
	}
	args = append(args, "-flags", "+global_header", "-y", outputPath)
	return args
}

type ffmpegProcess struct {
	id      string
	cmd     *exec.Cmd
	sdpPath string
	grace   time.Duration
	logger  *zap.SugaredLogger

	done chan struct{}

	terminateOnce sync.Once
}

func (p *ffmpegProcess) ID() string {
	return p.id
}

// supervise reaps the child and removes the SDP file once it exits,
// whether the exit was requested or not.
func (p *ffmpegProcess) supervise() {
	err := p.cmd.Wait()
	close(p.done)
	os.Remove(p.sdpPath)

	if err != nil {
		p.logger.Infow("ffmpeg exited", "recording_id", p.id, "error", err)
		return
	}
	p.logger.Infow("ffmpeg exited cleanly", "recording_id", p.id)
}

// Terminate asks ffmpeg to finalize the file with SIGTERM, escalating
// to SIGKILL when it does not exit within the grace period.
func (p *ffmpegProcess) Terminate() error {
	var err error
	p.terminateOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		if sigErr := p.cmd.Process.Signal(syscall.SIGTERM); sigErr != nil {
			err = fmt.Errorf("signal ffmpeg: %w", sigErr)
			return
		}

		select {
		case <-p.done:
		case <-time.After(p.grace):
			p.logger.Warnw("ffmpeg did not stop in time, killing", "recording_id", p.id)
			if killErr := p.cmd.Process.Kill(); killErr != nil {
				err = fmt.Errorf("kill ffmpeg: %w", killErr)
				return
			}
			<-p.done
		}
	})
	return err
}
