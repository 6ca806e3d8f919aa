// Package camera captures webcams through an ffmpeg child process that
// writes raw I420 frames to a pipe. A single actor goroutine owns the
// process; Next asks it for the newest frame and Close tells it to stop.
package camera

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/media/source"
	procgroup "github.com/capsoftware/cap/packages/cli/internal/proc_group"
	"github.com/capsoftware/cap/packages/cli/internal/util"
)

// Name is the backend name.
const Name = "ffmpeg"

const (
	defaultWidth  = 1280
	defaultHeight = 720
	startTimeout  = 5 * time.Second
	stopTimeout   = 2 * time.Second
	stderrLimit   = 4096
)

func init() {
	source.Register(source.Registration{
		Kind:     source.KindCamera,
		Name:     Name,
		Priority: 10,
		Video: func(ctx context.Context, cfg source.Config) (source.VideoCapturer, error) {
			return Open(ctx, cfg)
		},
		Lister: List,
	})
}

// List enumerates video4linux nodes on Linux. Other platforms report the
// default camera only, since ffmpeg has no machine-readable device list.
func List(context.Context) ([]source.Device, error) {
	if runtime.GOOS != "linux" {
		return []source.Device{{ID: "0", Name: "Default camera", Default: true}}, nil
	}
	nodes, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}
	sort.Strings(nodes)
	devices := make([]source.Device, 0, len(nodes))
	for i, node := range nodes {
		name := node
		if b, err := os.ReadFile(filepath.Join("/sys/class/video4linux", filepath.Base(node), "name")); err == nil {
			name = strings.TrimSpace(string(b))
		}
		devices = append(devices, source.Device{ID: node, Name: name, Default: i == 0, Detail: node})
	}
	return devices, nil
}

// inputArgs returns the ffmpeg demuxer arguments for device on this platform.
func inputArgs(goos, device string, cfg source.Config) ([]string, error) {
	size := fmt.Sprintf("%dx%d", cfg.Width, cfg.Height)
	rate := fmt.Sprintf("%d/%d", cfg.FrameRate.Num, cfg.FrameRate.Den)
	switch goos {
	case "linux":
		if device == "" {
			device = "/dev/video0"
		} else if _, err := strconv.Atoi(device); err == nil {
			device = "/dev/video" + device
		}
		if _, err := os.Stat(device); err != nil {
			return nil, core.NewSetupError(core.KindDeviceNotFound, "camera", errors.Wrap(err, device))
		}
		return []string{"-f", "v4l2", "-framerate", rate, "-video_size", size, "-i", device}, nil
	case "darwin":
		if device == "" {
			device = "0"
		}
		return []string{"-f", "avfoundation", "-framerate", rate, "-video_size", size, "-i", device + ":none"}, nil
	case "windows":
		if device == "" {
			return nil, core.NewSetupError(core.KindInvalidConfig, "camera",
				errors.New("dshow needs a device name"))
		}
		return []string{"-f", "dshow", "-framerate", rate, "-video_size", size, "-i", "video=" + device}, nil
	default:
		return nil, core.NewSetupError(core.KindUnsupportedPlatform, "camera",
			errors.Errorf("no camera input for %s", goos))
	}
}

// command describes how to start the frame producer.
type command struct {
	path string
	args []string
}

func ffmpegCommand(cfg source.Config) (command, error) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return command{}, core.NewSetupError(core.KindUnsupportedPlatform, "camera",
			errors.Wrap(err, "camera capture needs ffmpeg on PATH"))
	}
	in, err := inputArgs(runtime.GOOS, cfg.Device, cfg)
	if err != nil {
		return command{}, err
	}
	args := append([]string{"-hide_banner", "-loglevel", "error", "-nostdin"}, in...)
	args = append(args, "-pix_fmt", "yuv420p", "-f", "rawvideo", "pipe:1")
	return command{path: path, args: args}, nil
}

type response struct {
	frame *core.VideoFrame
	err   error
}

// Capturer is the handle to a running camera actor.
type Capturer struct {
	format  source.VideoFormat
	wait    time.Duration
	limit   int
	count   int
	ask     chan chan response
	tell    chan chan struct{}
	dead    chan struct{}
	pending chan response
	once    sync.Once
}

// Open starts ffmpeg for cfg.Device and waits for the first frame, so a
// device that cannot be opened fails setup.
func Open(ctx context.Context, cfg source.Config) (*Capturer, error) {
	cfg = withDefaults(cfg)
	cmd, err := ffmpegCommand(cfg)
	if err != nil {
		return nil, err
	}
	return start(ctx, cmd, cfg, clock.RealClock{})
}

func withDefaults(cfg source.Config) source.Config {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = defaultWidth, defaultHeight
	}
	if !cfg.FrameRate.Valid() {
		cfg.FrameRate = core.NewRational(30, 1)
	}
	return cfg
}

func start(ctx context.Context, prog command, cfg source.Config, clk clock.PassiveClock) (*Capturer, error) {
	proc := exec.Command(prog.path, prog.args...)
	procgroup.SetProcGrp(proc)
	stderr := &tailBuffer{limit: stderrLimit}
	proc.Stderr = stderr
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "camera pipe")
	}
	if err := proc.Start(); err != nil {
		return nil, core.NewSetupError(core.KindUnsupportedPlatform, "camera", errors.Wrap(err, "start ffmpeg"))
	}

	c := &Capturer{
		format: source.VideoFormat{
			Width:       cfg.Width,
			Height:      cfg.Height,
			PixelFormat: core.PixelFormatI420,
			FrameRate:   cfg.FrameRate,
		},
		wait:  2 * cfg.FrameInterval(),
		limit: cfg.Limit,
		ask:   make(chan chan response),
		tell:  make(chan chan struct{}),
		dead:  make(chan struct{}),
	}
	a := &actor{
		proc:   proc,
		frames: make(chan *core.VideoFrame, 1),
		logger: util.GetLogger().With("component", "camera", "device", cfg.Device),
	}
	go a.read(stdout, c.format, clk)
	go a.run(c.ask, c.tell, c.dead)

	first := make(chan response, 1)
	c.ask <- first
	timer := time.NewTimer(startTimeout)
	defer timer.Stop()
	select {
	case r := <-first:
		if r.err == nil {
			// Keep the probe frame for the first Next.
			c.pending = make(chan response, 1)
			c.pending <- r
			return c, nil
		}
		c.Close()
		return nil, classify(r.err, stderr.String())
	case <-timer.C:
		err = errors.Errorf("no frame within %s", startTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.Close()
	return nil, core.NewSetupError(core.KindDeviceNotFound, "camera", err)
}

// classify maps an early ffmpeg exit to a setup error kind using its stderr.
func classify(err error, stderr string) error {
	msg := strings.ToLower(stderr)
	if stderr != "" {
		err = errors.Wrap(err, strings.TrimSpace(stderr))
	}
	if strings.Contains(msg, "permission denied") || strings.Contains(msg, "not authorized") {
		return core.NewSetupError(core.KindPermissionDenied, "camera", err)
	}
	return core.NewSetupError(core.KindDeviceNotFound, "camera", err)
}

func (c *Capturer) Format() source.VideoFormat { return c.format }

// Next returns the newest frame. A request that times out stays queued and
// is collected by the following call.
func (c *Capturer) Next(ctx context.Context) (*core.VideoFrame, error) {
	if c.limit > 0 && c.count >= c.limit {
		return nil, io.EOF
	}
	if c.pending == nil {
		reply := make(chan response, 1)
		select {
		case c.ask <- reply:
			c.pending = reply
		case <-c.dead:
			return nil, io.EOF
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	timer := time.NewTimer(c.wait)
	defer timer.Stop()
	select {
	case r := <-c.pending:
		c.pending = nil
		if r.err != nil {
			return nil, r.err
		}
		c.count++
		return r.frame, nil
	case <-timer.C:
		return nil, source.ErrNoData
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops ffmpeg and waits for the actor to exit.
func (c *Capturer) Close() error {
	c.once.Do(func() {
		done := make(chan struct{})
		select {
		case c.tell <- done:
			<-done
		case <-c.dead:
		}
	})
	return nil
}

// actor owns the child process and the newest undelivered frame.
type actor struct {
	proc    *exec.Cmd
	frames  chan *core.VideoFrame
	readErr error
	logger  *slog.Logger
}

// read turns the raw pipe into frames until it ends.
func (a *actor) read(r io.Reader, f source.VideoFormat, clk clock.PassiveClock) {
	defer close(a.frames)
	for {
		// rawvideo planes are tightly packed, matching NewVideoFrame.
		frame := core.NewVideoFrame(f.PixelFormat, f.Width, f.Height)
		for i, plane := range frame.Data {
			if _, err := io.ReadFull(r, plane); err != nil {
				if err != io.EOF || i > 0 {
					a.readErr = err
				}
				return
			}
		}
		frame.Timestamp = core.WallClockTimestamp(clk.Now())
		a.frames <- frame
	}
}

func (a *actor) run(ask <-chan chan response, tell <-chan chan struct{}, dead chan struct{}) {
	defer close(dead)
	var (
		latest  *core.VideoFrame
		waiting []chan response
		ended   error
		dropped int
		frames  = a.frames
	)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				frames = nil
				ended = a.exitError()
				break
			}
			if latest != nil {
				dropped++
			}
			latest = f
		case reply := <-ask:
			waiting = append(waiting, reply)
		case done := <-tell:
			a.stop()
			if dropped > 0 {
				a.logger.Debug("Camera frames superseded before delivery", "count", dropped)
			}
			close(done)
			return
		}

		for len(waiting) > 0 && (latest != nil || ended != nil) {
			if latest != nil {
				waiting[0] <- response{frame: latest}
				latest = nil
			} else {
				waiting[0] <- response{err: ended}
			}
			waiting = waiting[1:]
		}
	}
}

// exitError waits for the process after its output ended.
func (a *actor) exitError() error {
	err := a.proc.Wait()
	if a.readErr != nil {
		return errors.Wrap(a.readErr, "read camera frames")
	}
	if err != nil {
		return errors.Wrap(err, "ffmpeg exited")
	}
	return io.EOF
}

func (a *actor) stop() {
	if a.proc.ProcessState != nil {
		return
	}
	if err := procgroup.Terminate(a.proc); err != nil {
		a.logger.Warn("Failed to signal ffmpeg", "error", err)
	}
	exited := make(chan struct{})
	go func() {
		// Unblock the reader if ffmpeg is mid-write.
		for range a.frames {
		}
		_ = a.proc.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(stopTimeout):
		_ = procgroup.Kill(a.proc)
		<-exited
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
