// Package source defines capture backends and the pipeline tasks that run
// them. Backends register themselves per kind from init functions, usually
// behind platform build constraints, and are picked by name at setup.
package source

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
)

// Kind is a capture modality.
type Kind string

const (
	KindDisplay    Kind = "display"
	KindCamera     Kind = "camera"
	KindMicrophone Kind = "microphone"
)

// ErrNoData is returned by Next when nothing arrived within the backend's
// poll interval. Callers check for shutdown and call Next again.
var ErrNoData = errors.New("no capture data yet")

// Config configures a capturer. Zero values pick backend defaults.
type Config struct {
	// Device is a backend specific identifier, such as a display index.
	Device      string
	Width       int
	Height      int
	FrameRate   core.Rational
	PixelFormat core.PixelFormat
	SampleRate  int
	Channels    int
	// Limit stops a finite source after this many frames or buffers.
	Limit int
	// RealTime paces synthetic sources against the wall clock.
	RealTime bool
}

// FrameInterval returns the capture period for the configured frame rate.
func (c Config) FrameInterval() time.Duration {
	if !c.FrameRate.Valid() {
		return time.Second / 30
	}
	return time.Duration(int64(time.Second) * c.FrameRate.Den / c.FrameRate.Num)
}

// VideoFormat describes frames a video capturer produces.
type VideoFormat struct {
	Width       int
	Height      int
	PixelFormat core.PixelFormat
	FrameRate   core.Rational
}

// AudioFormat describes buffers an audio capturer produces.
type AudioFormat struct {
	SampleFormat core.SampleFormat
	Planar       bool
	Channels     int
	SampleRate   int
}

// VideoCapturer produces frames. Next blocks for at most about one frame
// interval and returns ErrNoData when nothing arrived, io.EOF when the
// source is exhausted.
type VideoCapturer interface {
	Format() VideoFormat
	Next(ctx context.Context) (*core.VideoFrame, error)
	Close() error
}

// AudioCapturer produces sample buffers with the same Next contract as
// VideoCapturer.
type AudioCapturer interface {
	Format() AudioFormat
	Next(ctx context.Context) (*core.AudioBuffer, error)
	Close() error
}

// VideoFactory sets up a video capturer. Failures should be core.SetupError.
type VideoFactory func(ctx context.Context, cfg Config) (VideoCapturer, error)

// AudioFactory sets up an audio capturer.
type AudioFactory func(ctx context.Context, cfg Config) (AudioCapturer, error)

// Device is one enumerable capture device.
type Device struct {
	Kind    Kind
	Backend string
	ID      string
	Name    string
	Default bool
	// Detail is a human readable summary such as a resolution.
	Detail string
}

// Lister enumerates the devices a backend can open.
type Lister func(ctx context.Context) ([]Device, error)

type backend struct {
	name     string
	priority int
	video    VideoFactory
	audio    AudioFactory
	lister   Lister
}

var (
	registryMu sync.RWMutex
	registry   = map[Kind][]*backend{}
)

// Registration describes one backend for one kind.
type Registration struct {
	Kind     Kind
	Name     string
	Priority int
	Video    VideoFactory
	Audio    AudioFactory
	Lister   Lister
}

// Register adds a backend. Exactly one of Video and Audio must be set, and
// it must match the kind. It panics on duplicates.
func Register(r Registration) {
	if (r.Video == nil) == (r.Audio == nil) {
		panic("source: backend needs exactly one factory: " + r.Name)
	}
	if (r.Kind == KindMicrophone) != (r.Audio != nil) {
		panic("source: factory does not match kind for " + r.Name)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, b := range registry[r.Kind] {
		if b.name == r.Name {
			panic("source: backend registered twice: " + string(r.Kind) + "/" + r.Name)
		}
	}
	list := append(registry[r.Kind], &backend{
		name: r.Name, priority: r.Priority, video: r.Video, audio: r.Audio, lister: r.Lister,
	})
	sort.SliceStable(list, func(i, j int) bool { return list[i].priority > list[j].priority })
	registry[r.Kind] = list
}

// Backends returns the registered backend names for kind, best first.
func Backends(kind Kind) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var names []string
	for _, b := range registry[kind] {
		names = append(names, b.name)
	}
	return names
}

func lookup(kind Kind, name string) (*backend, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	list := registry[kind]
	if len(list) == 0 {
		return nil, core.NewSetupError(core.KindUnsupportedPlatform, string(kind),
			errors.Errorf("no %s capture backend on this platform", kind))
	}
	if name == "" {
		return list[0], nil
	}
	for _, b := range list {
		if b.name == name {
			return b, nil
		}
	}
	return nil, core.NewSetupError(core.KindUnsupportedPlatform, string(kind),
		errors.Errorf("%s backend %q is not available", kind, name))
}

// OpenVideo sets up a video capturer of kind with the named backend, or the
// best registered one if name is empty.
func OpenVideo(ctx context.Context, kind Kind, name string, cfg Config) (VideoCapturer, error) {
	b, err := lookup(kind, name)
	if err != nil {
		return nil, err
	}
	if b.video == nil {
		return nil, errors.Errorf("%s backend %s does not capture video", kind, b.name)
	}
	return b.video(ctx, cfg)
}

// OpenAudio sets up an audio capturer.
func OpenAudio(ctx context.Context, kind Kind, name string, cfg Config) (AudioCapturer, error) {
	b, err := lookup(kind, name)
	if err != nil {
		return nil, err
	}
	if b.audio == nil {
		return nil, errors.Errorf("%s backend %s does not capture audio", kind, b.name)
	}
	return b.audio(ctx, cfg)
}

// ListDevices enumerates devices of kind across every backend that can list
// them. Backend errors are skipped so one broken backend does not hide the
// others; the first error is returned if nothing was found.
func ListDevices(ctx context.Context, kind Kind) ([]Device, error) {
	registryMu.RLock()
	list := append([]*backend{}, registry[kind]...)
	registryMu.RUnlock()

	var (
		out      []Device
		firstErr error
	)
	for _, b := range list {
		if b.lister == nil {
			continue
		}
		devices, err := b.lister(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "list %s devices via %s", kind, b.name)
			}
			continue
		}
		for i := range devices {
			devices[i].Kind = kind
			devices[i].Backend = b.name
		}
		out = append(out, devices...)
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
