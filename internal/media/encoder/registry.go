package encoder

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/capsoftware/cap/packages/cli/internal/media/core"
	"github.com/capsoftware/cap/packages/cli/internal/util"
)

// AutoBackend lets the registry choose.
const AutoBackend = "auto"

// VideoFactory opens a video backend.
type VideoFactory func(cfg VideoConfig) (VideoBackend, error)

// AudioFactory opens an audio backend.
type AudioFactory func(cfg AudioConfig) (AudioBackend, error)

// BackendInfo describes a registered backend.
type BackendInfo struct {
	Name     string
	Codec    core.Codec
	Hardware bool
	// Priority orders candidates within the hardware and software groups,
	// higher first.
	Priority int
	// Explicit backends are only used when requested by name.
	Explicit bool
}

type backendKey struct {
	name  string
	codec core.Codec
}

func (b BackendInfo) key() backendKey { return backendKey{b.Name, b.Codec} }

type videoEntry struct {
	BackendInfo
	factory VideoFactory
}

type audioEntry struct {
	BackendInfo
	factory AudioFactory
}

var (
	registryMu sync.RWMutex
	videoReg   []videoEntry
	audioReg   []audioEntry
)

// RegisterVideo adds a video backend. Backends register from init.
func RegisterVideo(info BackendInfo, factory VideoFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	videoReg = append(videoReg, videoEntry{info, factory})
}

// RegisterAudio adds an audio backend.
func RegisterAudio(info BackendInfo, factory AudioFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	audioReg = append(audioReg, audioEntry{info, factory})
}

// Backends lists registered backends for codec in the order auto
// selection tries them when hardware is preferred.
func Backends(codec core.Codec) []BackendInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var out []BackendInfo
	for _, e := range videoReg {
		if e.Codec == codec {
			out = append(out, e.BackendInfo)
		}
	}
	for _, e := range audioReg {
		if e.Codec == codec {
			out = append(out, e.BackendInfo)
		}
	}
	sortCandidates(out, true)
	return out
}

func sortCandidates(c []BackendInfo, preferHardware bool) {
	sort.SliceStable(c, func(i, j int) bool {
		if preferHardware && c[i].Hardware != c[j].Hardware {
			return c[i].Hardware
		}
		return c[i].Priority > c[j].Priority
	})
}

// candidates filters and orders entries. A named backend is the only
// candidate; otherwise explicit-only backends are skipped.
func candidates(all []BackendInfo, codec core.Codec, name string, preferHardware bool) []BackendInfo {
	var out []BackendInfo
	for _, b := range all {
		if b.Codec != codec {
			continue
		}
		if name != "" && name != AutoBackend {
			if b.Name == name {
				out = append(out, b)
			}
			continue
		}
		if !b.Explicit {
			out = append(out, b)
		}
	}
	sortCandidates(out, preferHardware)
	return out
}

func noEncoder(component string, codec core.Codec, name string, errs error) error {
	err := errors.Wrapf(ErrNoSuitableEncoder, "%s (backend %q)", codec, name)
	if errs != nil {
		err = errors.Wrapf(ErrNoSuitableEncoder, "%s (backend %q) after %v", codec, name, errs)
	}
	return core.NewSetupError(core.KindMissingEncoder, component, err)
}

// OpenVideo opens the first backend that accepts cfg.
func OpenVideo(cfg VideoConfig) (VideoBackend, BackendInfo, error) {
	if err := cfg.validate(); err != nil {
		return nil, BackendInfo{}, core.NewSetupError(core.KindInvalidConfig, "video encoder", err)
	}
	registryMu.RLock()
	infos := make([]BackendInfo, len(videoReg))
	factories := make(map[backendKey]VideoFactory, len(videoReg))
	for i, e := range videoReg {
		infos[i] = e.BackendInfo
		factories[e.key()] = e.factory
	}
	registryMu.RUnlock()

	var errs error
	for _, b := range candidates(infos, cfg.Codec, cfg.Backend, cfg.PreferHardware) {
		backend, err := factories[b.key()](cfg)
		if err != nil {
			util.GetLogger().Debug("Video backend unavailable", "backend", b.Name, "error", err)
			errs = multierr.Append(errs, errors.Wrap(err, b.Name))
			continue
		}
		util.GetLogger().Debug("Video backend selected", "backend", b.Name, "hardware", b.Hardware)
		return backend, b, nil
	}
	return nil, BackendInfo{}, noEncoder("video encoder", cfg.Codec, cfg.Backend, errs)
}

// OpenAudio opens the first backend that accepts cfg.
func OpenAudio(cfg AudioConfig) (AudioBackend, BackendInfo, error) {
	if err := cfg.validate(); err != nil {
		return nil, BackendInfo{}, core.NewSetupError(core.KindInvalidConfig, "audio encoder", err)
	}
	registryMu.RLock()
	infos := make([]BackendInfo, len(audioReg))
	factories := make(map[backendKey]AudioFactory, len(audioReg))
	for i, e := range audioReg {
		infos[i] = e.BackendInfo
		factories[e.key()] = e.factory
	}
	registryMu.RUnlock()

	var errs error
	for _, b := range candidates(infos, cfg.Codec, cfg.Backend, false) {
		backend, err := factories[b.key()](cfg)
		if err != nil {
			util.GetLogger().Debug("Audio backend unavailable", "backend", b.Name, "error", err)
			errs = multierr.Append(errs, errors.Wrap(err, b.Name))
			continue
		}
		util.GetLogger().Debug("Audio backend selected", "backend", b.Name)
		return backend, b, nil
	}
	return nil, BackendInfo{}, noEncoder("audio encoder", cfg.Codec, cfg.Backend, errs)
}
