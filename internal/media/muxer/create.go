package muxer

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrUnknownFormat is returned for a format nobody registered.
var ErrUnknownFormat = errors.New("unknown container format")

// Format describes a registered container. Exactly one of New and Open is set:
// New builds a container over a writer the muxer owns, Open is for
// containers that manage their own output file.
type Format struct {
	Name       string
	Extensions []string
	// Explicit formats are never chosen from a file extension.
	Explicit bool
	New      func(w io.Writer, o Options) (Container, error)
	Open     func(path string, o Options) (Container, error)
}

// Options is the container-facing view of the muxer options.
type Options struct {
	FragmentDuration time.Duration
	Logger           *slog.Logger
}

var (
	formatsMu sync.RWMutex
	formats   = map[string]Format{}
)

// Register adds a container format. It panics on duplicates.
func Register(f Format) {
	formatsMu.Lock()
	defer formatsMu.Unlock()
	if _, dup := formats[f.Name]; dup {
		panic("muxer: format registered twice: " + f.Name)
	}
	if (f.New == nil) == (f.Open == nil) {
		panic("muxer: format needs exactly one of New and Open: " + f.Name)
	}
	formats[f.Name] = f
}

// Formats lists registered format names.
func Formats() []string {
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	names := make([]string, 0, len(formats))
	for name := range formats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (Format, bool) {
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	f, ok := formats[name]
	return f, ok
}

// FormatForPath picks a non-explicit format from the file extension.
func FormatForPath(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	for _, f := range formats {
		if f.Explicit {
			continue
		}
		for _, e := range f.Extensions {
			if e == ext {
				return f.Name, nil
			}
		}
	}
	return "", errors.Wrapf(ErrUnknownFormat, "no format for extension %q", ext)
}

// NewWriter builds a muxer for format over w. The caller keeps ownership of w.
func NewWriter(w io.Writer, format string, opts ...Option) (*Muxer, error) {
	f, ok := lookup(format)
	if !ok {
		return nil, errors.Wrap(ErrUnknownFormat, format)
	}
	if f.New == nil {
		return nil, errors.Errorf("format %s writes to files only", format)
	}
	o := buildOptions(opts)
	c, err := f.New(w, Options{FragmentDuration: o.fragmentDuration, Logger: o.logger})
	if err != nil {
		return nil, err
	}
	return New(c, format, nil, opts...), nil
}

// Create opens path and returns a muxer writing format into it. An empty
// format is inferred from the extension. The file is closed once the
// trailer is written or the muxer is closed.
func Create(path, format string, opts ...Option) (*Muxer, error) {
	if format == "" {
		var err error
		if format, err = FormatForPath(path); err != nil {
			return nil, err
		}
	}
	f, ok := lookup(format)
	if !ok {
		return nil, errors.Wrap(ErrUnknownFormat, format)
	}
	o := buildOptions(opts)
	copts := Options{FragmentDuration: o.fragmentDuration, Logger: o.logger}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create output directory")
	}

	var m *Muxer
	if f.Open != nil {
		c, err := f.Open(path, copts)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", path)
		}
		m = New(c, format, nil, opts...)
	} else {
		file, err := os.Create(path)
		if err != nil {
			return nil, errors.Wrap(err, "create output file")
		}
		c, err := f.New(file, copts)
		if err != nil {
			file.Close()
			return nil, err
		}
		m = New(c, format, file, opts...)
	}
	m.path = path
	m.logger = m.logger.With("path", path)
	return m, nil
}
