package recording

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/utils/keymutex"
)

// Layout of a project directory.
const (
	ProjectConfigFile = "project-config.json"
	SegmentsDir       = "content/segments"
	DisplayFile       = "display.mp4"
	CameraFile        = "camera.mp4"
	AudioFileM4A      = "audio-input.m4a"
	AudioFileOgg      = "audio-input.ogg"
	CursorFile        = "cursor.json"

	segmentPrefix = "segment-"
)

// ErrNoSegments is returned when a project holds nothing to export.
var ErrNoSegments = errors.New("project has no recorded segments")

// projectLocks serialises config writes per project directory.
var projectLocks = keymutex.NewHashed(0)

// SegmentInfo describes one recorded segment. Paths are relative to the
// project directory and empty when the stream was not recorded.
type SegmentInfo struct {
	Index     int       `json:"index"`
	Display   string    `json:"display,omitempty"`
	Camera    string    `json:"camera,omitempty"`
	Audio     string    `json:"audio,omitempty"`
	Cursor    string    `json:"cursor,omitempty"`
	StartedAt time.Time `json:"started_at"`
	// DurationMS is the longest track, filled in when the segment is finalised.
	DurationMS int64 `json:"duration_ms"`
}

// Duration returns the probed segment duration.
func (s SegmentInfo) Duration() time.Duration {
	return time.Duration(s.DurationMS) * time.Millisecond
}

// ProjectConfig is the content of project-config.json.
type ProjectConfig struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	CreatedAt time.Time     `json:"created_at"`
	Segments  []SegmentInfo `json:"segments"`
}

// Project is a recording directory and its configuration.
type Project struct {
	Dir    string
	Config ProjectConfig
}

// NewProject describes a fresh project rooted at dir.
func NewProject(dir string) *Project {
	return &Project{
		Dir: dir,
		Config: ProjectConfig{
			ID:        uuid.New().String(),
			Name:      filepath.Base(dir),
			CreatedAt: time.Now().UTC(),
		},
	}
}

// SegmentDir returns the directory of segment index.
func SegmentDir(projectDir string, index int) string {
	return filepath.Join(projectDir, SegmentsDir, segmentPrefix+strconv.Itoa(index))
}

// Path resolves a project-relative path.
func (p *Project) Path(rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(p.Dir, filepath.FromSlash(rel))
}

func (p *Project) rel(path string) string {
	r, err := filepath.Rel(p.Dir, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(r)
}

// Save writes project-config.json atomically.
func (p *Project) Save() error {
	projectLocks.LockKey(p.Dir)
	defer func() { _ = projectLocks.UnlockKey(p.Dir) }()

	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create project directory %s", p.Dir)
	}
	data, err := json.MarshalIndent(p.Config, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal project config")
	}
	path := filepath.Join(p.Dir, ProjectConfigFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	return errors.Wrap(os.Rename(tmp, path), "failed to replace project config")
}

// LoadProject reads project-config.json from dir. Without one, segments are
// discovered from the content directory, which is how a recording that was
// interrupted before Stop can still be exported.
func LoadProject(dir string) (*Project, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "project %s", dir)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("project %s is not a directory", dir)
	}

	p := &Project{Dir: dir}
	data, err := os.ReadFile(filepath.Join(dir, ProjectConfigFile))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &p.Config); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", ProjectConfigFile)
		}
	case os.IsNotExist(err):
		p.Config.Name = filepath.Base(dir)
		p.Config.Segments, err = discoverSegments(p)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrapf(err, "failed to read %s", ProjectConfigFile)
	}
	if len(p.Config.Segments) == 0 {
		return nil, errors.Wrap(ErrNoSegments, dir)
	}
	return p, nil
}

func discoverSegments(p *Project) ([]SegmentInfo, error) {
	entries, err := os.ReadDir(filepath.Join(p.Dir, SegmentsDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list segments")
	}
	var segments []SegmentInfo
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), segmentPrefix) {
			continue
		}
		index, err := strconv.Atoi(strings.TrimPrefix(e.Name(), segmentPrefix))
		if err != nil {
			continue
		}
		dir := SegmentDir(p.Dir, index)
		seg := SegmentInfo{Index: index}
		if exists(filepath.Join(dir, DisplayFile)) {
			seg.Display = p.rel(filepath.Join(dir, DisplayFile))
		}
		if exists(filepath.Join(dir, CameraFile)) {
			seg.Camera = p.rel(filepath.Join(dir, CameraFile))
		}
		for _, name := range []string{AudioFileM4A, AudioFileOgg} {
			if exists(filepath.Join(dir, name)) {
				seg.Audio = p.rel(filepath.Join(dir, name))
			}
		}
		if exists(filepath.Join(dir, CursorFile)) {
			seg.Cursor = p.rel(filepath.Join(dir, CursorFile))
		}
		segments = append(segments, seg)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Index < segments[j].Index })
	return segments, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
