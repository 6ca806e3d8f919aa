package recording

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/capsoftware/cap/packages/cli/internal/media/pipeline"
)

// CursorFunc reports the pointer position in display pixels. ok is false
// when the position is unknown, for example off every captured display.
type CursorFunc func() (x, y float64, ok bool)

// CursorSample is one line of cursor.json.
type CursorSample struct {
	TimeMS int64   `json:"time_ms"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// SyntheticCursor traces a circle around the centre of a width x height
// display, one step per call.
func SyntheticCursor(width, height int) CursorFunc {
	step := 0
	return func() (float64, float64, bool) {
		angle := float64(step) * 2 * math.Pi / 120
		step++
		r := float64(min(width, height)) / 3
		return float64(width)/2 + r*math.Cos(angle), float64(height)/2 + r*math.Sin(angle), true
	}
}

type elapsedClock interface {
	Elapsed() time.Duration
}

// cursorSource samples a CursorFunc once per interval after Play.
type cursorSource struct {
	poll     CursorFunc
	interval time.Duration
	limit    int
	ticker   clock.WithTicker
	out      *pipeline.Channel[CursorSample]
}

func (c *cursorSource) Run(tc *pipeline.TaskContext) error {
	defer c.out.Close()
	tc.Ready(nil)
	if !tc.WaitForPlay() {
		return nil
	}
	elapsed, _ := tc.Clock().(elapsedClock)
	t := c.ticker.NewTicker(c.interval)
	defer t.Stop()

	ctx := tc.Context()
	for n := 0; !tc.Stopped() && (c.limit <= 0 || n < c.limit); n++ {
		select {
		case <-t.C():
		case <-ctx.Done():
			return nil
		}
		x, y, ok := c.poll()
		if !ok {
			continue
		}
		var at time.Duration
		if elapsed != nil {
			at = elapsed.Elapsed()
		}
		if _, err := c.out.Send(ctx, CursorSample{TimeMS: at.Milliseconds(), X: x, Y: y}); err != nil {
			return nil
		}
	}
	return nil
}

// cursorSink writes samples to cursor.json as JSON lines.
type cursorSink struct {
	path string
	in   *pipeline.Channel[CursorSample]
}

func (c *cursorSink) Run(tc *pipeline.TaskContext) (err error) {
	defer c.in.Abandon()
	f, err := os.Create(c.path)
	if err != nil {
		err = errors.Wrap(err, "failed to create cursor file")
		tc.Ready(err)
		return err
	}
	w := bufio.NewWriter(f)
	defer func() {
		err = multierr.Append(err, w.Flush())
		err = multierr.Append(err, f.Close())
	}()
	tc.Ready(nil)

	enc := json.NewEncoder(w)
	samples := 0
	for {
		s, ok := c.in.Recv(tc.Context())
		if !ok {
			tc.Logger().Debug("Cursor track written", "samples", samples)
			return nil
		}
		if err := enc.Encode(s); err != nil {
			return errors.Wrap(err, "write cursor sample")
		}
		samples++
	}
}

// ReadCursor loads every sample of a cursor.json file.
func ReadCursor(path string) ([]CursorSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []CursorSample
	dec := json.NewDecoder(f)
	for dec.More() {
		var s CursorSample
		if err := dec.Decode(&s); err != nil {
			return out, errors.Wrapf(err, "parse %s", path)
		}
		out = append(out, s)
	}
	return out, nil
}
