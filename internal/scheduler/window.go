package scheduler

import (
	"fmt"
	"time"

	"github.com/postwave/postwave/internal/config"
)

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

// SendWindow is a compiled named delivery window. A due time falling
// outside the window is pushed forward to the next opening, never back.
type SendWindow struct {
	name     string
	days     map[time.Weekday]bool // nil = every day
	start    int                   // minutes since midnight
	end      int
	location *time.Location
}

// CompileWindows builds send windows from configuration
func CompileWindows(cfgs map[string]config.WindowConfig) (map[string]*SendWindow, error) {
	windows := make(map[string]*SendWindow, len(cfgs))
	for name, cfg := range cfgs {
		w, err := compileWindow(name, cfg)
		if err != nil {
			return nil, err
		}
		windows[name] = w
	}
	return windows, nil
}

func compileWindow(name string, cfg config.WindowConfig) (*SendWindow, error) {
	start, err := parseClock(cfg.Start)
	if err != nil {
		return nil, fmt.Errorf("send window %s: invalid start: %w", name, err)
	}
	end, err := parseClock(cfg.End)
	if err != nil {
		return nil, fmt.Errorf("send window %s: invalid end: %w", name, err)
	}
	if end <= start {
		return nil, fmt.Errorf("send window %s: end must be after start", name)
	}

	loc := time.UTC
	if cfg.Location != "" {
		loc, err = time.LoadLocation(cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("send window %s: invalid location: %w", name, err)
		}
	}

	w := &SendWindow{name: name, start: start, end: end, location: loc}
	if len(cfg.Days) > 0 {
		w.days = make(map[time.Weekday]bool, len(cfg.Days))
		for _, d := range cfg.Days {
			wd, ok := dayNames[d]
			if !ok {
				return nil, fmt.Errorf("send window %s: unknown day %q", name, d)
			}
			w.days[wd] = true
		}
	}
	return w, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether t falls inside the window
func (w *SendWindow) Contains(t time.Time) bool {
	local := t.In(w.location)
	if w.days != nil && !w.days[local.Weekday()] {
		return false
	}
	m := local.Hour()*60 + local.Minute()
	return m >= w.start && m < w.end
}

// NextOpen returns t unchanged when it is inside the window, otherwise
// the earliest later instant the window is open.
func (w *SendWindow) NextOpen(t time.Time) time.Time {
	if w.Contains(t) {
		return t
	}

	local := t.In(w.location)
	// Walk forward day by day; a week always contains an opening
	for i := 0; i < 8; i++ {
		day := local.AddDate(0, 0, i)
		opening := time.Date(day.Year(), day.Month(), day.Day(), w.start/60, w.start%60, 0, 0, w.location)
		if !opening.After(local) {
			// Today's opening already passed and t is outside the window
			continue
		}
		if w.days != nil && !w.days[opening.Weekday()] {
			continue
		}
		return opening
	}
	return t
}
