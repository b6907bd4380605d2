package availability

import (
	"sort"
	"time"
)

// EffectiveWindows computes the bookable windows for one local day: the
// recurring rules for weekday, then that date's exceptions. A modify
// replaces everything before it, an add unions, a block subtracts.
// Exceptions apply in the order given.
func EffectiveWindows(weekday time.Weekday, rules []Rule, exceptions []Exception) []Window {
	var windows []Window
	for _, r := range rules {
		if !r.Recurring || r.DayOfWeek != weekday || r.Start >= r.End {
			continue
		}
		windows = append(windows, Window{Start: r.Start, End: r.End})
	}
	windows = merge(windows)

	// Modifies first so an add or block on the same date refines the
	// replacement rather than being wiped by it.
	ordered := make([]Exception, 0, len(exceptions))
	for _, e := range exceptions {
		if e.Kind == ExceptionModify {
			ordered = append(ordered, e)
		}
	}
	for _, e := range exceptions {
		if e.Kind != ExceptionModify {
			ordered = append(ordered, e)
		}
	}

	modified := false
	for _, e := range ordered {
		w := e.window()
		switch e.Kind {
		case ExceptionModify:
			if !modified {
				windows = nil
				modified = true
			}
			windows = merge(append(windows, w))
		case ExceptionAdd:
			windows = merge(append(windows, w))
		case ExceptionBlock:
			windows = subtract(windows, w)
		}
	}
	return windows
}

// Contains reports whether [start, end) fits entirely inside one window.
func Contains(windows []Window, start, end TimeOfDay) bool {
	for _, w := range windows {
		if w.Start <= start && end <= w.End {
			return true
		}
	}
	return false
}

func merge(windows []Window) []Window {
	if len(windows) < 2 {
		return windows
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].Start < windows[j].Start })

	out := []Window{windows[0]}
	for _, w := range windows[1:] {
		last := &out[len(out)-1]
		if w.Start <= last.End {
			if w.End > last.End {
				last.End = w.End
			}
			continue
		}
		out = append(out, w)
	}
	return out
}

func subtract(windows []Window, cut Window) []Window {
	var out []Window
	for _, w := range windows {
		if cut.End <= w.Start || w.End <= cut.Start {
			out = append(out, w)
			continue
		}
		if w.Start < cut.Start {
			out = append(out, Window{Start: w.Start, End: cut.Start})
		}
		if cut.End < w.End {
			out = append(out, Window{Start: cut.End, End: w.End})
		}
	}
	return out
}
