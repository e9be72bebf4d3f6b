package rows

import (
	"cmp"
	"slices"
)

// SelectClips keeps the most viewed clips, at most limit of them.
func SelectClips(clips []Clip, limit int) []Clip {
	out := slices.Clone(clips)
	slices.SortStableFunc(out, func(a, b Clip) int {
		return cmp.Compare(b.ViewCount, a.ViewCount)
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SelectEvents orders merged pull requests first, then pushes, then the
// rest, newest first within each group, and keeps at most limit events.
// Events that would never become rows are dropped before the cap applies.
func SelectEvents(events []Event, limit int) []Event {
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if includeEvent(e) {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b Event) int {
		if c := cmp.Compare(eventPriority(a), eventPriority(b)); c != 0 {
			return c
		}
		return parseTime(b.CreatedAt).Compare(parseTime(a.CreatedAt))
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func eventPriority(e Event) int {
	switch e.Type {
	case EventPullRequest:
		return 0
	case EventPush:
		return 1
	}
	return 2
}
