package rows

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Day is one date's raw activity as stored by the fetchers.
type Day struct {
	Date   string  `json:"date"`
	Clips  []Clip  `json:"twitch_clips"`
	Events []Event `json:"github_events"`
	// Skipped lists files that could not be decoded.
	Skipped []string `json:"skipped,omitempty"`
}

// LoadDay reads <dir>/<date>/twitch_clip_*.json and github_event_*.json. A
// missing date directory yields an empty day.
func LoadDay(dir, date string) (Day, error) {
	day := Day{Date: date}
	dateDir := filepath.Join(dir, date)
	if _, err := os.Stat(dateDir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return day, nil
		}
		return day, fmt.Errorf("stat %s: %w", dateDir, err)
	}

	clipFiles, err := filepath.Glob(filepath.Join(dateDir, "twitch_clip_*.json"))
	if err != nil {
		return day, err
	}
	sort.Strings(clipFiles)
	for _, fp := range clipFiles {
		var c Clip
		if err := readJSON(fp, &c); err != nil {
			day.Skipped = append(day.Skipped, fp)
			continue
		}
		day.Clips = append(day.Clips, c)
	}

	eventFiles, err := filepath.Glob(filepath.Join(dateDir, "github_event_*.json"))
	if err != nil {
		return day, err
	}
	sort.Strings(eventFiles)
	for _, fp := range eventFiles {
		var e Event
		if err := readJSON(fp, &e); err != nil {
			day.Skipped = append(day.Skipped, fp)
			continue
		}
		day.Events = append(day.Events, e)
	}
	return day, nil
}

func readJSON(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
