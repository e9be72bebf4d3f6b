package devlog

import (
	"slices"

	"github.com/joelkehle/devlog/internal/rows"
)

func NewGenerationState(motifs []string) GenerationState {
	return GenerationState{
		Motifs:      slices.Clone(motifs),
		UsedAnchors: map[string]bool{},
	}
}

func (s GenerationState) clone() GenerationState {
	out := GenerationState{
		PrevLastSentence: s.PrevLastSentence,
		Motifs:           slices.Clone(s.Motifs),
		MotifsUsed:       slices.Clone(s.MotifsUsed),
		UsedAnchors:      make(map[string]bool, len(s.UsedAnchors)),
	}
	for k, v := range s.UsedAnchors {
		out.UsedAnchors[k] = v
	}
	return out
}

// NextMotif picks the first motif not yet used in the current cycle and
// returns the state with it marked used. When every motif has been used the
// cycle resets, skipping the motif used last so it never repeats back to back.
func NextMotif(s GenerationState) (string, GenerationState) {
	next := s.clone()
	if len(next.Motifs) == 0 {
		return "", next
	}
	pick := firstUnused(next.Motifs, next.MotifsUsed, "")
	if pick == "" {
		last := ""
		if n := len(next.MotifsUsed); n > 0 {
			last = next.MotifsUsed[n-1]
		}
		next.MotifsUsed = nil
		pick = firstUnused(next.Motifs, nil, last)
		if pick == "" {
			pick = next.Motifs[0]
		}
	}
	next.MotifsUsed = append(next.MotifsUsed, pick)
	return pick, next
}

func firstUnused(motifs, used []string, skip string) string {
	for _, m := range motifs {
		if m != skip && !slices.Contains(used, m) {
			return m
		}
	}
	return ""
}

// AdvanceState records the anchors a section group cited and seeds the next
// call with the final sentence of the group's last generated section.
func AdvanceState(s GenerationState, group SectionGroup, sections map[string]SectionResult) GenerationState {
	next := s.clone()
	for _, name := range group.Sections {
		sec, ok := sections[name]
		if !ok {
			continue
		}
		for _, a := range sec.AnchorsUsed {
			next.UsedAnchors[a] = true
		}
	}
	for i := len(group.Sections) - 1; i >= 0; i-- {
		sec, ok := sections[group.Sections[i]]
		if !ok {
			continue
		}
		if last := LastSentence(sec.Content); last != "" {
			next.PrevLastSentence = last
			break
		}
	}
	return next
}

func LastSentence(text string) string {
	sentences := rows.SplitSentences(text)
	if len(sentences) == 0 {
		return ""
	}
	return sentences[len(sentences)-1]
}
