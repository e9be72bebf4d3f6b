package devlog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/joelkehle/devlog/internal/jsonrepair"
	"github.com/joelkehle/devlog/internal/rows"
)

const baseSystemPrompt = `You write the daily devlog for a developer who streams their coding sessions on Twitch and ships code on GitHub.
Write in first person. Be specific, technically accurate and a little self-aware.
Only cite activity through the anchor tokens you are given, written exactly as shown, for example [EVENT:123] or [CLIP:abc].
Never invent anchors, numbers, pull requests or quotes that are not in the supplied rows.
Wrap every JSON response in ` + jsonrepair.OpenSentinel + ` and ` + jsonrepair.CloseSentinel + ` with nothing else outside the markers.`

// SystemPrompt appends the optional voice prompt to the base instructions.
func SystemPrompt(voice string) string {
	voice = strings.TrimSpace(voice)
	if voice == "" {
		return baseSystemPrompt
	}
	return baseSystemPrompt + "\n\nVOICE GUIDE:\n" + voice
}

func buildOutlinePrompt(date string, eventRows, clipRows []rows.AnchorRow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan the devlog post for %s.\n\n", date)
	b.WriteString("The post has exactly these seven sections, in this order:\n")
	for _, name := range CanonicalOrder {
		fmt.Fprintf(&b, "- %s\n", name)
	}
	b.WriteString("\nEVENT ROWS (one JSON object per line):\n")
	writeRows(&b, eventRows)
	b.WriteString("\nCLIP ROWS (one JSON object per line):\n")
	writeRows(&b, clipRows)

	b.WriteString("\nALLOWED ANCHORS (use only these, verbatim):\n")
	anchors := anchorsOf(append(append([]rows.AnchorRow{}, eventRows...), clipRows...))
	if len(anchors) == 0 {
		b.WriteString("(none)\n")
	}
	for _, a := range anchors {
		fmt.Fprintf(&b, "%s\n", a)
	}

	b.WriteString(`
Return one JSON object with this shape:
{
  "thesis": "one sentence that captures the day",
  "tone": "a few words describing the tone",
  "section_plan": {
    "<section name>": {"goal": "what this section must accomplish", "uses": ["<anchor>", "..."]}
  },
  "transition_seeds": {"Hook->Context": "a phrase that bridges the two sections"}
}
Every section name above must appear in section_plan. Assign each anchor to the section where it matters most.
`)
	fmt.Fprintf(&b, "Wrap the object in %s ... %s.\n", jsonrepair.OpenSentinel, jsonrepair.CloseSentinel)
	return b.String()
}

func buildSectionGroupPrompt(in SectionGroupInput, cfg Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write the %s of the devlog post for %s.\n\n", strings.Join(in.Group.Sections, ", "), in.Date)
	fmt.Fprintf(&b, "THESIS: %s\nTONE: %s\n", in.Outline.Thesis, in.Outline.Tone)
	if in.Motif != "" {
		fmt.Fprintf(&b, "MOTIF for this part: %s (let it colour the writing, do not name it outright)\n", in.Motif)
	}
	if strings.TrimSpace(in.State.PrevLastSentence) != "" {
		fmt.Fprintf(&b, "\nThe previous part ended with: %q\nContinue naturally from it. Do not repeat it.\n", in.State.PrevLastSentence)
	}

	allowed := allowedAnchors(in.Rows)
	b.WriteString("\nSECTIONS:\n")
	for _, name := range in.Group.Sections {
		plan := in.Outline.SectionPlan[name]
		plan.Uses = FilterAnchors(plan.Uses, allowed)
		fmt.Fprintf(&b, "## %s\n", name)
		if plan.Goal != "" {
			fmt.Fprintf(&b, "Goal: %s\n", plan.Goal)
		}
		if len(plan.Uses) > 0 {
			fmt.Fprintf(&b, "Required anchors (cite at least one verbatim): %s\n", strings.Join(plan.Uses, ", "))
		}
		fmt.Fprintf(&b, "Minimum length: %d words.\n", cfg.MinWords(name))
	}
	if seeds := transitionSeedsFor(in.Outline, in.Group); len(seeds) > 0 {
		b.WriteString("\nTRANSITIONS:\n")
		for _, s := range seeds {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	b.WriteString("\nEVIDENCE BUDGET: every section states at least 3 concrete facts from the rows (numbers, titles, errors, config values).")
	if hasClipRows(in.Rows) {
		b.WriteString(" Include at least 1 transcript quote from a clip row.")
	}
	fmt.Fprintf(&b, "\nTarget length for this part: %s words.\n", in.Group.TargetWords)

	b.WriteString("\nROWS:\n")
	writeRows(&b, in.Rows)
	b.WriteString("\nALLOWED ANCHORS:\n")
	for _, a := range anchorsOf(in.Rows) {
		fmt.Fprintf(&b, "%s\n", a)
	}

	b.WriteString(`
Return one JSON object:
{"sections": {"<section name>": {"content": "markdown prose", "anchors_used": ["<anchor>"], "char_count": 0}}}
`)
	fmt.Fprintf(&b, "Include every section listed above. Wrap the object in %s ... %s.\n", jsonrepair.OpenSentinel, jsonrepair.CloseSentinel)
	return b.String()
}

func buildRevisionRequest(failures map[string][]string, group SectionGroup) string {
	var b strings.Builder
	b.WriteString("\n\nREVISION REQUEST\nYour previous answer did not meet these requirements:\n")
	for _, name := range group.Sections {
		for _, f := range failures[name] {
			fmt.Fprintf(&b, "- %s: %s\n", name, f)
		}
	}
	b.WriteString("Expand the listed sections to meet them. Keep everything that was already good. Return the same JSON shape with every section.\n")
	return b.String()
}

func buildExpansionPrompt(in ExpansionInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The %q section of the %s devlog is the thinnest part of the post.\n\n", in.Target, in.Date)
	b.WriteString("CURRENT SECTION:\n")
	b.WriteString(in.Sections[in.Target].Content)
	b.WriteString("\n\nWrite exactly one additional addendum of 300-400 words for this section. Add new detail, reflection or explanation.\n")
	b.WriteString("Do not repeat any sentence that already appears above. Do not add headings.\n")
	fmt.Fprintf(&b, "Return %s{\"addendum\": \"...\"}%s\n", jsonrepair.OpenSentinel, jsonrepair.CloseSentinel)
	return b.String()
}

func writeRows(b *strings.Builder, rs []rows.AnchorRow) {
	if len(rs) == 0 {
		b.WriteString("(none)\n")
		return
	}
	for _, r := range rs {
		line, err := json.Marshal(r)
		if err != nil {
			continue
		}
		b.Write(line)
		b.WriteByte('\n')
	}
}

func anchorsOf(rs []rows.AnchorRow) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Anchor)
	}
	return out
}

func hasClipRows(rs []rows.AnchorRow) bool {
	for _, r := range rs {
		if r.Kind == rows.KindClip {
			return true
		}
	}
	return false
}

// transitionSeedsFor returns the seeds whose target section is in group.
func transitionSeedsFor(o Outline, group SectionGroup) []string {
	var out []string
	for key, seed := range o.TransitionSeeds {
		parts := strings.SplitN(key, "->", 2)
		if len(parts) != 2 {
			continue
		}
		to := strings.TrimSpace(parts[1])
		for _, name := range group.Sections {
			if strings.EqualFold(to, name) {
				out = append(out, fmt.Sprintf("%s: %s", key, seed))
			}
		}
	}
	sort.Strings(out)
	return out
}
