package analysis

import (
	"fmt"

	"github.com/agora-ai/agora/internal/model"
)

const (
	// minPatternLength is the smallest pattern size considered a loop.
	minPatternLength = 2
	// minRepetitions is how many contiguous occurrences at the tail are
	// required before a pattern counts as a loop.
	minRepetitions = 2
	// interventionRepetitions is the repetition count at which an
	// intervention suggestion is synthesized.
	interventionRepetitions = 3
	// matchThreshold is the Jaccard similarity above which two messages
	// by the same participant are considered the same pattern element.
	matchThreshold = 0.8
)

// rawLoop is one detected repeating pattern before persistence.
type rawLoop struct {
	Size        int
	Repetitions int
	PatternHash string
	Description string
	First       model.Message // earliest message of the earliest repeat
	Last        model.Message // latest message of the pattern tail
}

// PatternHash derives the stable hash for the ordered messages of one
// pattern occurrence. Loop deduplication relies on this hash staying
// stable across analysis runs; the rehash-loop-patterns script
// recomputes stored hashes after the algorithm changes.
func PatternHash(msgs []model.Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = fmt.Sprintf("%d:%s", m.ParticipantIndex, contentFingerprint(m.Content))
	}
	return hashPattern(parts)
}

// messagesMatch reports whether two messages are the same pattern
// element: same participant and near-identical content.
func messagesMatch(a, b model.Message) bool {
	if a.ParticipantIndex != b.ParticipantIndex {
		return false
	}
	return textSimilarity(a.Content, b.Content) >= matchThreshold
}

// detectLoops scans the tail of msgs (ordered by sequence) for repeating
// patterns. For each candidate length L it compares the last L messages
// against the preceding blocks of L and counts contiguous repeats. The
// longest qualifying pattern wins; shorter patterns that are merely
// sub-cycles of it are suppressed.
func findLoops(msgs []model.Message) []rawLoop {
	n := len(msgs)
	if n < minPatternLength*minRepetitions {
		return nil
	}

	var loops []rawLoop
	for size := n / 2; size >= minPatternLength; size-- {
		tail := msgs[n-size:]
		reps := 1
		for start := n - 2*size; start >= 0; start -= size {
			block := msgs[start : start+size]
			if !blocksMatch(block, tail) {
				break
			}
			reps++
		}
		if reps < minRepetitions {
			continue
		}

		first := msgs[n-reps*size]
		loops = append(loops, rawLoop{
			Size:        size,
			Repetitions: reps,
			PatternHash: PatternHash(tail),
			Description: describeLoop(tail, reps),
			First:       first,
			Last:        tail[size-1],
		})
		// Longest pattern found; smaller sizes would be sub-cycles.
		break
	}
	return loops
}

func blocksMatch(a, b []model.Message) bool {
	for i := range a {
		if !messagesMatch(a[i], b[i]) {
			return false
		}
	}
	return true
}

func describeLoop(tail []model.Message, reps int) string {
	snippet := tail[0].Content
	if len(snippet) > 60 {
		snippet = snippet[:60] + "..."
	}
	return fmt.Sprintf("%d-message pattern starting %q repeated %d times", len(tail), snippet, reps)
}

// fallbackIntervention is used when the intervention model call fails.
func fallbackIntervention(description string) string {
	return fmt.Sprintf("The conversation appears to be repeating the pattern '%s'. Let's explore a different angle of the topic.", description)
}
