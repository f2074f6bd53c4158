package endpointer

import (
	"regexp"
	"strings"
)

var (
	nonAlnumRe  = regexp.MustCompile(`[^a-z0-9]+`)
	punctOnlyRe = regexp.MustCompile(`^[.?!,\-_/\\*~\s]+$`)
	wordSplitRe = regexp.MustCompile(`[^a-z']+`)
)

// fillerWords are fragments that carry no student intent on their own.
var fillerWords = map[string]bool{
	"um": true, "uh": true, "uhm": true, "umm": true, "uhh": true,
	"er": true, "erm": true, "ah": true, "ahh": true, "hm": true,
	"hmm": true, "mm": true, "mhm": true, "huh": true, "eh": true,
}

// LooksLikeNoise reports whether text is not worth relaying as a student
// turn: too short, no alphanumerics, a single repeated character, pure
// punctuation, or filler words only.
func LooksLikeNoise(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" || len(t) < 2 {
		return true
	}

	alnum := nonAlnumRe.ReplaceAllString(t, "")
	if alnum == "" {
		return true
	}
	if len(alnum) >= 5 && allSameByte(alnum) {
		return true
	}
	if punctOnlyRe.MatchString(t) {
		return true
	}

	onlyFiller := true
	for _, w := range wordSplitRe.Split(t, -1) {
		if w == "" {
			continue
		}
		if !fillerWords[w] {
			onlyFiller = false
			break
		}
	}
	return onlyFiller
}

func allSameByte(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}

// connectorWords end a clause that is clearly mid-thought; a transcript
// ending in one gets the long idle grace before flushing.
var connectorWords = map[string]bool{
	"and": true, "or": true, "but": true, "so": true, "because": true,
	"if": true, "when": true, "while": true, "that": true, "which": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "with": true,
	"the": true, "a": true, "an": true, "my": true, "your": true,
	"then": true, "than": true, "like": true, "also": true,
}

// LooksComplete reports whether the joined transcript reads as a finished
// sentence: long enough, terminal punctuation, and not ending in a
// connector word.
func LooksComplete(text string) bool {
	t := strings.TrimSpace(text)
	if len(t) < 8 {
		return false
	}
	if !strings.HasSuffix(t, ".") && !strings.HasSuffix(t, "?") && !strings.HasSuffix(t, "!") {
		return false
	}
	trimmed := strings.TrimRight(strings.ToLower(t), ".?! ")
	words := wordSplitRe.Split(trimmed, -1)
	last := ""
	for i := len(words) - 1; i >= 0; i-- {
		if words[i] != "" {
			last = words[i]
			break
		}
	}
	return !connectorWords[last]
}
