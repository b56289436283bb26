// Package histogram turns free text into word frequency counts.
package histogram

import (
	"regexp"
	"strings"
)

// A word is a word-character run that may carry apostrophes inside it
// (contractions, possessives) but never at either end.
// Combining marks are not word characters.
const word = `[\p{L}\p{N}_]`

var words = regexp.MustCompile(word + `(?:` + word + `|')*` + word + `|` + word)

// Histogram maps a lowercase token to its occurrence count.
type Histogram map[string]int

// Build lowercases text and counts every token in it. Text without any
// tokens yields an empty, non-nil Histogram.
func Build(text string) Histogram {
	h := make(Histogram)
	for _, token := range Tokens(text) {
		h[token]++
	}
	return h
}

// Tokens returns the lowercase tokens of text in order of appearance.
func Tokens(text string) []string {
	return words.FindAllString(strings.ToLower(text), -1)
}

// Total returns the number of tokens the histogram was built from.
func (h Histogram) Total() int {
	total := 0
	for _, n := range h {
		total += n
	}
	return total
}
