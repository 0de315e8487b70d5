package texttospeech

import (
	"math"
	"regexp"
	"strings"
	"time"
)

const DefaultWordsPerMinute = 150

// CutoffFromTotalResponseLength assumes speech is spread evenly over the
// synthesized audio and returns the share of message that fits in elapsed.
// outputSize is the number of samples produced, which for 8-bit encodings is
// the byte length.
func CutoffFromTotalResponseLength(message string, elapsed time.Duration, outputSize, sampleRate int) string {
	if message == "" || elapsed <= 0 || sampleRate <= 0 {
		return ""
	}

	total := float64(outputSize) / float64(sampleRate)
	seconds := elapsed.Seconds()
	if seconds >= total {
		return message
	}

	runes := []rune(message)
	secondsPerChar := total / float64(len(runes))
	return string(runes[:min(int(seconds/secondsPerChar), len(runes))])
}

// CutoffFromVoiceSpeed assumes a constant speaking rate and returns the
// words of message that fit in elapsed.
func CutoffFromVoiceSpeed(message string, elapsed time.Duration, wordsPerMinute int) string {
	if message == "" || elapsed <= 0 || wordsPerMinute <= 0 {
		return ""
	}

	wordsPerSecond := float64(wordsPerMinute) / 60
	spoken := int(math.Floor(wordsPerSecond*elapsed.Seconds() + 1e-9))

	tokens := tokenize(message)
	if spoken >= len(tokens) {
		return detokenize(tokens)
	}
	return detokenize(tokens[:spoken])
}

// Words are runs of letters and digits in any script. RE2's \w only
// covers ASCII.
var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]+(?:['’\-][\p{L}\p{N}_]+)*|\.\.\.|…|[^\p{L}\p{N}_\s]`)

func tokenize(text string) []string {
	return tokenPattern.FindAllString(text, -1)
}

func detokenize(tokens []string) string {
	var b strings.Builder
	for i, token := range tokens {
		if i > 0 && !attachesLeft(token) && !attachesRight(tokens[i-1]) {
			b.WriteByte(' ')
		}
		b.WriteString(token)
	}
	return b.String()
}

func attachesLeft(token string) bool {
	switch token {
	case ".", ",", "!", "?", ";", ":", ")", "]", "}", "%", "...", "…", "'", "’":
		return true
	}
	return false
}

func attachesRight(token string) bool {
	switch token {
	case "(", "[", "{", "$", "#":
		return true
	}
	return false
}
