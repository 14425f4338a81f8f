package ytdlp

import (
	"regexp"
	"strings"
)

var (
	reCueTiming  = regexp.MustCompile(`^\d{2}:\d{2}(:\d{2})?[.,]\d{3}\s*-->\s*\d{2}:\d{2}`)
	reCueNumber  = regexp.MustCompile(`^\d+$`)
	reCueSetting = regexp.MustCompile(`^\s*(?:align|position|line|size):`)
	reInlineTag  = regexp.MustCompile(`<[^>]+>`)
)

// SubtitlesToText strips VTT/SRT headers, cue timings and inline tags and
// drops the consecutive repeats auto-generated captions are full of.
func SubtitlesToText(raw string) string {
	var out []string
	prev := ""
	for _, line := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)
		if strings.HasPrefix(upper, "WEBVTT") || strings.HasPrefix(upper, "KIND:") || strings.HasPrefix(upper, "LANGUAGE:") {
			continue
		}
		if reCueNumber.MatchString(line) || reCueTiming.MatchString(line) || reCueSetting.MatchString(line) {
			continue
		}
		line = strings.TrimSpace(reInlineTag.ReplaceAllString(line, ""))
		if line == "" || line == prev {
			continue
		}
		out = append(out, line)
		prev = line
	}
	return strings.Join(out, "\n")
}
