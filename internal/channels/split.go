package channels

import "strings"

// TelegramMaxChars keeps each message below Telegram's 4096 limit with room for markup.
const TelegramMaxChars = 3900

// SplitText breaks text into chunks of at most max runes, preferring line
// boundaries and hard-splitting lines that are too long on their own.
// Blank input yields a single "(empty)" chunk.
func SplitText(text string, max int) []string {
	t := strings.TrimSpace(text)
	if t == "" {
		return []string{"(empty)"}
	}
	if runeLen(t) <= max {
		return []string{t}
	}

	var out []string
	var buf strings.Builder
	bufLen := 0
	flush := func() {
		if s := strings.TrimSpace(buf.String()); s != "" {
			out = append(out, s)
		}
		buf.Reset()
		bufLen = 0
	}

	for _, line := range strings.SplitAfter(t, "\n") {
		if line == "" {
			continue
		}
		lineLen := runeLen(line)
		if bufLen+lineLen > max && bufLen > 0 {
			flush()
		}
		if lineLen > max {
			var cur []rune
			for _, r := range line {
				cur = append(cur, r)
				if len(cur) >= max {
					if s := strings.TrimSpace(string(cur)); s != "" {
						out = append(out, s)
					}
					cur = cur[:0]
				}
			}
			if strings.TrimSpace(string(cur)) != "" {
				buf.WriteString(string(cur))
				bufLen += len(cur)
			}
			continue
		}
		buf.WriteString(line)
		bufLen += lineLen
	}
	flush()
	return out
}

func runeLen(s string) int {
	return len([]rune(s))
}
