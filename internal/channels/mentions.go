package channels

import "strings"

// StripLeadingMentions removes leading "<@U123>" and "@name" tokens and the
// ":", "," and ";" separators that usually follow them.
func StripLeadingMentions(text string) string {
	s := strings.TrimLeft(text, " \t\r\n")
	for {
		switch {
		case strings.HasPrefix(s, "<@"):
			end := strings.IndexByte(s, '>')
			if end < 0 {
				return strings.TrimSpace(s)
			}
			s = s[end+1:]
		case strings.HasPrefix(s, "@") && len(s) > 1 && !strings.ContainsAny(s[1:2], " \t\r\n"):
			end := strings.IndexAny(s, " \t\r\n:,;")
			if end < 0 {
				return ""
			}
			s = s[end:]
		case strings.HasPrefix(s, ":"), strings.HasPrefix(s, ","), strings.HasPrefix(s, ";"):
			s = s[1:]
		default:
			return strings.TrimSpace(s)
		}
		s = strings.TrimLeft(s, " \t\r\n")
	}
}
