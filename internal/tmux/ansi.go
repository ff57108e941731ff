package tmux

import "strings"

// StripANSI removes ANSI escape sequences in one pass: CSI (ESC [ ... final
// letter), OSC (ESC ] ... BEL or ESC \) and two-byte escapes. The 8-bit CSI
// byte 0x9B is left alone because it is also a UTF-8 continuation byte
// (the ⌛ spinner glyph ends in 0x9B).
func StripANSI(content string) string {
	if strings.IndexByte(content, '\x1b') < 0 {
		return content
	}

	var b strings.Builder
	b.Grow(len(content))

	i := 0
	for i < len(content) {
		switch {
		case content[i] == '\x1b' && i+1 < len(content) && content[i+1] == '[':
			i = skipCSI(content, i+2)
			continue
		case content[i] == '\x1b' && i+1 < len(content) && content[i+1] == ']':
			if bel := strings.IndexByte(content[i:], '\x07'); bel != -1 {
				i += bel + 1
				continue
			}
			if st := strings.Index(content[i:], "\x1b\\"); st != -1 {
				i += st + 2
				continue
			}
			i += 2
			continue
		case content[i] == '\x1b' && i+1 < len(content):
			i += 2
			continue
		}
		b.WriteByte(content[i])
		i++
	}
	return b.String()
}

// skipCSI returns the index just past the final byte of a CSI sequence.
func skipCSI(s string, j int) int {
	for j < len(s) {
		c := s[j]
		j++
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
			break
		}
	}
	return j
}
