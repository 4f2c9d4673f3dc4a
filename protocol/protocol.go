package protocol

import (
	"errors"
	"strings"
)

var (
	ErrInvalidPacket = errors.New("invalid packet format")
)

// Packet is one line of the TCP wire protocol:
// TYPE, TYPE|CONTENT or TYPE|DESTINATION|CONTENT.
type Packet struct {
	Type        string
	Destination string
	Content     string
}

func ParsePacket(line string) (*Packet, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		return nil, ErrInvalidPacket
	}

	parts := splitUnescaped(line, '|')

	pkt := &Packet{
		Type: unescape(parts[0]),
	}
	if pkt.Type == "" {
		return nil, ErrInvalidPacket
	}

	if len(parts) == 2 {
		pkt.Content = unescape(parts[1])
	} else if len(parts) >= 3 {
		pkt.Destination = unescape(parts[1])
		pkt.Content = unescape(strings.Join(parts[2:], "|"))
	}

	return pkt, nil
}

func FormatPacket(pktType string, destination string, content string) string {
	var parts []string
	parts = append(parts, Escape(pktType))

	if destination != "" {
		parts = append(parts, Escape(destination))
	}

	if content != "" {
		parts = append(parts, Escape(content))
	}

	return strings.Join(parts, "|") + "\n"
}

// splitUnescaped splits s on delimiter, skipping escaped delimiters.
// Escape sequences are kept so unescape can decode each part.
func splitUnescaped(s string, delimiter rune) []string {
	var parts []string
	var current strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			current.WriteRune(r)
			escape = false
			continue
		}

		if r == '\\' {
			escape = true
			current.WriteRune(r)
			continue
		}

		if r == delimiter {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}

		current.WriteRune(r)
	}

	parts = append(parts, current.String())
	return parts
}

func unescape(s string) string {
	var result strings.Builder
	escape := false

	for i, r := range s {
		if escape {
			switch r {
			case '|':
				result.WriteRune('|')
			case ',':
				result.WriteRune(',')
			case '\\':
				result.WriteRune('\\')
			case 'n':
				result.WriteRune('\n')
			case 'r':
				result.WriteRune('\r')
			default:
				// unknown escape, keep verbatim
				result.WriteRune('\\')
				result.WriteRune(r)
			}
			escape = false
			continue
		}

		if r == '\\' && i < len(s)-1 {
			escape = true
			continue
		}

		result.WriteRune(r)
	}

	if escape {
		result.WriteRune('\\')
	}

	return result.String()
}

func Escape(s string) string {
	var result strings.Builder

	for _, r := range s {
		switch r {
		case '|':
			result.WriteString("\\|")
		case ',':
			result.WriteString("\\,")
		case '\\':
			result.WriteString("\\\\")
		case '\n':
			result.WriteString("\\n")
		case '\r':
			result.WriteString("\\r")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}
