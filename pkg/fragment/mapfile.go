package fragment

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cuemby/lbctl/pkg/types"
)

// ErrInvalidMapLine is returned when a backend map line is not a
// "domain backend" pair
var ErrInvalidMapLine = errors.New("invalid backend map line")

// ParseMap reads a backend map. Blank lines and lines starting with '#' are
// skipped. Domains are lower-cased; the backend is the rest of the line.
func ParseMap(r io.Reader) ([]types.MapEntry, error) {
	var entries []types.MapEntry

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d %q: %w: expected \"domain backend\"", lineNo, line, ErrInvalidMapLine)
		}

		domain := types.NormalizeDomain(fields[0])
		if strings.ContainsAny(domain, "/\\\x00") {
			return nil, fmt.Errorf("line %d %q: %w: domain contains a path separator", lineNo, line, ErrInvalidMapLine)
		}

		entries = append(entries, types.MapEntry{
			Domain:  domain,
			Backend: strings.Join(fields[1:], " "),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read backend map: %w", err)
	}

	return entries, nil
}

// FormatMap renders entries one per line in the on-disk format
func FormatMap(entries []types.MapEntry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(e.String())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
