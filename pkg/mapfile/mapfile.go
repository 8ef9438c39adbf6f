// Package mapfile parses the range map that correlates obfuscated code ranges
// with original identifiers.
//
// Each non-empty line holds three fields separated by whitespace or commas:
//
//	<rangeStart> <rangeEnd> <identifier>
//
// Numbers use Go integer syntax, so "0x1000" is hex and "4096" is decimal.
// Lines starting with '#' or ';' are comments.
package mapfile

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/jtang613/pdbsynth/pkg/errs"
)

// Entry is one obfuscated range and the identifier it came from.
type Entry struct {
	Line       int    // 1-based source line
	RangeStart uint64 // Inclusive
	RangeEnd   uint64 // Exclusive
	Original   string // Identifier token as written
	ID         uint64 // Numeric value of Original
}

// Size returns the length of the range in bytes.
func (e Entry) Size() uint64 {
	return e.RangeEnd - e.RangeStart
}

// ParseFile reads and parses the map file at path.
func ParseFile(fs afero.Fs, path string) ([]Entry, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errs.NewIOError("open", path, err)
	}
	defer f.Close()

	entries, err := Parse(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return entries, nil
}

// Parse parses map file lines from r. Parsing is all-or-nothing: the first
// malformed line fails the call and no entries are returned.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		text := strings.TrimSpace(sc.Text())
		if text == "" || text[0] == '#' || text[0] == ';' {
			continue
		}

		e, err := parseLine(lineNo, text)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, errs.NewIOError("read", "map file", err)
	}

	return entries, nil
}

func parseLine(lineNo int, text string) (Entry, error) {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	switch {
	case len(fields) < 2:
		return Entry{}, errs.NewParseError(lineNo, text, "missing range end")
	case len(fields) < 3:
		return Entry{}, errs.NewParseError(lineNo, text, "missing identifier")
	case len(fields) > 3:
		return Entry{}, errs.NewParseError(lineNo, text, "too many fields")
	}

	start, err := strconv.ParseUint(fields[0], 0, 64)
	if err != nil {
		return Entry{}, errs.NewParseError(lineNo, text, "invalid range start")
	}
	end, err := strconv.ParseUint(fields[1], 0, 64)
	if err != nil {
		return Entry{}, errs.NewParseError(lineNo, text, "invalid range end")
	}
	if end < start {
		return Entry{}, errs.NewParseError(lineNo, text, "range end before range start")
	}
	id, err := strconv.ParseUint(fields[2], 0, 64)
	if err != nil {
		return Entry{}, errs.NewParseError(lineNo, text, "invalid identifier")
	}

	return Entry{
		Line:       lineNo,
		RangeStart: start,
		RangeEnd:   end,
		Original:   fields[2],
		ID:         id,
	}, nil
}
