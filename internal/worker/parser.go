package worker

import (
	"fmt"
	"strings"
)

// ParseRecords splits raw file content into data records. The first line is
// a header and is always skipped; blank lines are ignored; each remaining
// line is split into fields by the profile's delimiter.
//
// This is the stand-in for real template rendering: a format-specific parser
// can replace it as long as the record count it reports stays deterministic.
func ParseRecords(content, delimiter string) [][]string {
	if delimiter == "" {
		delimiter = ","
	}
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")

	records := make([][]string, 0, len(lines))
	for i, line := range lines {
		if i == 0 {
			continue // header
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		records = append(records, strings.Split(line, delimiter))
	}
	return records
}

// RenderOutput produces the processed artifact: one output document line per
// record. Real PCL generation would replace this body.
func RenderOutput(records [][]string) []byte {
	var b strings.Builder
	for i, rec := range records {
		fmt.Fprintf(&b, "DOC %06d %s\n", i+1, strings.Join(rec, " | "))
	}
	return []byte(b.String())
}
