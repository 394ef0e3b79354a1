package tle

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Parse reads 3-line element sets (name, line 1, line 2) from r.
// Blank lines are ignored and the remaining lines are consumed in groups of
// three. A malformed group is skipped with a warning and parsing continues
// with the next group. Featured ids take their name and glyph from featured.
//
// The returned error is non-nil only when r itself fails.
func Parse(r io.Reader, featured Featured, logger *slog.Logger) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n ")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading TLE data: %w", err)
	}

	var records []Record
	for i := 0; i+2 < len(lines); i += 3 {
		name := strings.TrimSpace(lines[i])
		line1 := strings.TrimSpace(lines[i+1])
		line2 := strings.TrimSpace(lines[i+2])

		if !strings.HasPrefix(line2, "2 ") {
			logger.Warn("skipping malformed TLE entry", "line_index", i, "name", name)
			continue
		}

		id, ok := ExtractCatalogID(line1)
		if !ok {
			logger.Warn("skipping TLE entry with invalid catalog id", "line_index", i, "name", name)
			continue
		}

		displayName, glyph := featured.Lookup(id, name)
		rec := Record{
			CatalogID: id,
			Name:      displayName,
			Glyph:     glyph,
			Line1:     line1,
			Line2:     line2,
		}

		// Epoch is informational; a record with an unreadable epoch is still tracked.
		if len(line1) >= 32 {
			if epoch, err := parseEpoch(strings.TrimSpace(line1[18:32])); err == nil {
				rec.Epoch = epoch
			} else {
				logger.Debug("unreadable TLE epoch", "catalog_id", id, "error", err)
			}
		}

		records = append(records, rec)
	}

	if rem := len(lines) % 3; rem != 0 {
		logger.Warn("ignoring trailing partial TLE entry", "lines", rem)
	}

	return records, nil
}

// ExtractCatalogID reads the catalog number from columns 3-7 of line 1.
// The line must start with "1 " and the field must hold only digits,
// optionally space padded, forming a positive integer.
func ExtractCatalogID(line1 string) (int, bool) {
	if !strings.HasPrefix(line1, "1 ") || len(line1) < 7 {
		return 0, false
	}
	field := strings.TrimSpace(line1[2:7])
	if field == "" || strings.IndexFunc(field, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return 0, false
	}
	id, err := strconv.Atoi(field)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// parseEpoch converts a TLE epoch string in YYDDD.DDDDDDDD format to time.Time.
// Year 00-56 → 2000s, 57-99 → 1900s.
func parseEpoch(s string) (time.Time, error) {
	if len(s) < 5 {
		return time.Time{}, fmt.Errorf("epoch string too short: %q", s)
	}

	yearStr := s[:2]
	dayStr := s[2:]

	year, err := strconv.Atoi(yearStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch year %q: %w", yearStr, err)
	}

	if year >= 57 {
		year += 1900
	} else {
		year += 2000
	}

	dayOfYear, err := strconv.ParseFloat(dayStr, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch day %q: %w", dayStr, err)
	}

	// dayOfYear is 1-based: day 1 = Jan 1.
	t := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	return t.Add(time.Duration((dayOfYear - 1) * float64(24*time.Hour))), nil
}
