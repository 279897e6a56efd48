package reconcile

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	columnEntityID       = "entity_id"
	columnHouseholdCount = "household_count"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ParseCSV validates raw submitted bytes as a household-count CSV and
// returns the ordered, in-file-deduplicated rows. Any failure is a
// *RejectionError; row numbers in rejection reasons are 1-based over data
// rows (the header is not counted).
func ParseCSV(raw []byte) (ParseResult, error) {
	text := decodeTolerant(raw)
	if strings.TrimSpace(text) == "" {
		return ParseResult{}, &RejectionError{Reason: "Your CSV looks empty. Please use the provided template."}
	}

	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return ParseResult{}, &RejectionError{Reason: "Your CSV looks empty. Please use the provided template."}
	}

	entityCol, countCol := -1, -1
	for i, name := range header {
		switch trimmed(name) {
		case columnEntityID:
			entityCol = i
		case columnHouseholdCount:
			countCol = i
		}
	}
	if entityCol < 0 || countCol < 0 {
		missing := make([]string, 0, 2)
		if entityCol < 0 {
			missing = append(missing, columnEntityID)
		}
		if countCol < 0 {
			missing = append(missing, columnHouseholdCount)
		}
		return ParseResult{}, &RejectionError{Reason: fmt.Sprintf(
			"Missing column(s): %s. Use template columns: %s, %s.",
			strings.Join(missing, ", "), columnEntityID, columnHouseholdCount,
		)}
	}

	result := ParseResult{}
	seen := make(map[string]struct{})

	for rowNum := 1; ; rowNum++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ParseResult{}, &RejectionError{Reason: fmt.Sprintf("Row %d: could not be read as CSV.", rowNum)}
		}
		result.RowsTotal++

		entityID := trimmed(fieldAt(record, entityCol))
		if entityID == "" {
			return ParseResult{}, &RejectionError{Reason: fmt.Sprintf("Row %d: %s is empty.", rowNum, columnEntityID)}
		}

		countRaw := trimmed(fieldAt(record, countCol))
		count, err := strconv.ParseInt(countRaw, 10, 64)
		if err != nil {
			return ParseResult{}, &RejectionError{Reason: fmt.Sprintf("Row %d: %s must be a whole number.", rowNum, columnHouseholdCount)}
		}
		if count < 0 {
			return ParseResult{}, &RejectionError{Reason: fmt.Sprintf("Row %d: %s cannot be negative.", rowNum, columnHouseholdCount)}
		}

		// Final policy: an entity repeated inside one file keeps its first
		// occurrence and counts the rest, it does not fail the upload.
		if _, dup := seen[entityID]; dup {
			result.DuplicatesInFile++
			continue
		}
		seen[entityID] = struct{}{}
		result.Rows = append(result.Rows, Row{EntityID: entityID, HouseholdCount: count})
	}

	if len(result.Rows) == 0 {
		return ParseResult{}, &RejectionError{Reason: "No data rows found. Please add at least one EA record."}
	}
	return result, nil
}

// decodeTolerant strips a leading byte-order marker and replaces
// undecodable bytes instead of failing.
func decodeTolerant(raw []byte) string {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	return strings.ToValidUTF8(string(raw), "�")
}

func fieldAt(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return record[i]
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
