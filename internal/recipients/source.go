package recipients

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrSourceUnavailable is returned when a recipient list cannot be read.
// It is fatal to the command that asked for the list, not to the process.
var ErrSourceUnavailable = errors.New("recipient source unavailable")

var listExts = map[string]bool{".txt": true, ".csv": true, ".xlsx": true}

// Load reads raw entries from a contact list. Supported formats:
//   - .txt: one entry per line
//   - .csv: first column of every row
//   - .xlsx: first column of the first sheet
//
// Entries are returned untrimmed; pass them through Normalize.
func Load(path string) ([]string, error) {
	var (
		lines []string
		err   error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		lines, err = loadCSV(path)
	case ".xlsx":
		lines, err = loadXLSX(path)
	default:
		lines, err = loadText(path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, path, err)
	}
	return lines, nil
}

// ListSources returns the contact list file names found in dir, sorted.
func ListSources(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, dir, err)
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if listExts[strings.ToLower(filepath.Ext(e.Name()))] {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func loadText(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out, sc.Err()
}

func loadCSV(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	var out []string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) > 0 {
			out = append(out, rec[0])
		}
	}
	return out, nil
}

func loadXLSX(path string) ([]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if len(row) > 0 {
			out = append(out, row[0])
		}
	}
	return out, nil
}
