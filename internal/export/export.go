// Package export renders lead lists as spreadsheets.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/leadfoundry/internal/model"
)

// SheetName is the single worksheet written by WriteXLSX.
const SheetName = "Leads"

const (
	minColWidth = 10
	maxColWidth = 80
)

// textColumns hold values Excel would otherwise coerce into numbers.
var textColumns = map[string]bool{"mail": true, "phone_number": true}

// Columns returns the header row for a lead list: the known keys, then
// every extra key in sorted order, then one source_url_N column per
// source reference of the widest lead.
func Columns(leads []model.Lead) []string {
	extras := make(map[string]struct{})
	maxSources := 0
	for _, l := range leads {
		for k := range l.Extra {
			extras[k] = struct{}{}
		}
		if n := len(l.SourceURLs); n > maxSources {
			maxSources = n
		}
	}

	cols := append([]string(nil), model.LeadKeys...)
	keys := make([]string, 0, len(extras))
	for k := range extras {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cols = append(cols, keys...)
	for i := 1; i <= maxSources; i++ {
		cols = append(cols, "source_url_"+strconv.Itoa(i))
	}
	return cols
}

// WriteXLSX writes leads to path as a single-sheet workbook. The file is
// written to a temporary name first and renamed into place.
func WriteXLSX(leads []model.Lead, path string) error {
	cols := Columns(leads)

	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	widths := make([]int, len(cols))
	header := sheet.AddRow()
	for i, c := range cols {
		header.AddCell().SetString(c)
		widths[i] = utf8.RuneCountInString(c)
	}

	for _, l := range leads {
		row := sheet.AddRow()
		for i, c := range cols {
			v := cellValue(&l, c)
			cell := row.AddCell()
			if isURL(v) {
				cell.SetFormula(hyperlink(v))
			} else {
				cell.SetString(v)
			}
			if textColumns[c] {
				cell.NumFmt = "@"
			}
			if n := utf8.RuneCountInString(v); n > widths[i] {
				widths[i] = n
			}
		}
	}

	for i, w := range widths {
		sheet.SetColWidth(i, i, float64(colWidth(w))) //nolint:errcheck
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "export: create output dir")
	}
	tmp := path + ".tmp"
	if err := f.Save(tmp); err != nil {
		_ = os.Remove(tmp)
		return eris.Wrap(err, "export: save workbook")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return eris.Wrap(err, "export: rename workbook")
	}
	return nil
}

func cellValue(l *model.Lead, col string) string {
	if v, ok := l.Get(col); ok {
		return v
	}
	if strings.HasPrefix(col, "source_url_") {
		idx, err := strconv.Atoi(strings.TrimPrefix(col, "source_url_"))
		if err == nil && idx >= 1 && idx <= len(l.SourceURLs) {
			return l.SourceURLs[idx-1]
		}
		return ""
	}
	v, ok := l.Extra[col]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return stringify(v)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, stringify(p))
		}
		return strings.Join(parts, ", ")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func colWidth(n int) int {
	w := n + 2
	if w < minColWidth {
		w = minColWidth
	}
	if w > maxColWidth {
		w = maxColWidth
	}
	return w
}

func isURL(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}

func hyperlink(u string) string {
	q := strings.ReplaceAll(u, `"`, `""`)
	return `HYPERLINK("` + q + `","` + q + `")`
}
