// Package table turns records and column definitions into paginated rows for display.
package table

// Tone tells the renderer how to colour a cell.
type Tone int

const (
	// ToneNeutral cells are rendered as plain text.
	ToneNeutral Tone = iota
	// ToneGood marks a passing value (green).
	ToneGood
	// ToneBad marks a failing value (red).
	ToneBad
)

// Class returns the CSS class used by the HTML templates.
func (t Tone) Class() string {
	switch t {
	case ToneGood:
		return "good"
	case ToneBad:
		return "bad"
	default:
		return ""
	}
}

// Cell is one rendered value.
type Cell struct {
	Text string
	Tone Tone
}

// Column describes how to render one field of T.
type Column[T any] struct {
	Cell   func(T) Cell
	ID     string
	Header string
}

// Row is one rendered record.
type Row[T any] struct {
	Record   T
	Key      string
	Cells    []Cell
	Selected bool
}

// Page is the visible slice of a table plus its navigation state.
type Page[T any] struct {
	Headers     []string
	Rows        []Row[T]
	Index       int
	Size        int
	PageCount   int
	Total       int
	CanPrevious bool
	CanNext     bool
}

// Number returns the one-based page number for display.
func (p Page[T]) Number() int {
	return p.Index + 1
}

// Render paginates records and renders the current page.
// key gives each record its identity; the row whose key equals selectedKey is marked selected.
func Render[T any](records []T, columns []Column[T], pg Pagination, key func(T) string, selectedKey string) Page[T] {
	total := len(records)
	pg = pg.Clamp(total)
	pageCount := PageCount(total, pg.Size)

	headers := make([]string, len(columns))
	for i, col := range columns {
		headers[i] = col.Header
	}

	start, end := pg.Bounds(total)
	rows := make([]Row[T], 0, end-start)
	for _, record := range records[start:end] {
		cells := make([]Cell, len(columns))
		for i, col := range columns {
			cells[i] = col.Cell(record)
		}
		k := key(record)
		rows = append(rows, Row[T]{
			Record:   record,
			Key:      k,
			Cells:    cells,
			Selected: selectedKey != "" && k == selectedKey,
		})
	}

	return Page[T]{
		Headers:     headers,
		Rows:        rows,
		Index:       pg.Index,
		Size:        pg.Size,
		PageCount:   pageCount,
		Total:       total,
		CanPrevious: pg.CanPrevious(),
		CanNext:     pg.CanNext(total),
	}
}
