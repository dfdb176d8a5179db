package table

import (
	"errors"
	"fmt"
)

// DefaultPageSize is the page size of a new table.
const DefaultPageSize = 10

// PageSizes lists the selectable page sizes.
var PageSizes = []int{5, 10, 20, 50}

// ErrInvalidPageSize is returned for a page size outside PageSizes.
var ErrInvalidPageSize = errors.New("invalid page size")

// Pagination holds the zero-based page index and the page size.
type Pagination struct {
	Index int
	Size  int
}

// NewPagination returns the first page at the default size.
func NewPagination() Pagination {
	return Pagination{Index: 0, Size: DefaultPageSize}
}

// ValidPageSize reports whether size is one of PageSizes.
func ValidPageSize(size int) bool {
	for _, s := range PageSizes {
		if s == size {
			return true
		}
	}
	return false
}

// PageCount returns ceil(total / size).
func PageCount(total, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

// Clamp keeps the index inside [0, max(pageCount-1, 0)] for total rows.
func (p Pagination) Clamp(total int) Pagination {
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	last := PageCount(total, p.Size) - 1
	if p.Index > last {
		p.Index = last
	}
	if p.Index < 0 {
		p.Index = 0
	}
	return p
}

// WithSize changes the page size and clamps the index. Nothing else changes.
func (p Pagination) WithSize(size, total int) (Pagination, error) {
	if !ValidPageSize(size) {
		return p, fmt.Errorf("%w: %d", ErrInvalidPageSize, size)
	}
	p.Size = size
	return p.Clamp(total), nil
}

// CanPrevious reports whether a previous page exists.
func (p Pagination) CanPrevious() bool {
	return p.Index > 0
}

// CanNext reports whether a next page exists for total rows.
func (p Pagination) CanNext(total int) bool {
	return p.Index+1 < PageCount(total, p.Size)
}

// Next moves one page forward. It is a no-op on the last page.
func (p Pagination) Next(total int) Pagination {
	if p.CanNext(total) {
		p.Index++
	}
	return p
}

// Previous moves one page back. It is a no-op on the first page.
func (p Pagination) Previous() Pagination {
	if p.CanPrevious() {
		p.Index--
	}
	return p
}

// Bounds returns the half-open slice range of the current page.
func (p Pagination) Bounds(total int) (int, int) {
	p = p.Clamp(total)
	start := p.Index * p.Size
	if start > total {
		start = total
	}
	end := start + p.Size
	if end > total {
		end = total
	}
	return start, end
}
