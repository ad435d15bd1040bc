package shared

import "math"

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// PageRequest describes the requested window of a listing.
type PageRequest struct {
	Page     int
	PageSize int
}

// Normalize applies defaults and bounds.
func (p PageRequest) Normalize() PageRequest {
	if p.PageSize <= 0 {
		p.PageSize = defaultPageSize
	}
	if p.PageSize > maxPageSize {
		p.PageSize = maxPageSize
	}
	if p.Page <= 0 {
		p.Page = 1
	}
	return p
}

// Offset returns the row offset for the page.
func (p PageRequest) Offset() int {
	n := p.Normalize()
	return (n.Page - 1) * n.PageSize
}

// Limit returns the row limit for the page.
func (p PageRequest) Limit() int {
	return p.Normalize().PageSize
}

// Page is a window of results plus the total row count.
type Page[T any] struct {
	Request PageRequest
	Count   int
	Results []T
}

// TotalPages computes the number of pages for the result count.
func (p Page[T]) TotalPages() int {
	req := p.Request.Normalize()
	return int(math.Ceil(float64(p.Count) / float64(req.PageSize)))
}

// HasNext reports whether another page follows.
func (p Page[T]) HasNext() bool {
	return p.Request.Normalize().Page < p.TotalPages()
}

// HasPrevious reports whether a page precedes this one.
func (p Page[T]) HasPrevious() bool {
	return p.Request.Normalize().Page > 1
}
