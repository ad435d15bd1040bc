package httpx

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// ListResponse is the paginated envelope consumed by the admin UI.
type ListResponse[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

// ParsePage reads page and page_size query parameters.
func ParsePage(r *http.Request) (shared.PageRequest, error) {
	var req shared.PageRequest
	q := r.URL.Query()
	if v := strings.TrimSpace(q.Get("page")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return req, shared.NewValidationError("page", "must be a positive integer")
		}
		req.Page = n
	}
	if v := strings.TrimSpace(q.Get("page_size")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return req, shared.NewValidationError("page_size", "must be a positive integer")
		}
		req.PageSize = n
	}
	return req.Normalize(), nil
}

// WritePage renders the page with next/previous links built from the request URL.
func WritePage[T any](w http.ResponseWriter, r *http.Request, page shared.Page[T]) {
	req := page.Request.Normalize()
	results := page.Results
	if results == nil {
		results = []T{}
	}
	resp := ListResponse[T]{Count: page.Count, Results: results}
	if page.HasNext() {
		link := pageLink(r, req.Page+1, req.PageSize)
		resp.Next = &link
	}
	if page.HasPrevious() {
		link := pageLink(r, req.Page-1, req.PageSize)
		resp.Previous = &link
	}
	JSON(w, http.StatusOK, resp)
}

func pageLink(r *http.Request, page, size int) string {
	u := url.URL{Path: r.URL.Path}
	q := r.URL.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(size))
	u.RawQuery = q.Encode()
	return u.String()
}

// QueryInt64 parses an optional int64 query parameter.
func QueryInt64(r *http.Request, name string) (int64, bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, false, shared.NewValidationError(name, "must be a positive integer")
	}
	return v, true, nil
}

// QueryBool parses an optional boolean query parameter.
func QueryBool(r *http.Request, name string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, shared.NewValidationError(name, "must be a boolean")
	}
	return v, nil
}

// QueryOptionalBool parses a boolean query parameter, returning nil when absent.
func QueryOptionalBool(r *http.Request, name string) (*bool, error) {
	if strings.TrimSpace(r.URL.Query().Get(name)) == "" {
		return nil, nil
	}
	v, err := QueryBool(r, name)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
