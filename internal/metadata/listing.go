package metadata

import "github.com/MarcoPoloResearchLab/classbook/backend/internal/failure"

// MaxPageLimit caps the page size a caller may request.
const MaxPageLimit = 100

// Page selects a slice of a loaded collection. Limit 0 means all entries.
type Page struct {
	Page  int
	Limit int
}

// Listing is one page of a collection.
type Listing[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// Normalize validates page and fills defaults.
func (p Page) Normalize() (Page, error) {
	if p.Page < 0 {
		return Page{}, failure.Invalid("page", "page must be positive")
	}
	if p.Limit < 0 {
		return Page{}, failure.Invalid("limit", "limit must not be negative")
	}
	if p.Page == 0 {
		p.Page = 1
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p, nil
}

// Paginate slices entries for page. Pages past the end are empty.
func Paginate[T any](entries []T, page Page) (Listing[T], error) {
	normalized, err := page.Normalize()
	if err != nil {
		return Listing[T]{}, err
	}
	total := len(entries)
	listing := Listing[T]{Total: total, Page: normalized.Page, Limit: normalized.Limit}
	if normalized.Limit == 0 {
		if normalized.Page > 1 {
			listing.Data = []T{}
			return listing, nil
		}
		listing.Data = entries
		return listing, nil
	}
	start := (normalized.Page - 1) * normalized.Limit
	if start >= total {
		listing.Data = []T{}
		return listing, nil
	}
	end := start + normalized.Limit
	if end > total {
		end = total
	}
	listing.Data = entries[start:end]
	return listing, nil
}

// DeleteOutcome reports a removed entry and what happened to its object.
type DeleteOutcome struct {
	Key           string
	ObjectPath    string
	ObjectRemoved bool
	ObjectErr     error
}

// Partial reports whether the entry is gone but its object may remain.
func (o DeleteOutcome) Partial() bool {
	return !o.ObjectRemoved
}
