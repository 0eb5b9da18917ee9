// Package pagination parses pageSize/pageToken query parameters and pages
// through listings that are already sorted by a stable key.
package pagination

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize is used when the client omits pageSize.
	DefaultPageSize = 50
	// DefaultMaxPageSize caps pageSize.
	DefaultMaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Options tunes Parse.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

// Params holds the parsed page request.
type Params struct {
	PageSize  int
	PageToken string
	Cursor    Cursor
}

// Parse reads pageSize and pageToken from values.
func Parse(values url.Values, opts Options) (Params, error) {
	pageSize, err := parsePageSize(values.Get("pageSize"), opts)
	if err != nil {
		return Params{}, err
	}
	params := Params{PageSize: pageSize}

	if raw := strings.TrimSpace(values.Get("pageToken")); raw != "" {
		cursor, err := DecodeToken(raw)
		if err != nil {
			return Params{}, err
		}
		params.PageToken = raw
		params.Cursor = cursor
	}
	return params, nil
}

func parsePageSize(raw string, opts Options) (int, error) {
	maxPageSize := opts.MaxPageSize
	if maxPageSize <= 0 {
		maxPageSize = DefaultMaxPageSize
	}
	defaultPageSize := opts.DefaultPageSize
	if defaultPageSize <= 0 {
		defaultPageSize = DefaultPageSize
	}
	if defaultPageSize > maxPageSize {
		defaultPageSize = maxPageSize
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultPageSize, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
	}
	if value > maxPageSize {
		value = maxPageSize
	}
	return value, nil
}

// Page returns the slice of items after params.Cursor, at most params.PageSize
// long, and the token for the next page. items must be sorted ascending by key.
func Page[T any](items []T, params Params, key func(T) []string) ([]T, string, error) {
	size := params.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	start := 0
	if len(params.Cursor.After) > 0 {
		for start < len(items) && compareKeys(key(items[start]), params.Cursor.After) <= 0 {
			start++
		}
	}
	end := start + size
	if end >= len(items) {
		return items[start:], "", nil
	}
	next, err := EncodeToken(Cursor{After: key(items[end-1])})
	if err != nil {
		return nil, "", err
	}
	return items[start:end], next, nil
}

func compareKeys(a, b []string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := strings.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}
