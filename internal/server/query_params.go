package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/creditrail/creditrail/pkg/db/pagination"
)

const (
	dateOnlyLayout  = "2006-01-02"
	defaultPageSize = 20
	maxPageSize     = 100
)

func parsePageSize(value string) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultPageSize, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid_page_size")
	}
	if parsed > maxPageSize {
		parsed = maxPageSize
	}
	return parsed, nil
}

func paginationFromQuery(c *gin.Context, pageSize int) pagination.Pagination {
	return pagination.Pagination{
		PageToken: strings.TrimSpace(c.Query("page_token")),
		PageSize:  pageSize,
	}
}

// parseDateRange resolves a [start, end) window from query values.
// With both values absent it covers the current calendar month up to now.
func parseDateRange(startValue, endValue string) (time.Time, time.Time, error) {
	now := time.Now().UTC()

	start, err := parseOptionalTime(startValue, false)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseOptionalTime(endValue, true)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	if start == nil {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		start = &monthStart
	}
	if end == nil {
		end = &now
	}
	if !end.After(*start) {
		return time.Time{}, time.Time{}, errors.New("invalid_date_range")
	}
	return *start, *end, nil
}

func parseOptionalBool(value string) (*bool, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseOptionalInt64(value string) (*int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseOptionalTime(value string, endOfDay bool) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		parsed = parsed.UTC()
		return &parsed, nil
	}
	if parsed, err := time.Parse(dateOnlyLayout, trimmed); err == nil {
		if endOfDay {
			parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
		} else {
			parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC)
		}
		return &parsed, nil
	}
	return nil, errors.New("invalid_time")
}
