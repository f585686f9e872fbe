package persistence

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/benediktbwimmer/apphub-metastore/platform/go/search"
)

// SearchRecordsParams is a compiled-filter search over the records table.
// Namespace pins the search to one namespace; NamespaceScope (when non-nil)
// additionally restricts rows to an identity's allow-list. A nil Filter
// matches everything in scope.
type SearchRecordsParams struct {
	Namespace      string
	NamespaceScope []string
	Filter         *search.Filter
	Sort           []search.SortField
	Limit          int
	Offset         int
	IncludeDeleted bool
}

// SearchRecordsResult carries one result page and the total match count,
// obtained through a window function in the same query.
type SearchRecordsResult struct {
	Records []Record
	Total   int64
}

// SearchRecords compiles the filter into parameterised SQL and executes it.
// User-supplied values only ever travel in the argument vector.
func (s *RecordStore) SearchRecords(ctx context.Context, params SearchRecordsParams) (SearchRecordsResult, error) {
	var (
		conds []string
		args  []any
	)
	placeholder := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if params.Namespace != "" {
		conds = append(conds, "r.namespace = "+placeholder(params.Namespace))
	}
	if params.NamespaceScope != nil {
		conds = append(conds, "LOWER(r.namespace) = ANY("+placeholder(params.NamespaceScope)+"::text[])")
	}
	if !params.IncludeDeleted {
		conds = append(conds, "r.deleted_at IS NULL")
	}

	if params.Filter != nil {
		fragment, filterArgs, err := search.Compile(params.Filter, len(args))
		if err != nil {
			return SearchRecordsResult{}, err
		}
		conds = append(conds, fragment)
		args = append(args, filterArgs...)
	}

	query := "SELECT " + recordColumns + ", COUNT(*) OVER() AS total FROM records r"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY " + search.OrderBy(params.Sort)
	query += " LIMIT " + placeholder(params.Limit) + " OFFSET " + placeholder(params.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return SearchRecordsResult{}, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()

	result := SearchRecordsResult{Records: []Record{}}
	for rows.Next() {
		record, total, err := scanRecordWithTotal(rows)
		if err != nil {
			return SearchRecordsResult{}, fmt.Errorf("scan search row: %w", err)
		}
		result.Total = total
		result.Records = append(result.Records, record)
	}
	if err := rows.Err(); err != nil {
		return SearchRecordsResult{}, fmt.Errorf("search records: %w", err)
	}
	return result, nil
}

func scanRecordWithTotal(scanner rowScanner) (Record, int64, error) {
	var (
		record   Record
		metadata []byte
		total    int64
	)
	if err := scanner.Scan(
		&record.ID,
		&record.Namespace,
		&record.Key,
		&metadata,
		&record.Tags,
		&record.Owner,
		&record.SchemaHash,
		&record.Version,
		&record.CreatedAt,
		&record.UpdatedAt,
		&record.DeletedAt,
		&record.CreatedBy,
		&record.UpdatedBy,
		&total,
	); err != nil {
		return Record{}, 0, err
	}
	if err := decodeRecordJSON(&record, metadata); err != nil {
		return Record{}, 0, err
	}
	return record, total, nil
}
