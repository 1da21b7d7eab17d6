package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/issuebridge/issuebridge/internal/storage"
	"github.com/issuebridge/issuebridge/internal/types"
)

// maxLineBytes bounds one JSONL row.
const maxLineBytes = 1 << 20

// Row is one line of an import file: the natural key plus the fields.
type Row struct {
	SerialNumber string `json:"serial_number"`
	ProjectName  string `json:"project_name"`
	Fields
}

// Key returns the row's natural key.
func (r Row) Key() types.NaturalKey {
	return types.NaturalKey{SerialNumber: r.SerialNumber, ProjectName: r.ProjectName}
}

// LineError is a row that could not be imported.
type LineError struct {
	Line int    `json:"line"`
	Key  string `json:"key,omitempty"`
	Err  string `json:"error"`
}

// ImportResult summarizes an import.
type ImportResult struct {
	Inserted  int         `json:"inserted"`
	Updated   int         `json:"updated"`
	Unchanged int         `json:"unchanged"`
	Enqueued  int         `json:"enqueued"`
	Errors    []LineError `json:"errors,omitempty"`
}

// ImportJSONL upserts every row of r. Bad rows are collected in the
// result and the import continues; a read error or a cancelled context
// stops it.
func (s *Service) ImportJSONL(ctx context.Context, r io.Reader) (*ImportResult, error) {
	res := &ImportResult{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		var row Row
		if err := json.Unmarshal(line, &row); err != nil {
			res.Errors = append(res.Errors, LineError{Line: lineNum, Err: fmt.Sprintf("parse: %v", err)})
			continue
		}
		out, err := s.UpsertRecord(ctx, row.Key(), row.Fields)
		if out != nil {
			res.count(out)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return res, err
			}
			res.Errors = append(res.Errors, LineError{Line: lineNum, Key: row.Key().String(), Err: err.Error()})
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("read input: %w", err)
	}
	s.log.Info("import finished",
		"inserted", res.Inserted, "updated", res.Updated, "unchanged", res.Unchanged,
		"enqueued", res.Enqueued, "errors", len(res.Errors))
	return res, nil
}

func (r *ImportResult) count(out *Outcome) {
	switch out.Result {
	case storage.UpsertInserted:
		r.Inserted++
	case storage.UpsertUpdated:
		r.Updated++
	case storage.UpsertUnchanged:
		r.Unchanged++
	}
	if out.Item != nil {
		r.Enqueued++
	}
}
