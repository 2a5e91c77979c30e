package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"

	"github.com/greyhaven/tenon/pkg/apperr"
)

// csvHeader is the column order for CSV exports.
var csvHeader = []string{
	"Timestamp", "User ID", "Organization ID", "Action", "Resource Type",
	"Resource ID", "IP Address", "User Agent", "Severity", "Metadata",
}

// exportPageSize is the page size used when draining entries for export.
const exportPageSize = 500

// ExportAuditLogs renders the entries matching the filter in the requested
// format. Export goes through the same query path as GetAuditLogs but is
// never truncated: it walks every page the filter matches, so a JSON export
// decodes back to the full result set.
func (s *Service) ExportAuditLogs(ctx context.Context, filter Filter, format ExportFormat) ([]byte, error) {
	filter.Limit = exportPageSize
	filter.Offset = 0

	entries := make([]*Entry, 0, exportPageSize)
	for {
		page, err := s.GetAuditLogs(ctx, filter)
		if err != nil {
			return nil, err
		}
		entries = append(entries, page.Logs...)
		if !page.HasMore || len(page.Logs) == 0 {
			break
		}
		filter.Offset += len(page.Logs)
	}

	switch format {
	case ExportFormatJSON:
		return exportJSON(entries)
	case ExportFormatCSV:
		return exportCSV(entries)
	default:
		return nil, apperr.Validation("unsupported export format: %s", format)
	}
}

func exportJSON(entries []*Entry) ([]byte, error) {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit logs: %w", err)
	}
	return data, nil
}

func exportCSV(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, entry := range entries {
		metadata := ""
		if len(entry.Metadata) > 0 {
			raw, err := json.Marshal(entry.Metadata)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal metadata for entry %s: %w", entry.ID, err)
			}
			metadata = string(raw)
		}
		record := []string{
			entry.CreatedAt.Format(time.RFC3339),
			entry.UserID,
			entry.OrganizationID,
			entry.Action,
			entry.ResourceType,
			entry.ResourceID,
			entry.IPAddress,
			entry.UserAgent,
			string(entry.Severity),
			metadata,
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}
	return buf.Bytes(), nil
}
