package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/DataWeave/TaskPipe/internal/models"
)

// encodeConsensus serializes a consensus document for storage.
func encodeConsensus(c *models.Consensus) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode consensus %s: %w", c.ID, err)
	}
	return string(data), nil
}

// decodeConsensus deserializes a stored consensus document.
func decodeConsensus(docJSON string) (*models.Consensus, error) {
	var c models.Consensus
	if err := json.Unmarshal([]byte(docJSON), &c); err != nil {
		return nil, fmt.Errorf("failed to decode consensus document: %w", err)
	}
	return &c, nil
}

// scanHistory scans dialog history rows, oldest first.
func scanHistory(rows *sql.Rows) ([]models.HistoryEntry, error) {
	var out []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		if err := rows.Scan(&e.UserID, &e.Role, &e.Content, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history rows: %w", err)
	}
	return out, nil
}

// boolToInt converts a bool for SQLite integer columns.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
