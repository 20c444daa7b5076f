package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mlground/onboard/internal/models"
)

// encodeStateBlobs marshals the collected-fields map and OTP record for the
// SQL backends. An absent OTP record becomes a NULL column.
func encodeStateBlobs(state *models.UserState) (string, interface{}, error) {
	collectedJSON := "{}"
	if len(state.Collected) > 0 {
		raw, err := json.Marshal(state.Collected)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal collected fields: %w", err)
		}
		collectedJSON = string(raw)
	}

	if state.OTP == nil {
		return collectedJSON, nil, nil
	}
	raw, err := json.Marshal(state.OTP)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal OTP record: %w", err)
	}
	return collectedJSON, string(raw), nil
}

// scanUserState scans a user state from a single sql.Row, decoding the JSON
// blob columns. Returns sql.ErrNoRows unchanged for the caller to map.
func scanUserState(row *sql.Row) (*models.UserState, error) {
	var state models.UserState
	var step string
	var collectedJSON string
	var otpJSON sql.NullString

	err := row.Scan(&state.UserID, &step, &collectedJSON, &otpJSON,
		&state.Version, &state.CreatedAt, &state.UpdatedAt)
	if err != nil {
		return nil, err
	}
	state.CurrentStep = models.WorkflowStep(step)
	if !models.IsValidStep(state.CurrentStep) {
		return nil, fmt.Errorf("unknown workflow step in stored state: %q", step)
	}

	state.Collected = make(map[models.Field]string)
	if collectedJSON != "" {
		if err := json.Unmarshal([]byte(collectedJSON), &state.Collected); err != nil {
			return nil, fmt.Errorf("failed to unmarshal collected fields: %w", err)
		}
	}

	if otpJSON.Valid && otpJSON.String != "" {
		var record models.OTPRecord
		if err := json.Unmarshal([]byte(otpJSON.String), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal OTP record: %w", err)
		}
		state.OTP = &record
	}
	return &state, nil
}
