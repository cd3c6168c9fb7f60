package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmehdipour/feedback-gateway/internal/model"
)

// WriteChange records an issue change in the outbox through st, so it commits
// together with the mutation it describes when st is transactional.
func WriteChange(ctx context.Context, st Store, topic string, change model.IssueChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	return st.InsertOutbox(ctx, change.IssueID, topic, payload)
}
