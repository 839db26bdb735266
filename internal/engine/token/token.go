// Package token implements the token manager (spec §4.4): allocation of
// opaque, run-unique token IDs, and the fork/resume rules that keep a
// token's row payload correctly attached to its lineage in the Landscape.
package token

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// RowData is the payload a token carries as it moves through the pipeline:
// the decoded source row, mutated by each transform it passes through.
type RowData map[string]any

// Token is a row-in-flight: either the root token of a row, or a fork/merge
// child created along the way. It mirrors landscape.Token plus the
// in-memory row payload the Landscape itself never stores.
type Token struct {
	TokenID       string
	RowID         string
	ParentTokenID *string
	BranchName    *string
	RowData       RowData
}

// Manager allocates token IDs and builds new Token values. It holds no
// state of its own — token identity and ownership live in the orchestrator
// and the Landscape, not here — so a single Manager can be shared freely
// across goroutines.
type Manager struct{}

// NewManager constructs a token Manager.
func NewManager() *Manager {
	return &Manager{}
}

// CreateInitialToken creates the root token for a freshly admitted row:
// parent_token_id is NULL and branch_name is unset.
func (m *Manager) CreateInitialToken(rowID string, rowData RowData) *Token {
	return &Token{
		TokenID: newTokenID(),
		RowID:   rowID,
		RowData: rowData,
	}
}

// ForkToken creates a child token for branchName, deep-copying the
// parent's row data so the fork and its siblings can each mutate their own
// copy without interfering with one another or with the parent.
func (m *Manager) ForkToken(parent *Token, branchName string) (*Token, error) {
	copied, err := deepCopy(parent.RowData)
	if err != nil {
		return nil, fmt.Errorf("token: fork: %w", err)
	}

	parentID := parent.TokenID
	branch := branchName

	return &Token{
		TokenID:       newTokenID(),
		RowID:         parent.RowID,
		ParentTokenID: &parentID,
		BranchName:    &branch,
		RowData:       copied,
	}, nil
}

// CreateForExistingRow makes a new root token for a previously recorded
// row. Used at resume-time: the row already exists in the Landscape, but a
// new token_id is required so the new attempt's NodeState rows don't
// collide with the prior run's (token_id, node_id, attempt) rows.
func (m *Manager) CreateForExistingRow(rowID string, rowData RowData) *Token {
	return m.CreateInitialToken(rowID, rowData)
}

func newTokenID() string {
	return uuid.NewString()
}

// deepCopy clones row data via a JSON round-trip. RowData values only ever
// hold JSON-representable data (they are decoded from source rows and
// re-encoded via the canonical hasher before being persisted), so this is
// both correct and avoids a hand-rolled reflective copier.
func deepCopy(data RowData) (RowData, error) {
	if data == nil {
		return nil, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("token: deep copy: marshal: %w", err)
	}

	out := make(RowData, len(data))
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("token: deep copy: unmarshal: %w", err)
	}

	return out, nil
}
