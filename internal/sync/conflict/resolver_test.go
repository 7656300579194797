package conflict

import (
	"testing"

	"github.com/codetaoist/taishanglaojun/internal/config"
	"github.com/codetaoist/taishanglaojun/internal/models"
)

func record(deviceID string, ts int64) *models.SyncRecord {
	return &models.SyncRecord{
		ID:        "rec-" + models.UUID(deviceID),
		UserID:    "user-1",
		DeviceID:  deviceID,
		DataType:  models.DataTypeChatMessage,
		Operation: models.OperationUpdate,
		DataID:    "doc-1",
		DataHash:  "h",
		Timestamp: ts,
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		local    *models.SyncRecord
		remote   *models.SyncRecord
		wantType models.ConflictType
		want     bool
	}{
		{
			name:  "nil records never conflict",
			local: nil, remote: record("dev-b", 2),
			want: false,
		},
		{
			name:  "same device never conflicts",
			local: record("dev-a", 1), remote: record("dev-a", 2),
			want: false,
		},
		{
			name:  "concurrent updates",
			local: record("dev-a", 1), remote: record("dev-b", 2),
			wantType: models.ConflictTypeDataModified, want: true,
		},
		{
			name:  "delete vs update",
			local: record("dev-a", 1), remote: record("dev-b", 2),
			wantType: models.ConflictTypeDataDeleted, want: true,
		},
		{
			name:  "different entities",
			local: record("dev-a", 1), remote: record("dev-b", 2),
			want: false,
		},
	}
	tests[3].remote.Operation = models.OperationDelete
	tests[4].remote.DataID = "doc-2"

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotType, got := Detect(tt.local, tt.remote)
			if got != tt.want {
				t.Fatalf("Detect() = %v, want %v", got, tt.want)
			}
			if got && gotType != tt.wantType {
				t.Errorf("conflict type = %s, want %s", gotType, tt.wantType)
			}
		})
	}
}

func TestLastWriteWins(t *testing.T) {
	r := NewResolver(config.PolicyLastWriteWins, "", nil, nil)

	local := record("dev-a", 100)
	remote := record("dev-b", 200)

	res, err := r.Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Winner != remote || res.Outcome != OutcomeRemoteWins {
		t.Errorf("winner = %s (%s), want remote", res.Winner.DeviceID, res.Outcome)
	}
	if !res.Conflict.Resolved {
		t.Error("automatic resolution must produce a resolved conflict entry")
	}
}

func TestLastWriteWinsTieBreak(t *testing.T) {
	r := NewResolver(config.PolicyLastWriteWins, "", nil, nil)

	a := record("dev-a", 100)
	b := record("dev-b", 100)

	// The lexically greater device id wins an exact timestamp tie,
	// regardless of which side is "local".
	res1, err := r.Resolve(a, b)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	res2, err := r.Resolve(b, a)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res1.Winner.DeviceID != "dev-b" || res2.Winner.DeviceID != "dev-b" {
		t.Errorf("tie-break winners = %s, %s; want dev-b both ways",
			res1.Winner.DeviceID, res2.Winner.DeviceID)
	}
}

func TestFirstWriteWins(t *testing.T) {
	r := NewResolver(config.PolicyFirstWriteWins, "", nil, nil)

	local := record("dev-a", 100)
	remote := record("dev-b", 200)

	res, err := r.Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Winner != local || res.Outcome != OutcomeLocalWins {
		t.Errorf("winner = %s (%s), want local", res.Winner.DeviceID, res.Outcome)
	}
}

func TestDevicePriority(t *testing.T) {
	types := map[string]models.DeviceType{
		"dev-desktop": models.DeviceTypeDesktop,
		"dev-phone":   models.DeviceTypeMobile,
		"dev-phone-2": models.DeviceTypeMobile,
	}
	lookup := func(id string) models.DeviceType { return types[id] }
	r := NewResolver(config.PolicyDevicePriority, models.DeviceTypeDesktop, lookup, nil)

	// Preferred device wins even with the older timestamp
	res, err := r.Resolve(record("dev-desktop", 100), record("dev-phone", 200))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Winner.DeviceID != "dev-desktop" {
		t.Errorf("winner = %s, want dev-desktop", res.Winner.DeviceID)
	}

	// Neither side preferred: falls back to last-write-wins
	res, err = r.Resolve(record("dev-phone", 100), record("dev-phone-2", 200))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Winner.DeviceID != "dev-phone-2" {
		t.Errorf("fallback winner = %s, want dev-phone-2", res.Winner.DeviceID)
	}
	if res.Policy != config.PolicyDevicePriority {
		t.Errorf("policy = %s, want device_priority", res.Policy)
	}
}

func TestManualProducesUnresolvedConflict(t *testing.T) {
	r := NewResolver(config.PolicyManual, "", nil, nil)

	res, err := r.Resolve(record("dev-a", 100), record("dev-b", 200))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Winner != nil {
		t.Errorf("manual resolution must not pick a winner, got %s", res.Winner.DeviceID)
	}
	if res.Outcome != OutcomeManualReview {
		t.Errorf("outcome = %s, want manual review", res.Outcome)
	}
	if res.Conflict == nil || res.Conflict.Resolved {
		t.Error("manual resolution must produce an unresolved conflict entry")
	}
}

type concatMerger struct{}

func (concatMerger) Merge(local, remote *models.SyncRecord) (*models.SyncRecord, bool) {
	merged := *local
	merged.DataHash = local.DataHash + "+" + remote.DataHash
	return &merged, true
}

type refusingMerger struct{}

func (refusingMerger) Merge(local, remote *models.SyncRecord) (*models.SyncRecord, bool) {
	return nil, false
}

func TestMergePolicy(t *testing.T) {
	r := NewResolver(config.PolicyMerge, "", nil, concatMerger{})

	local := record("dev-a", 100)
	local.DataHash = "ha"
	remote := record("dev-b", 200)
	remote.DataHash = "hb"

	res, err := r.Resolve(local, remote)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Outcome != OutcomeMerged || res.Merged == nil {
		t.Fatalf("outcome = %s, want merged", res.Outcome)
	}
	if res.Merged.DataHash != "ha+hb" {
		t.Errorf("merged hash = %s, want ha+hb", res.Merged.DataHash)
	}
}

func TestMergeFallsBackToLastWriteWins(t *testing.T) {
	for _, r := range []*Resolver{
		NewResolver(config.PolicyMerge, "", nil, refusingMerger{}),
		NewResolver(config.PolicyMerge, "", nil, nil),
	} {
		res, err := r.Resolve(record("dev-a", 100), record("dev-b", 200))
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if res.Winner == nil || res.Winner.DeviceID != "dev-b" {
			t.Errorf("fallback winner missing or wrong")
		}
		if res.Policy != config.PolicyMerge {
			t.Errorf("policy = %s, want merge", res.Policy)
		}
	}
}

func TestResolveValidation(t *testing.T) {
	r := NewResolver(config.PolicyLastWriteWins, "", nil, nil)

	if _, err := r.Resolve(nil, record("dev-b", 1)); err != ErrInvalidConflict {
		t.Errorf("nil local: got %v, want ErrInvalidConflict", err)
	}

	other := record("dev-b", 1)
	other.DataID = "doc-2"
	if _, err := r.Resolve(record("dev-a", 1), other); err != ErrEntityMismatch {
		t.Errorf("entity mismatch: got %v, want ErrEntityMismatch", err)
	}
}

func TestResolveMultiple(t *testing.T) {
	r := NewResolver(config.PolicyLastWriteWins, "", nil, nil)

	pairs := [][2]*models.SyncRecord{
		{record("dev-a", 100), record("dev-b", 200)},
		{record("dev-a", 300), record("dev-b", 200)},
	}
	results, err := r.ResolveMultiple(pairs)
	if err != nil {
		t.Fatalf("ResolveMultiple failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Outcome != OutcomeRemoteWins || results[1].Outcome != OutcomeLocalWins {
		t.Errorf("outcomes = %s, %s", results[0].Outcome, results[1].Outcome)
	}
}
