package sync

import (
	"testing"
	"time"

	"github.com/codetaoist/taishanglaojun/internal/config"
	"github.com/codetaoist/taishanglaojun/internal/db"
	"github.com/codetaoist/taishanglaojun/internal/entity"
	"github.com/codetaoist/taishanglaojun/internal/errors"
	"github.com/codetaoist/taishanglaojun/internal/models"
	"github.com/codetaoist/taishanglaojun/internal/sync/conflict"
	"github.com/codetaoist/taishanglaojun/internal/uuid"
)

func newTestService(t *testing.T, policy config.ConflictPolicy) (*Service, *db.Repository) {
	t.Helper()

	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.Initialize(database.DB); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	repo := db.NewRepository(database.DB)
	cfg := config.Default()
	cfg.ConflictPolicy = policy

	svc := NewService(repo, entity.NewStore(repo), nil, cfg)
	svc.resolver = conflict.NewResolver(policy, "", svc.DeviceTypeOf, nil)
	return svc, repo
}

func registerDevice(t *testing.T, svc *Service, deviceID string) {
	t.Helper()
	err := svc.RegisterDevice(&models.DeviceRecord{
		DeviceID:   deviceID,
		UserID:     "user-1",
		DeviceType: models.DeviceTypeDesktop,
	})
	if err != nil {
		t.Fatalf("failed to register %s: %v", deviceID, err)
	}
}

func TestRegisterDeviceValidation(t *testing.T) {
	svc, _ := newTestService(t, config.PolicyLastWriteWins)

	tests := []struct {
		name   string
		device *models.DeviceRecord
	}{
		{"missing device id", &models.DeviceRecord{UserID: "u", DeviceType: models.DeviceTypeMobile}},
		{"missing user id", &models.DeviceRecord{DeviceID: "d", DeviceType: models.DeviceTypeMobile}},
		{"unknown device type", &models.DeviceRecord{DeviceID: "d", UserID: "u", DeviceType: "toaster"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.RegisterDevice(tt.device); !errors.Is(err, errors.ErrDeviceInvalid) {
				t.Errorf("got %v, want device-invalid", err)
			}
		})
	}
}

func TestRecordChange(t *testing.T) {
	svc, _ := newTestService(t, config.PolicyLastWriteWins)
	registerDevice(t, svc, "dev-1")

	payload := []byte(`{"text":"hello"}`)
	rec, err := svc.RecordChange("user-1", "dev-1", models.DataTypeChatMessage,
		models.OperationCreate, "msg-1", payload)
	if err != nil {
		t.Fatalf("RecordChange failed: %v", err)
	}

	if rec.Version != 1 {
		t.Errorf("version = %d, want 1", rec.Version)
	}
	if rec.DataHash != entity.Hash(payload) {
		t.Errorf("hash = %s, want content hash", rec.DataHash)
	}
	if rec.ID == "" || rec.Timestamp == 0 {
		t.Error("record must get an id and timestamp")
	}

	// The entity store reflects the change
	got, err := svc.GetEntityPayload(models.DataTypeChatMessage, "msg-1")
	if err != nil {
		t.Fatalf("GetEntityPayload failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("stored payload = %s", got)
	}

	// A second change to the same entity advances the version
	rec2, err := svc.RecordChange("user-1", "dev-1", models.DataTypeChatMessage,
		models.OperationUpdate, "msg-1", []byte(`{"text":"edited"}`))
	if err != nil {
		t.Fatalf("second RecordChange failed: %v", err)
	}
	if rec2.Version != 2 {
		t.Errorf("version = %d, want 2", rec2.Version)
	}
}

func TestRecordChangeUnregisteredDevice(t *testing.T) {
	svc, _ := newTestService(t, config.PolicyLastWriteWins)

	_, err := svc.RecordChange("user-1", "ghost", models.DataTypeSettings,
		models.OperationCreate, "s1", []byte(`{}`))
	if !errors.Is(err, errors.ErrDeviceNotFound) {
		t.Errorf("got %v, want device-not-found", err)
	}
}

func TestGetIncrementalSync(t *testing.T) {
	svc, _ := newTestService(t, config.PolicyLastWriteWins)
	registerDevice(t, svc, "dev-a")
	registerDevice(t, svc, "dev-b")

	since := time.Now().UnixNano()
	if _, err := svc.RecordChange("user-1", "dev-a", models.DataTypeSettings,
		models.OperationCreate, "s1", []byte(`{}`)); err != nil {
		t.Fatalf("RecordChange failed: %v", err)
	}
	if _, err := svc.RecordChange("user-1", "dev-b", models.DataTypeSettings,
		models.OperationUpdate, "s2", []byte(`{}`)); err != nil {
		t.Fatalf("RecordChange failed: %v", err)
	}

	// dev-b only sees dev-a's change
	records, err := svc.GetIncrementalSync("user-1", "dev-b", since)
	if err != nil {
		t.Fatalf("GetIncrementalSync failed: %v", err)
	}
	if len(records) != 1 || records[0].DeviceID != "dev-a" {
		t.Fatalf("got %d records, want 1 from dev-a", len(records))
	}

	// Nothing newer than the last record
	records, err = svc.GetIncrementalSync("user-1", "dev-b", time.Now().UnixNano())
	if err != nil {
		t.Fatalf("GetIncrementalSync failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records, want 0", len(records))
	}
}

func TestIncrementalSyncAdvancesWatermark(t *testing.T) {
	svc, _ := newTestService(t, config.PolicyLastWriteWins)
	registerDevice(t, svc, "dev-a")

	before, err := svc.GetDevice("dev-a")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if _, err := svc.GetIncrementalSync("user-1", "dev-a", 0); err != nil {
		t.Fatalf("GetIncrementalSync failed: %v", err)
	}
	after, err := svc.GetDevice("dev-a")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if after.LastSyncAt <= before.LastSyncAt {
		t.Errorf("watermark did not advance: %d -> %d", before.LastSyncAt, after.LastSyncAt)
	}
}

func TestSyncChatMessagesFiltered(t *testing.T) {
	svc, _ := newTestService(t, config.PolicyLastWriteWins)
	registerDevice(t, svc, "dev-a")
	registerDevice(t, svc, "dev-b")

	for _, c := range []struct {
		dataType models.DataType
		dataID   string
	}{
		{models.DataTypeChatMessage, "m1"},
		{models.DataTypeSettings, "s1"},
		{models.DataTypeChatSession, "c1"},
		{models.DataTypeFriend, "f1"},
	} {
		if _, err := svc.RecordChange("user-1", "dev-a", c.dataType,
			models.OperationCreate, c.dataID, []byte(`{}`)); err != nil {
			t.Fatalf("RecordChange %s failed: %v", c.dataID, err)
		}
	}

	chats, err := svc.SyncChatMessages("user-1", "dev-b", 0)
	if err != nil {
		t.Fatalf("SyncChatMessages failed: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("got %d chat records, want 2", len(chats))
	}

	friends, err := svc.SyncFriends("user-1", "dev-b", 0)
	if err != nil {
		t.Fatalf("SyncFriends failed: %v", err)
	}
	if len(friends) != 1 || friends[0].DataID != "f1" {
		t.Fatalf("got %d friend records, want 1 (f1)", len(friends))
	}
}

func remoteRecord(deviceID, dataID string, payload []byte, ts int64) *models.SyncRecord {
	return &models.SyncRecord{
		ID:        models.UUID(uuid.New()),
		UserID:    "user-1",
		DeviceID:  deviceID,
		DataType:  models.DataTypeChatMessage,
		Operation: models.OperationUpdate,
		DataID:    dataID,
		DataHash:  entity.Hash(payload),
		Timestamp: ts,
	}
}

func TestApplyRemoteChangeNoConflict(t *testing.T) {
	svc, _ := newTestService(t, config.PolicyLastWriteWins)
	registerDevice(t, svc, "dev-b")

	payload := []byte(`{"text":"from b"}`)
	rec := remoteRecord("dev-b", "msg-1", payload, time.Now().UnixNano())

	res, err := svc.ApplyRemoteChange(rec, payload)
	if err != nil {
		t.Fatalf("ApplyRemoteChange failed: %v", err)
	}
	if res != nil {
		t.Errorf("expected no resolution for a non-conflicting change, got %s", res.Outcome)
	}

	got, err := svc.GetEntityPayload(models.DataTypeChatMessage, "msg-1")
	if err != nil {
		t.Fatalf("GetEntityPayload failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %s", got)
	}
}

func TestApplyRemoteChangeLastWriteWins(t *testing.T) {
	svc, repo := newTestService(t, config.PolicyLastWriteWins)
	registerDevice(t, svc, "dev-a")
	registerDevice(t, svc, "dev-b")

	localPayload := []byte(`{"text":"local"}`)
	if _, err := svc.RecordChange("user-1", "dev-a", models.DataTypeChatMessage,
		models.OperationUpdate, "msg-1", localPayload); err != nil {
		t.Fatalf("RecordChange failed: %v", err)
	}

	// Remote change is newer, so it wins and replaces the payload
	remotePayload := []byte(`{"text":"remote"}`)
	rec := remoteRecord("dev-b", "msg-1", remotePayload, time.Now().UnixNano()+int64(time.Second))

	res, err := svc.ApplyRemoteChange(rec, remotePayload)
	if err != nil {
		t.Fatalf("ApplyRemoteChange failed: %v", err)
	}
	if res == nil || res.Outcome != conflict.OutcomeRemoteWins {
		t.Fatalf("resolution = %+v, want remote wins", res)
	}

	got, err := svc.GetEntityPayload(models.DataTypeChatMessage, "msg-1")
	if err != nil {
		t.Fatalf("GetEntityPayload failed: %v", err)
	}
	if string(got) != string(remotePayload) {
		t.Errorf("payload = %s, want remote", got)
	}

	// The resolved conflict is retained as audit trail but not left open
	open, err := repo.ListUnresolvedConflicts("user-1")
	if err != nil {
		t.Fatalf("ListUnresolvedConflicts failed: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("got %d open conflicts, want 0", len(open))
	}
}

func TestApplyRemoteChangeLoserNotApplied(t *testing.T) {
	svc, _ := newTestService(t, config.PolicyLastWriteWins)
	registerDevice(t, svc, "dev-a")
	registerDevice(t, svc, "dev-b")

	localPayload := []byte(`{"text":"local"}`)
	localRec, err := svc.RecordChange("user-1", "dev-a", models.DataTypeChatMessage,
		models.OperationUpdate, "msg-1", localPayload)
	if err != nil {
		t.Fatalf("RecordChange failed: %v", err)
	}

	// Remote change is older than the local one: journaled, not applied
	remotePayload := []byte(`{"text":"stale"}`)
	rec := remoteRecord("dev-b", "msg-1", remotePayload, localRec.Timestamp-int64(time.Second))

	res, err := svc.ApplyRemoteChange(rec, remotePayload)
	if err != nil {
		t.Fatalf("ApplyRemoteChange failed: %v", err)
	}
	if res == nil || res.Outcome != conflict.OutcomeLocalWins {
		t.Fatalf("resolution = %+v, want local wins", res)
	}

	got, err := svc.GetEntityPayload(models.DataTypeChatMessage, "msg-1")
	if err != nil {
		t.Fatalf("GetEntityPayload failed: %v", err)
	}
	if string(got) != string(localPayload) {
		t.Errorf("payload = %s, want local preserved", got)
	}
}

func TestApplyRemoteChangeManualPolicy(t *testing.T) {
	svc, repo := newTestService(t, config.PolicyManual)
	registerDevice(t, svc, "dev-a")
	registerDevice(t, svc, "dev-b")

	localPayload := []byte(`{"text":"local"}`)
	if _, err := svc.RecordChange("user-1", "dev-a", models.DataTypeChatMessage,
		models.OperationUpdate, "msg-1", localPayload); err != nil {
		t.Fatalf("RecordChange failed: %v", err)
	}

	remotePayload := []byte(`{"text":"remote"}`)
	rec := remoteRecord("dev-b", "msg-1", remotePayload, time.Now().UnixNano()+int64(time.Second))

	res, err := svc.ApplyRemoteChange(rec, remotePayload)
	if err != nil {
		t.Fatalf("ApplyRemoteChange failed: %v", err)
	}
	if res == nil || res.Outcome != conflict.OutcomeManualReview {
		t.Fatalf("resolution = %+v, want manual review", res)
	}

	// Nothing applied, conflict waits in the inbox
	got, err := svc.GetEntityPayload(models.DataTypeChatMessage, "msg-1")
	if err != nil {
		t.Fatalf("GetEntityPayload failed: %v", err)
	}
	if string(got) != string(localPayload) {
		t.Errorf("payload = %s, want local untouched", got)
	}
	open, err := repo.ListUnresolvedConflicts("user-1")
	if err != nil {
		t.Fatalf("ListUnresolvedConflicts failed: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("got %d open conflicts, want 1", len(open))
	}
}

func queuedOperation(deviceID, dataID string, payload []byte, createdAt int64) *models.OfflineOperation {
	return &models.OfflineOperation{
		ID:            models.UUID(uuid.New()),
		UserID:        "user-1",
		DeviceID:      deviceID,
		OperationType: models.OperationUpdate,
		DataType:      models.DataTypeChatMessage,
		DataID:        dataID,
		Payload:       payload,
		CreatedAt:     createdAt,
	}
}

func TestApplyQueuedOperationPreservesWriteTime(t *testing.T) {
	svc, repo := newTestService(t, config.PolicyLastWriteWins)
	registerDevice(t, svc, "dev-a")

	createdAt := time.Now().Add(-time.Minute).UnixNano()
	payload := []byte(`{"text":"queued"}`)
	op := queuedOperation("dev-a", "doc-2", payload, createdAt)

	res, err := svc.ApplyQueuedOperation(op)
	if err != nil {
		t.Fatalf("ApplyQueuedOperation failed: %v", err)
	}
	if res != nil {
		t.Errorf("expected no resolution for a fresh entity, got %s", res.Outcome)
	}

	latest, err := repo.LatestEntityRecord("user-1", "doc-2")
	if err != nil {
		t.Fatalf("LatestEntityRecord failed: %v", err)
	}
	if latest == nil || latest.Timestamp != createdAt {
		t.Errorf("journaled timestamp = %+v, want the queued write time %d", latest, createdAt)
	}
	got, err := svc.GetEntityPayload(models.DataTypeChatMessage, "doc-2")
	if err != nil {
		t.Fatalf("GetEntityPayload failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %s", got)
	}
}

func TestApplyQueuedOperationStaleWriteLoses(t *testing.T) {
	svc, repo := newTestService(t, config.PolicyLastWriteWins)
	registerDevice(t, svc, "dev-a")
	registerDevice(t, svc, "dev-b")

	// dev-a queued this edit while offline, before dev-b's newer edit
	op := queuedOperation("dev-a", "doc-1", []byte(`{"text":"stale"}`),
		time.Now().Add(-time.Second).UnixNano())

	freshPayload := []byte(`{"text":"fresh"}`)
	if _, err := svc.RecordChange("user-1", "dev-b", models.DataTypeChatMessage,
		models.OperationUpdate, "doc-1", freshPayload); err != nil {
		t.Fatalf("RecordChange failed: %v", err)
	}

	res, err := svc.ApplyQueuedOperation(op)
	if err != nil {
		t.Fatalf("ApplyQueuedOperation failed: %v", err)
	}
	if res == nil || res.Outcome != conflict.OutcomeLocalWins {
		t.Fatalf("resolution = %+v, want the newer edit kept", res)
	}

	// The newer edit survives the drain
	got, err := svc.GetEntityPayload(models.DataTypeChatMessage, "doc-1")
	if err != nil {
		t.Fatalf("GetEntityPayload failed: %v", err)
	}
	if string(got) != string(freshPayload) {
		t.Errorf("payload = %s, want the newer edit preserved", got)
	}

	// The conflict is on record, auto-resolved, with nothing left open
	all, err := repo.ListConflicts("user-1")
	if err != nil {
		t.Fatalf("ListConflicts failed: %v", err)
	}
	if len(all) != 1 || !all[0].Resolved {
		t.Fatalf("conflicts = %+v, want one auto-resolved entry", all)
	}
	open, err := repo.ListUnresolvedConflicts("user-1")
	if err != nil {
		t.Fatalf("ListUnresolvedConflicts failed: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("got %d open conflicts, want 0", len(open))
	}
}

func TestApplyRemoteChangeHashMismatch(t *testing.T) {
	svc, _ := newTestService(t, config.PolicyLastWriteWins)

	rec := remoteRecord("dev-b", "msg-1", []byte(`{"a":1}`), time.Now().UnixNano())
	_, err := svc.ApplyRemoteChange(rec, []byte(`{"tampered":true}`))
	if !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("got %v, want invalid-input", err)
	}
}
