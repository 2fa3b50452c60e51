package audit

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"medsync/internal/domain"
	"medsync/internal/eventbus"
	"medsync/internal/mutation"
	"medsync/internal/store"
)

type fixture struct {
	store    *store.MemoryStore
	recorder *Recorder
	searcher *Searcher
	events   []domain.SecurityEvent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ms := store.NewMemoryStore(zap.NewNop())
	f := &fixture{store: ms}
	bus := eventbus.New(zap.NewNop())
	bus.Subscribe(func(ev domain.SecurityEvent) { f.events = append(f.events, ev) })
	gw := mutation.NewGateway(ms, bus, zap.NewNop())
	f.recorder = NewRecorder(gw, zap.NewNop(), time.Second)
	f.searcher = NewSearcher(gw, f.recorder, zap.NewNop())

	seed := map[string]map[string]any{
		"users/doc-1":    {"name": "Dr. Rahman", "roles": []any{"patient", "doctor"}, "avatarUrl": "https://img/doc-1.png"},
		"users/nurse-1":  {"name": "Nurse Ali", "roles": []any{"patient", "nurse"}},
		"users/mgr-1":    {"name": "Manager", "roles": []any{"manager"}, "organizationId": "org-1"},
		"users/pat-1":    {"name": "Karim", "roles": []any{"patient"}, "phone": "+8801712345678", "healthId": "5550001111"},
		"patients/pat-1": {"bloodGroup": "O+", "allergies": []any{"penicillin"}, "name": "Karim Uddin", "id": "bogus"},
	}
	for path, fields := range seed {
		require.NoError(t, ms.Seed(path, fields))
	}
	return f
}

func identity(t *testing.T, id, name string, roles ...domain.Role) *domain.Identity {
	t.Helper()
	ident, err := domain.NewIdentity(id, name, roles)
	require.NoError(t, err)
	return ident
}

func (f *fixture) privacyLog(t *testing.T, patientID string) []domain.PrivacyLogEntry {
	t.Helper()
	f.recorder.Wait()
	entries, err := f.recorder.List(store.WithAuth(context.Background(), patientID), patientID)
	require.NoError(t, err)
	return entries
}

func TestSearch_EmptyInputIsRejectedBeforeQuery(t *testing.T) {
	f := newFixture(t)
	queried := false
	f.store.SetFault(func(domain.Operation, string) error {
		queried = true
		return nil
	})

	for _, input := range []string{"", "   "} {
		res, err := f.searcher.Search(context.Background(), identity(t, "doc-1", "Dr", domain.RoleDoctor), input)
		assert.ErrorIs(t, err, ErrEmptyQuery)
		assert.Equal(t, SearchPending, res.Kind)
	}
	assert.False(t, queried)
}

func TestSearch_HealthIDNotFound(t *testing.T) {
	f := newFixture(t)
	doctor := identity(t, "doc-1", "Dr. Rahman", domain.RolePatient, domain.RoleDoctor)

	res, err := f.searcher.Search(context.Background(), doctor, "1234567890")

	require.NoError(t, err)
	assert.Equal(t, SearchNotFound, res.Kind)
	assert.Equal(t, "not_found", res.Kind.String())
	assert.Empty(t, f.privacyLog(t, "pat-1"))
}

func TestSearch_HealthIDFound(t *testing.T) {
	f := newFixture(t)
	doctor := identity(t, "doc-1", "Dr. Rahman", domain.RoleDoctor)

	res, err := f.searcher.Search(context.Background(), doctor, "5550001111")

	require.NoError(t, err)
	assert.Equal(t, SearchFound, res.Kind)
	assert.Equal(t, "pat-1", res.Record.ID)
}

func TestSearch_PhoneFoundMergesPatientRecord(t *testing.T) {
	f := newFixture(t)
	doctor := identity(t, "doc-1", "Dr. Rahman", domain.RolePatient, domain.RoleDoctor)
	doctor.AvatarURL = "https://img/doc-1.png"

	res, err := f.searcher.Search(context.Background(), doctor, " +8801712345678 ")

	require.NoError(t, err)
	require.Equal(t, SearchFound, res.Kind)
	assert.Equal(t, "pat-1", res.Record.ID)
	assert.Equal(t, "Karim Uddin", res.Record.Fields["name"], "patient fields win on collision")
	assert.Equal(t, "O+", res.Record.Fields["bloodGroup"])
	assert.Equal(t, "+8801712345678", res.Record.Fields["phone"])
	_, hasID := res.Record.Fields["id"]
	assert.False(t, hasID)

	entries := f.privacyLog(t, "pat-1")
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "doc-1", e.ActorID)
	assert.Equal(t, "Dr. Rahman", e.ActorName)
	assert.Equal(t, "https://img/doc-1.png", e.ActorAvatarURL)
	assert.Equal(t, "pat-1", e.PatientID)
	assert.Equal(t, domain.PrivacySearch, e.Action)
	assert.False(t, e.Timestamp.IsZero())
	assert.Len(t, e.ID, 26)
}

func TestSearch_PatientRecordMissingIsFine(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Seed("users/pat-2", map[string]any{"name": "Rina", "roles": []any{"patient"}, "phone": "+8801800000000"}))

	res, err := f.searcher.Search(context.Background(), identity(t, "doc-1", "Dr", domain.RoleDoctor), "+8801800000000")

	require.NoError(t, err)
	assert.Equal(t, SearchFound, res.Kind)
	assert.Equal(t, "Rina", res.Record.Fields["name"])
}

func TestSearch_AuditOnlyForQualifyingRoles(t *testing.T) {
	cases := []struct {
		name     string
		searcher func(t *testing.T) *domain.Identity
		want     int
	}{
		{"doctor", func(t *testing.T) *domain.Identity { return identity(t, "doc-1", "Dr", domain.RoleDoctor) }, 1},
		{"manager", func(t *testing.T) *domain.Identity {
			m := identity(t, "mgr-1", "Manager", domain.RoleManager)
			m.OrganizationID = "org-1"
			return m
		}, 1},
		{"nurse", func(t *testing.T) *domain.Identity { return identity(t, "nurse-1", "Nurse", domain.RolePatient, domain.RoleNurse) }, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			res, err := f.searcher.Search(context.Background(), tc.searcher(t), "+8801712345678")
			require.NoError(t, err)
			require.Equal(t, SearchFound, res.Kind)
			assert.Len(t, f.privacyLog(t, "pat-1"), tc.want)
		})
	}
}

func TestSearch_StoreErrorIsNotNotFound(t *testing.T) {
	f := newFixture(t)
	f.store.SetFault(func(domain.Operation, string) error { return store.ErrUnavailable })

	res, err := f.searcher.Search(context.Background(), identity(t, "doc-1", "Dr", domain.RoleDoctor), "1234567890")

	require.NoError(t, err)
	assert.Equal(t, SearchErrored, res.Kind)
	assert.ErrorIs(t, res.Err, store.ErrUnavailable)
}

func TestSearch_PatientSearcherDenied(t *testing.T) {
	f := newFixture(t)

	res, err := f.searcher.Search(context.Background(), identity(t, "pat-1", "Karim", domain.RolePatient), "+8801712345678")

	require.NoError(t, err)
	assert.Equal(t, SearchErrored, res.Kind)
	assert.True(t, store.IsPermissionDenied(res.Err))

	require.Len(t, f.events, 1, "denied one-shot read is reported")
	assert.Equal(t, domain.UsersCollection, f.events[0].Path)
	assert.Equal(t, domain.OpList, f.events[0].Operation)
	assert.Nil(t, f.events[0].RequestResourceData)
}

func TestRecorder_RecordValidation(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.recorder.Record(context.Background(), nil, "pat-1", domain.PrivacyView), ErrNoActor)
	assert.ErrorIs(t, f.recorder.Record(context.Background(), identity(t, "doc-1", "Dr", domain.RoleDoctor), "", domain.PrivacyView), ErrNoPatient)
}

func TestRecorder_DeniedWriteEmitsSecurityEvent(t *testing.T) {
	f := newFixture(t)
	// nurse 无权写隐私日志
	nurse := identity(t, "nurse-1", "Nurse", domain.RoleNurse)

	err := f.recorder.Record(context.Background(), nurse, "pat-1", domain.PrivacyView)

	require.Error(t, err)
	assert.True(t, store.IsPermissionDenied(err))
	require.Len(t, f.events, 1)
	assert.Contains(t, f.events[0].Path, "users/pat-1/privacyLog/")
	assert.Equal(t, domain.OpCreate, f.events[0].Operation)
}

func TestRecorder_ViewAndAddHelpers(t *testing.T) {
	f := newFixture(t)
	doctor := identity(t, "doc-1", "Dr", domain.RoleDoctor)
	nurse := identity(t, "nurse-1", "Nurse", domain.RoleNurse)

	assert.True(t, f.recorder.RecordView(doctor, "pat-1"))
	assert.True(t, f.recorder.RecordAdd(doctor, "pat-1"))
	assert.False(t, f.recorder.RecordView(nurse, "pat-1"))

	entries := f.privacyLog(t, "pat-1")
	require.Len(t, entries, 2)
	actions := []domain.PrivacyAction{entries[0].Action, entries[1].Action}
	assert.ElementsMatch(t, []domain.PrivacyAction{domain.PrivacyView, domain.PrivacyAdd}, actions)
}

func TestRecorder_ListOrderedNewestFirst(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.store.Seed(domain.PrivacyLogPath("pat-1")+"/"+id, map[string]any{
			"actorId":   "doc-1",
			"action":    "view",
			"timestamp": base.Add(time.Duration(i) * time.Hour),
		}))
	}

	entries, err := f.recorder.List(store.WithAuth(context.Background(), "pat-1"), "pat-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].ID)
	assert.Equal(t, "a", entries[2].ID)

	_, err = f.recorder.List(store.WithAuth(context.Background(), "nurse-1"), "pat-1")
	assert.True(t, store.IsPermissionDenied(err))
	require.Len(t, f.events, 1)
	assert.Equal(t, "users/pat-1/privacyLog", f.events[0].Path)
	assert.Equal(t, domain.OpList, f.events[0].Operation)
}

func TestShouldAudit(t *testing.T) {
	assert.False(t, ShouldAudit(nil))
	assert.True(t, ShouldAudit(identity(t, "o", "Owner", domain.RoleHospitalOwner)))
	assert.False(t, ShouldAudit(identity(t, "a", "Asst", domain.RoleAssistantManager)))
}

func TestExportXLSX(t *testing.T) {
	entries := []domain.PrivacyLogEntry{
		{ID: "01HX", ActorID: "doc-1", ActorName: "Dr. Rahman", PatientID: "pat-1", Action: domain.PrivacySearch,
			Timestamp: time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)},
		{ID: "01HY", ActorID: "mgr-1", ActorName: "Manager", OrganizationID: "org-1", PatientID: "pat-1", Action: domain.PrivacyView},
	}
	var buf bytes.Buffer

	require.NoError(t, ExportXLSX(entries, &buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, exportHeaders, rows[0])
	assert.Equal(t, []string{"2024-05-01T08:30:00Z", "search", "Dr. Rahman", "doc-1", "", "01HX"}, rows[1])
	assert.Equal(t, "org-1", rows[2][4])
}
