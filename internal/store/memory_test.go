package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"medsync/internal/domain"
	"medsync/internal/query"
)

var fixedNow = time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)

func newTestMemoryStore(t *testing.T, rules Rules) *MemoryStore {
	t.Helper()
	return NewMemoryStore(zap.NewNop(), WithRules(rules), WithClock(func() time.Time { return fixedNow }))
}

func seedHospital(t *testing.T, s *MemoryStore) {
	t.Helper()
	require.NoError(t, s.Seed("users/doc-1", map[string]any{"name": "Dr. Rahman", "roles": []any{"patient", "doctor"}}))
	require.NoError(t, s.Seed("users/nurse-1", map[string]any{"name": "Nurse Ali", "roles": []any{"patient", "nurse"}}))
	require.NoError(t, s.Seed("users/pat-1", map[string]any{"name": "Karim", "roles": []any{"patient"}, "phone": "+8801712345678"}))
	require.NoError(t, s.Seed("users/owner-1", map[string]any{"name": "Owner", "roles": []any{"hospital_owner"}}))
}

type capture struct {
	next chan []domain.Record
	errs chan error
}

func newCapture() *capture {
	return &capture{next: make(chan []domain.Record, 16), errs: make(chan error, 4)}
}

func (c *capture) onNext(r []domain.Record) { c.next <- r }
func (c *capture) onError(err error)        { c.errs <- err }

func (c *capture) waitNext(t *testing.T) []domain.Record {
	t.Helper()
	select {
	case r := <-c.next:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func (c *capture) waitErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.errs:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
		return nil
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := newTestMemoryStore(t, AllowAll)
	ctx := context.Background()

	ref, err := s.Create(ctx, "patients", map[string]any{"name": "Karim", "id": "ignored", "createdAt": ServerTimestamp})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "patients/"))

	recs, err := s.Get(ctx, query.MustCollection("patients"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, idOf(ref), recs[0].ID)
	assert.Equal(t, "Karim", recs[0].Fields["name"])
	assert.Equal(t, fixedNow, recs[0].Fields["createdAt"])
	_, hasID := recs[0].Fields["id"]
	assert.False(t, hasID)
}

func TestMemoryStore_GetMissingDocument(t *testing.T) {
	s := newTestMemoryStore(t, AllowAll)

	recs, err := s.Get(context.Background(), query.MustDocument("patients/nobody"))
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.NotNil(t, recs)
}

func TestMemoryStore_SetMergeAndReplace(t *testing.T) {
	s := newTestMemoryStore(t, AllowAll)
	ctx := context.Background()
	d := query.MustDocument("patients/p1")

	require.NoError(t, s.Set(ctx, "patients/p1", map[string]any{"name": "Karim", "blood": "O+"}, false))
	require.NoError(t, s.Set(ctx, "patients/p1", map[string]any{"blood": "A+"}, true))
	recs, err := s.Get(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Karim", "blood": "A+"}, recs[0].Fields)

	require.NoError(t, s.Set(ctx, "patients/p1", map[string]any{"blood": "B+"}, false))
	recs, err = s.Get(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"blood": "B+"}, recs[0].Fields)
}

func TestMemoryStore_UpdateMissing(t *testing.T) {
	s := newTestMemoryStore(t, AllowAll)

	err := s.Update(context.Background(), "patients/ghost", map[string]any{"x": 1})
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, CodeOf(err))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "patients/ghost", PathOf(err))
}

func TestMemoryStore_Delete(t *testing.T) {
	s := newTestMemoryStore(t, AllowAll)
	ctx := context.Background()
	require.NoError(t, s.Seed("patients/p1", map[string]any{"name": "Karim"}))

	require.NoError(t, s.Delete(ctx, "patients/p1"))
	recs, err := s.Get(ctx, query.MustDocument("patients/p1"))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMemoryStore_InvalidPath(t *testing.T) {
	s := newTestMemoryStore(t, AllowAll)

	err := s.Set(context.Background(), "patients", map[string]any{"x": 1}, false)
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))

	_, err = s.Create(context.Background(), "patients/p1", map[string]any{"x": 1})
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))
}

func privacyEntry(actor, patient, action string) map[string]any {
	return map[string]any{
		"actorId":   actor,
		"actorName": "whoever",
		"patientId": patient,
		"action":    action,
		"timestamp": ServerTimestamp,
	}
}

func TestMemoryStore_HospitalRules_PrivacyLog(t *testing.T) {
	s := newTestMemoryStore(t, HospitalRules())
	seedHospital(t, s)

	doctor := WithAuth(context.Background(), "doc-1")
	_, err := s.Create(doctor, domain.PrivacyLogPath("pat-1"), privacyEntry("doc-1", "pat-1", "search"))
	require.NoError(t, err)

	nurse := WithAuth(context.Background(), "nurse-1")
	_, err = s.Create(nurse, domain.PrivacyLogPath("pat-1"), privacyEntry("nurse-1", "pat-1", "search"))
	require.Error(t, err)
	assert.True(t, IsPermissionDenied(err))
	assert.True(t, strings.HasPrefix(PathOf(err), "users/pat-1/privacyLog/"))

	// actorId 冒充他人
	_, err = s.Create(doctor, domain.PrivacyLogPath("pat-1"), privacyEntry("owner-1", "pat-1", "search"))
	assert.True(t, IsPermissionDenied(err))

	patient := WithAuth(context.Background(), "pat-1")
	recs, err := s.Get(patient, query.MustCollection(domain.PrivacyLogPath("pat-1")))
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, fixedNow, recs[0].Fields["timestamp"])

	_, err = s.Get(nurse, query.MustCollection(domain.PrivacyLogPath("pat-1")))
	assert.True(t, IsPermissionDenied(err))
	assert.Equal(t, "users/pat-1/privacyLog", PathOf(err))
}

func TestMemoryStore_HospitalRules_PrivacyLogRejectsClientEntries(t *testing.T) {
	s := newTestMemoryStore(t, HospitalRules())
	seedHospital(t, s)
	doctor := WithAuth(context.Background(), "doc-1")
	path := domain.PrivacyLogPath("pat-1") + "/FAKE"

	cases := map[string]map[string]any{
		"client timestamp":    {"actorId": "doc-1", "patientId": "pat-1", "action": "view", "timestamp": time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)},
		"timestamp as string": {"actorId": "doc-1", "patientId": "pat-1", "action": "view", "timestamp": "2001-01-01T00:00:00Z"},
		"missing timestamp":   {"actorId": "doc-1", "patientId": "pat-1", "action": "view"},
		"wrong patient":       privacyEntry("doc-1", "pat-2", "view"),
		"unknown action":      privacyEntry("doc-1", "pat-1", "delete"),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			err := s.Set(doctor, path, data, false)
			require.Error(t, err)
			assert.True(t, IsPermissionDenied(err))
		})
	}

	// 已有条目不可修改、不可删除
	require.NoError(t, s.Set(doctor, path, privacyEntry("doc-1", "pat-1", "view"), false))
	assert.True(t, IsPermissionDenied(s.Set(doctor, path, map[string]any{"actorName": "Someone Else"}, true)))
	assert.True(t, IsPermissionDenied(s.Delete(doctor, path)))
}

func TestMemoryStore_HospitalRules_Roles(t *testing.T) {
	s := newTestMemoryStore(t, HospitalRules())
	seedHospital(t, s)
	patient := WithAuth(context.Background(), "pat-1")

	// 本人不能提升自己的角色
	err := s.Update(patient, "users/pat-1", map[string]any{"roles": []any{"hospital_owner"}})
	assert.True(t, IsPermissionDenied(err))
	err = s.Set(patient, "users/pat-1", map[string]any{"name": "Karim", "roles": []any{"patient", "doctor"}}, false)
	assert.True(t, IsPermissionDenied(err))
	// 不涉及 roles 的更新允许
	require.NoError(t, s.Update(patient, "users/pat-1", map[string]any{"name": "Karim Uddin"}))

	// 注册只能是 [patient]
	newcomer := WithAuth(context.Background(), "new-1")
	assert.True(t, IsPermissionDenied(s.Set(newcomer, "users/new-1", map[string]any{"roles": []any{"manager"}}, false)))
	assert.True(t, IsPermissionDenied(s.Set(newcomer, "users/new-1", map[string]any{"name": "N"}, false)))
	assert.True(t, IsPermissionDenied(s.Set(newcomer, "users/pat-9", map[string]any{"roles": []any{"patient"}}, false)))
	require.NoError(t, s.Set(newcomer, "users/new-1", map[string]any{"name": "N", "roles": []any{"patient"}}, false))

	// hospital_owner 授予角色
	owner := WithAuth(context.Background(), "owner-1")
	require.NoError(t, s.Update(owner, "users/pat-1", map[string]any{"roles": []any{"patient", "doctor"}}))
	assert.True(t, IsPermissionDenied(s.Update(owner, "users/pat-1", map[string]any{"roles": []any{"wizard"}})))

	// 其他员工不能授予
	doctor := WithAuth(context.Background(), "doc-1")
	assert.True(t, IsPermissionDenied(s.Update(doctor, "users/nurse-1", map[string]any{"roles": []any{"patient", "manager"}})))
}

func TestMemoryStore_HospitalRules_Unauthenticated(t *testing.T) {
	s := newTestMemoryStore(t, HospitalRules())
	seedHospital(t, s)

	_, err := s.Get(context.Background(), query.MustDocument("users/pat-1"))
	require.Error(t, err)
	assert.True(t, IsPermissionDenied(err))
	assert.Equal(t, domain.OpRead, err.(*Error).Op)
}

func TestMemoryStore_HospitalRules_CollectionGroupHasNoPath(t *testing.T) {
	s := newTestMemoryStore(t, HospitalRules())
	seedHospital(t, s)

	_, err := s.Get(WithAuth(context.Background(), "doc-1"), query.MustCollectionGroup(domain.PrivacyLogCollection))
	require.Error(t, err)
	assert.True(t, IsPermissionDenied(err))
	assert.Empty(t, PathOf(err))

	recs, err := s.Get(WithAuth(context.Background(), "owner-1"), query.MustCollectionGroup(domain.PrivacyLogCollection))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMemoryStore_CommitIsAtomic(t *testing.T) {
	s := newTestMemoryStore(t, HospitalRules())
	seedHospital(t, s)
	ctx := WithAuth(context.Background(), "doc-1")

	b := NewBatch()
	b.Set("patients/pat-1", map[string]any{"ward": "B"}, true)
	b.Delete("users/pat-1")
	err := s.Commit(ctx, b)
	require.Error(t, err)
	assert.True(t, IsPermissionDenied(err))
	assert.Equal(t, domain.OpDelete, err.(*Error).Op)

	recs, err := s.Get(ctx, query.MustDocument("patients/pat-1"))
	require.NoError(t, err)
	assert.Empty(t, recs, "first op must not be applied")

	require.NoError(t, s.Commit(ctx, NewBatch()))
}

func TestMemoryStore_Fault(t *testing.T) {
	s := newTestMemoryStore(t, AllowAll)
	s.SetFault(func(op domain.Operation, path string) error {
		return ErrUnavailable
	})

	_, err := s.Get(context.Background(), query.MustCollection("patients"))
	assert.Equal(t, CodeUnavailable, CodeOf(err))
	assert.False(t, IsPermissionDenied(err))

	s.SetFault(nil)
	_, err = s.Get(context.Background(), query.MustCollection("patients"))
	assert.NoError(t, err)
}

func TestMemoryStore_SubscribePushesSnapshots(t *testing.T) {
	s := newTestMemoryStore(t, AllowAll)
	ctx := context.Background()
	c := newCapture()

	d := query.MustCollection("patients", query.Where("ward", query.OpEqual, "B"))
	cancel, err := s.Subscribe(ctx, d, c.onNext, c.onError)
	require.NoError(t, err)
	assert.Equal(t, 1, s.ListenerCount())

	assert.Empty(t, c.waitNext(t))

	require.NoError(t, s.Set(ctx, "patients/p1", map[string]any{"ward": "B"}, false))
	recs := c.waitNext(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "p1", recs[0].ID)

	// 不影响结果集的写入不推送
	require.NoError(t, s.Set(ctx, "patients/p2", map[string]any{"ward": "C"}, false))
	require.NoError(t, s.Set(ctx, "patients/p3", map[string]any{"ward": "B"}, false))
	recs = c.waitNext(t)
	assert.Len(t, recs, 2)

	cancel()
	cancel()
	assert.Equal(t, 0, s.ListenerCount())
	require.NoError(t, s.Set(ctx, "patients/p4", map[string]any{"ward": "B"}, false))
	select {
	case <-c.next:
		t.Fatal("snapshot delivered after cancel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryStore_SubscribePermissionDenied(t *testing.T) {
	s := newTestMemoryStore(t, HospitalRules())
	seedHospital(t, s)
	c := newCapture()

	cancel, err := s.Subscribe(WithAuth(context.Background(), "nurse-1"),
		query.MustCollection(domain.PrivacyLogPath("pat-1")), c.onNext, c.onError)
	require.NoError(t, err)
	defer cancel()

	err = c.waitErr(t)
	assert.True(t, IsPermissionDenied(err))
	assert.Equal(t, domain.OpList, err.(*Error).Op)
	assert.Equal(t, 0, s.ListenerCount())
}

func TestMemoryStore_SubscribeRevokedByRules(t *testing.T) {
	s := newTestMemoryStore(t, AllowAll)
	c := newCapture()

	cancel, err := s.Subscribe(context.Background(), query.MustDocument("patients/p1"), c.onNext, c.onError)
	require.NoError(t, err)
	defer cancel()
	c.waitNext(t)

	s.SetRules(RulesFunc(func(Request, Reader) bool { return false }))
	err = c.waitErr(t)
	assert.True(t, IsPermissionDenied(err))
	assert.Equal(t, "patients/p1", PathOf(err))
}

func TestMemoryStore_SubscribeUnstableDescriptor(t *testing.T) {
	s := newTestMemoryStore(t, AllowAll)

	_, err := s.Subscribe(context.Background(), &query.Descriptor{}, nil, nil)
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))
}
