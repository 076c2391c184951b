package console

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeRecordsClient struct {
	mu sync.Mutex

	incidents   []Incident
	services    []Service
	departments []Department
	staff       []StaffMember
	layers      []MapLayer
	mapCfg      MapConfig

	listErr     error
	servicesErr error
	patchErr    error
	auditErr    error
	commentsErr error

	audits   map[string][]AuditEntry
	comments map[int64][]Comment

	patchHook  func()
	listHook   func()
	listCalls  int
	patchCalls int
}

func newFakeClient(incidents ...Incident) *fakeRecordsClient {
	return &fakeRecordsClient{
		incidents: incidents,
		audits:    map[string][]AuditEntry{},
		comments:  map[int64][]Comment{},
	}
}

func (f *fakeRecordsClient) ListIncidents(ctx context.Context) ([]Incident, error) {
	f.mu.Lock()
	f.listCalls++
	hook := f.listHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]Incident, len(f.incidents))
	copy(out, f.incidents)
	return out, nil
}

func (f *fakeRecordsClient) GetIncident(ctx context.Context, externalID string) (*Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inc := range f.incidents {
		if inc.ExternalID == externalID {
			copyInc := inc
			return &copyInc, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeRecordsClient) PatchIncident(ctx context.Context, externalID string, patch Patch) (*Incident, error) {
	f.mu.Lock()
	hook := f.patchHook
	f.patchCalls++
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.patchErr != nil {
		return nil, f.patchErr
	}
	for i, inc := range f.incidents {
		if inc.ExternalID == externalID {
			f.incidents[i] = applyPatchLocal(inc, patch)
			f.incidents[i].Version++
			copyInc := f.incidents[i]
			return &copyInc, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeRecordsClient) ListAudit(ctx context.Context, externalID string) ([]AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.auditErr != nil {
		return nil, f.auditErr
	}
	return f.audits[externalID], nil
}

func (f *fakeRecordsClient) ListComments(ctx context.Context, internalID int64) ([]Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commentsErr != nil {
		return nil, f.commentsErr
	}
	return f.comments[internalID], nil
}

func (f *fakeRecordsClient) AddComment(ctx context.Context, internalID int64, body string) (*Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commentsErr != nil {
		return nil, f.commentsErr
	}
	comment := Comment{ID: int64(len(f.comments[internalID]) + 1), AuthorType: "staff", Body: body, CreatedAt: time.Now().UTC()}
	f.comments[internalID] = append(f.comments[internalID], comment)
	return &comment, nil
}

func (f *fakeRecordsClient) ListServices(ctx context.Context) ([]Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.servicesErr != nil {
		return nil, f.servicesErr
	}
	return f.services, nil
}

func (f *fakeRecordsClient) ListDepartments(ctx context.Context) ([]Department, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.departments, nil
}

func (f *fakeRecordsClient) ListStaff(ctx context.Context) ([]StaffMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.staff, nil
}

func (f *fakeRecordsClient) ListMapLayers(ctx context.Context) ([]MapLayer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.layers, nil
}

func (f *fakeRecordsClient) GetMapConfig(ctx context.Context) (*MapConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg := f.mapCfg
	return &cfg, nil
}

func newTestSyncer(client RecordsClient) (*Syncer, *Store, *ReferenceCache) {
	store := NewStore()
	cache := NewReferenceCache(16, time.Minute)
	syncer := NewSyncer(client, store, cache, time.Hour, nil)
	return syncer, store, cache
}

func TestInitialLoadAllOrNothing(t *testing.T) {
	client := newFakeClient(mkIncident("A"), mkIncident("B"))
	client.services = []Service{{Code: "POTHOLE", Name: "Pothole Repair"}}
	client.servicesErr = errors.New("reference outage")
	syncer, store, cache := newTestSyncer(client)

	if err := syncer.InitialLoad(context.Background()); err == nil {
		t.Fatalf("expected load failure")
	}
	if store.Len() != 0 {
		t.Fatalf("partial load committed %d incidents", store.Len())
	}
	if len(cache.Services()) != 0 {
		t.Fatalf("partial load committed reference data")
	}
	if syncer.Loaded() {
		t.Fatalf("loaded flag set despite failure")
	}
	if syncer.LastError() == nil {
		t.Fatalf("failure not recorded")
	}

	// Explicit retry succeeds once the backend recovers.
	client.mu.Lock()
	client.servicesErr = nil
	client.mu.Unlock()
	if err := syncer.InitialLoad(context.Background()); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if store.Len() != 2 || !syncer.Loaded() || syncer.LastError() != nil {
		t.Fatalf("retry did not commit: len=%d loaded=%v err=%v", store.Len(), syncer.Loaded(), syncer.LastError())
	}
	if len(cache.Services()) != 1 {
		t.Fatalf("reference cache not primed")
	}
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	client := newFakeClient(mkIncident("A"))
	syncer, store, _ := newTestSyncer(client)
	if err := syncer.InitialLoad(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	client.mu.Lock()
	client.listErr = errors.New("backend down")
	client.mu.Unlock()
	if err := syncer.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh failure")
	}
	if store.Len() != 1 {
		t.Fatalf("failed refresh mutated the snapshot")
	}
	if syncer.LastError() == nil {
		t.Fatalf("refresh failure not recorded")
	}

	client.mu.Lock()
	client.listErr = nil
	client.incidents = append(client.incidents, mkIncident("B"))
	client.mu.Unlock()
	if err := syncer.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if store.Len() != 2 || syncer.LastError() != nil {
		t.Fatalf("recovered refresh did not converge")
	}
}

func TestApplyOptimisticSuccessConvergesToCanonical(t *testing.T) {
	client := newFakeClient(mkIncident("A"))
	syncer, store, _ := newTestSyncer(client)
	if err := syncer.InitialLoad(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	assignee := "jsmith"
	canonical, err := syncer.ApplyOptimistic(context.Background(), "A", Patch{AssignedTo: &assignee})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if canonical.AssignedTo != "jsmith" || canonical.Version != 2 {
		t.Fatalf("canonical = %+v", canonical)
	}
	got, _ := store.Get("A")
	if got.Version != 2 {
		t.Fatalf("store holds %+v, want the server's canonical record", got)
	}
}

func TestStaleRefreshRevertsThenConverges(t *testing.T) {
	client := newFakeClient(mkIncident("A"))
	syncer, store, _ := newTestSyncer(client)
	if err := syncer.InitialLoad(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	client.mu.Lock()
	preWrite := make([]Incident, len(client.incidents))
	copy(preWrite, client.incidents)
	client.mu.Unlock()

	closed := "closed"
	sub := "resolved"
	canonical, err := syncer.ApplyOptimistic(context.Background(), "A", Patch{Status: &closed, ClosedSubstatus: &sub})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if canonical.Status != "closed" {
		t.Fatalf("canonical = %+v", canonical)
	}
	client.mu.Lock()
	postWrite := make([]Incident, len(client.incidents))
	copy(postWrite, client.incidents)
	client.mu.Unlock()

	// A refresh whose response was generated before the write committed
	// overwrites the confirmed edit: the row visibly reverts to open.
	client.mu.Lock()
	client.incidents = preWrite
	client.mu.Unlock()
	if err := syncer.Refresh(context.Background()); err != nil {
		t.Fatalf("stale refresh: %v", err)
	}
	got, _ := store.Get("A")
	if got.Status != "open" {
		t.Fatalf("stale refresh did not replace wholesale: %+v", got)
	}

	// The following refresh sees the committed row and converges back.
	client.mu.Lock()
	client.incidents = postWrite
	client.mu.Unlock()
	if err := syncer.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	got, _ = store.Get("A")
	if got.Status != "closed" || got.ClosedSubstatus != "resolved" || got.Version != 2 {
		t.Fatalf("snapshot did not converge: %+v", got)
	}

	// An identical refresh snapshot applied twice changes nothing but the
	// generation counter.
	before := store.Snapshot()
	if err := syncer.Refresh(context.Background()); err != nil {
		t.Fatalf("repeat refresh: %v", err)
	}
	after := store.Snapshot()
	if len(before) != len(after) {
		t.Fatalf("repeat refresh changed size: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ExternalID != after[i].ExternalID || before[i].Status != after[i].Status || before[i].Version != after[i].Version {
			t.Fatalf("repeat refresh changed item %d: %+v -> %+v", i, before[i], after[i])
		}
	}
}

func TestInitialLoadRejectsOverlappingLoad(t *testing.T) {
	client := newFakeClient(mkIncident("A"))
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	client.listHook = func() {
		once.Do(func() { close(started) })
		<-release
	}
	syncer, store, _ := newTestSyncer(client)

	firstErr := make(chan error, 1)
	go func() { firstErr <- syncer.InitialLoad(context.Background()) }()
	<-started

	if err := syncer.InitialLoad(context.Background()); !errors.Is(err, ErrLoadInProgress) {
		t.Fatalf("overlapping load: got %v, want ErrLoadInProgress", err)
	}
	if store.Len() != 0 {
		t.Fatalf("overlapping load committed state")
	}

	close(release)
	if err := <-firstErr; err != nil {
		t.Fatalf("first load: %v", err)
	}
	if store.Len() != 1 || !syncer.Loaded() {
		t.Fatalf("first load did not commit: len=%d loaded=%v", store.Len(), syncer.Loaded())
	}
}

func TestApplyOptimisticRollsBackOnFailure(t *testing.T) {
	client := newFakeClient(mkIncident("A"))
	syncer, store, _ := newTestSyncer(client)
	if err := syncer.InitialLoad(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	client.mu.Lock()
	client.patchErr = errors.New("version conflict")
	client.mu.Unlock()

	assignee := "jsmith"
	if _, err := syncer.ApplyOptimistic(context.Background(), "A", Patch{AssignedTo: &assignee}); err == nil {
		t.Fatalf("expected patch failure")
	}
	got, _ := store.Get("A")
	if got.AssignedTo != "" {
		t.Fatalf("optimistic overlay not rolled back: %+v", got)
	}
}

func TestApplyOptimisticRollbackSkippedAfterRefresh(t *testing.T) {
	client := newFakeClient(mkIncident("A"))
	syncer, store, _ := newTestSyncer(client)
	if err := syncer.InitialLoad(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	// While the PATCH is in flight a refresh replaces the snapshot with the
	// committed server state. The rollback must not resurrect the old row.
	client.patchHook = func() {
		client.mu.Lock()
		client.incidents[0].AssignedTo = "mlopez"
		client.mu.Unlock()
		if err := syncer.Refresh(context.Background()); err != nil {
			t.Errorf("refresh: %v", err)
		}
		client.mu.Lock()
		client.patchErr = errors.New("conflict")
		client.mu.Unlock()
	}
	assignee := "jsmith"
	if _, err := syncer.ApplyOptimistic(context.Background(), "A", Patch{AssignedTo: &assignee}); err == nil {
		t.Fatalf("expected patch failure")
	}
	got, _ := store.Get("A")
	if got.AssignedTo != "mlopez" {
		t.Fatalf("stale rollback overwrote the refreshed snapshot: %+v", got)
	}
}

func TestApplyOptimisticUnknownIncident(t *testing.T) {
	client := newFakeClient()
	syncer, _, _ := newTestSyncer(client)
	if _, err := syncer.ApplyOptimistic(context.Background(), "MISSING", Patch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	client.mu.Lock()
	calls := client.patchCalls
	client.mu.Unlock()
	if calls != 0 {
		t.Fatalf("patch issued for unknown incident")
	}
}

func TestStopFreezesLateWrites(t *testing.T) {
	client := newFakeClient(mkIncident("A"))
	syncer, store, _ := newTestSyncer(client)
	if err := syncer.InitialLoad(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	syncer.StartWithContext(context.Background())
	if err := syncer.StopWithContext(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !store.Closed() {
		t.Fatalf("stop must freeze the store")
	}
	// A response resolving after teardown mutates nothing.
	assignee := "jsmith"
	_, _ = syncer.ApplyOptimistic(context.Background(), "A", Patch{AssignedTo: &assignee})
	got, _ := store.Get("A")
	if got.AssignedTo != "" {
		t.Fatalf("post-teardown response mutated the snapshot: %+v", got)
	}
}
