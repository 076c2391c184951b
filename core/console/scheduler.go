package console

import (
	"context"
	"errors"
	"sync"
	"time"

	"civic311/core/utils"
)

// ErrLoadInProgress reports that an initial aggregate load is already
// running; the caller gets no snapshot guarantee and must retry.
var ErrLoadInProgress = errors.New("initial load already in progress")

// Syncer owns the snapshot lifecycle: the initial aggregate load, the
// periodic full-collection refresh, and optimistic mutations applied ahead of
// server confirmation. All snapshot writes funnel through the Store, whose
// lock serializes them; a refresh landing between an optimistic edit and its
// confirmation may visibly revert the edit until the next cycle picks up the
// committed value. That window is bounded by the refresh interval.
type Syncer struct {
	client   RecordsClient
	store    *Store
	refCache *ReferenceCache
	interval time.Duration
	logger   *utils.Logger

	mu            sync.Mutex
	cancel        context.CancelFunc
	running       bool
	wg            sync.WaitGroup
	loading       bool
	loaded        bool
	lastError     error
	lastRefreshAt time.Time

	refreshMu sync.Mutex // serializes overlapping manual refreshes
}

func NewSyncer(client RecordsClient, store *Store, refCache *ReferenceCache, interval time.Duration, logger *utils.Logger) *Syncer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Syncer{client: client, store: store, refCache: refCache, interval: interval, logger: logger}
}

// InitialLoad fetches the incident collection and all reference data
// concurrently. It is all-or-nothing: if any sub-fetch fails nothing is
// committed, the loading flag clears, and the failure is recorded but not
// retried automatically. A call overlapping a running load fails fast with
// ErrLoadInProgress rather than reporting success for work it did not do.
func (s *Syncer) InitialLoad(ctx context.Context) error {
	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		return ErrLoadInProgress
	}
	s.loading = true
	s.mu.Unlock()

	var (
		incidents   []Incident
		services    []Service
		departments []Department
		staff       []StaffMember
		layers      []MapLayer
		mapCfg      *MapConfig
	)
	errs := make([]error, 6)
	var wg sync.WaitGroup
	wg.Add(6)
	go func() { defer wg.Done(); incidents, errs[0] = s.client.ListIncidents(ctx) }()
	go func() { defer wg.Done(); services, errs[1] = s.client.ListServices(ctx) }()
	go func() { defer wg.Done(); departments, errs[2] = s.client.ListDepartments(ctx) }()
	go func() { defer wg.Done(); staff, errs[3] = s.client.ListStaff(ctx) }()
	go func() { defer wg.Done(); layers, errs[4] = s.client.ListMapLayers(ctx) }()
	go func() { defer wg.Done(); mapCfg, errs[5] = s.client.GetMapConfig(ctx) }()
	wg.Wait()

	var firstErr error
	for _, err := range errs {
		if err != nil {
			firstErr = err
			break
		}
	}
	s.mu.Lock()
	s.loading = false
	if firstErr != nil {
		s.lastError = firstErr
		s.mu.Unlock()
		s.logger.Errorf("console initial load: %v", firstErr)
		return firstErr
	}
	s.loaded = true
	s.lastError = nil
	s.lastRefreshAt = time.Now().UTC()
	s.mu.Unlock()

	s.store.ReplaceAll(incidents)
	s.refCache.SetServices(services)
	s.refCache.SetDepartments(departments)
	s.refCache.SetStaff(staff)
	s.refCache.SetMapLayers(layers)
	if mapCfg != nil {
		s.refCache.SetMapConfig(*mapCfg)
	}
	return nil
}

// StartWithContext runs the periodic refresh loop. At most one loop runs.
func (s *Syncer) StartWithContext(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()
	go s.loop(runCtx)
}

func (s *Syncer) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				// Prior snapshot stays; the next tick retries.
				s.logger.Warnf("console refresh: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// StopWithContext stops the loop, waits for it, and freezes the store so any
// response that resolves after teardown mutates nothing.
func (s *Syncer) StopWithContext(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	wasRunning := s.running
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if wasRunning {
		waitDone := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(waitDone)
		}()
		select {
		case <-waitDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.store.Close()
	return nil
}

// Refresh refetches only the incident collection and replaces the snapshot
// wholesale. On failure the prior snapshot is left untouched. Also invoked on
// return-to-foreground and manual reload.
func (s *Syncer) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	incidents, err := s.client.ListIncidents(ctx)
	if err != nil {
		s.mu.Lock()
		s.lastError = err
		s.mu.Unlock()
		return err
	}
	s.store.ReplaceAll(incidents)
	s.mu.Lock()
	s.lastError = nil
	s.lastRefreshAt = time.Now().UTC()
	s.mu.Unlock()
	return nil
}

// ApplyOptimistic overlays the mutation locally, then issues the PATCH. On
// success the local copy is replaced with the server's canonical record; on
// failure the overlay is rolled back to the last confirmed value and the
// error surfaces as transient. The rollback is generation-checked: if a
// refresh replaced the snapshot while the PATCH was in flight there is
// nothing left to revert.
func (s *Syncer) ApplyOptimistic(ctx context.Context, externalID string, patch Patch) (*Incident, error) {
	confirmed, ok := s.store.Get(externalID)
	if !ok {
		return nil, ErrNotFound
	}
	gen := s.store.Generation()
	overlay := applyPatchLocal(confirmed, patch)
	s.store.Upsert(overlay)

	canonical, err := s.client.PatchIncident(ctx, externalID, patch)
	if err != nil {
		s.store.UpsertIfGeneration(confirmed, gen)
		return nil, err
	}
	s.store.Upsert(*canonical)
	return canonical, nil
}

// applyPatchLocal mirrors the server's patch semantics onto a local copy so
// the UI reflects the edit before the round trip resolves.
func applyPatchLocal(inc Incident, patch Patch) Incident {
	if patch.Status != nil {
		inc.Status = *patch.Status
		if *patch.Status != "closed" && patch.ClosedSubstatus == nil {
			inc.ClosedSubstatus = ""
		}
	}
	if patch.ClosedSubstatus != nil {
		inc.ClosedSubstatus = *patch.ClosedSubstatus
	}
	if patch.Description != nil {
		inc.Description = *patch.Description
	}
	if patch.Address != nil {
		inc.Address = *patch.Address
	}
	if patch.AssignedDepartmentID != nil {
		if *patch.AssignedDepartmentID == 0 {
			inc.AssignedDepartmentID = nil
		} else {
			v := *patch.AssignedDepartmentID
			inc.AssignedDepartmentID = &v
		}
	}
	if patch.AssignedTo != nil {
		inc.AssignedTo = *patch.AssignedTo
	}
	if patch.ManualPriorityScore != nil {
		v := *patch.ManualPriorityScore
		inc.ManualPriorityScore = &v
	}
	if patch.Flagged != nil {
		inc.Flagged = *patch.Flagged
	}
	inc.UpdatedAt = time.Now().UTC()
	return inc
}

func (s *Syncer) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *Syncer) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

func (s *Syncer) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

func (s *Syncer) LastRefreshAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRefreshAt
}
