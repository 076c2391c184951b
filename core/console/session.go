package console

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"civic311/core/utils"
)

var ErrNoAISuggestion = errors.New("no analysis priority suggestion to accept")

// DetailSession is the state behind one open detail panel. A console UI
// session has at most one: loading a new detail unconditionally discards the
// previous one, unsaved draft included.
type DetailSession struct {
	Incident            Incident       `json:"incident"`
	Timeline            []TimelineItem `json:"timeline"`
	Comments            []Comment      `json:"comments"`
	TimelineUnavailable bool           `json:"timeline_unavailable,omitempty"`
	CommentsUnavailable bool           `json:"comments_unavailable,omitempty"`
	Draft               *Patch         `json:"draft,omitempty"`
	OpenedAt            time.Time      `json:"opened_at"`
}

// Engine wires the store, syncer, reference cache, and map adapter into the
// facade the console surfaces call.
type Engine struct {
	store      *Store
	syncer     *Syncer
	client     RecordsClient
	refCache   *ReferenceCache
	mapAdapter *MapRenderAdapter
	logger     *utils.Logger

	mu      sync.Mutex
	details map[string]*DetailSession
}

func NewEngine(client RecordsClient, refCache *ReferenceCache, refreshInterval time.Duration, logger *utils.Logger) *Engine {
	store := NewStore()
	e := &Engine{
		store:    store,
		syncer:   NewSyncer(client, store, refCache, refreshInterval, logger),
		client:   client,
		refCache: refCache,
		logger:   logger,
		details:  map[string]*DetailSession{},
	}
	e.mapAdapter = NewMapRenderAdapter(func(ctx context.Context, sessionID, externalID string) error {
		_, err := e.OpenDetail(ctx, sessionID, externalID)
		return err
	})
	return e
}

func (e *Engine) Store() *Store          { return e.store }
func (e *Engine) Syncer() *Syncer        { return e.syncer }
func (e *Engine) Cache() *ReferenceCache { return e.refCache }
func (e *Engine) Map() *MapRenderAdapter { return e.mapAdapter }

func (e *Engine) InitialLoad(ctx context.Context) error { return e.syncer.InitialLoad(ctx) }
func (e *Engine) StartWithContext(ctx context.Context)  { e.syncer.StartWithContext(ctx) }
func (e *Engine) StopWithContext(ctx context.Context) error {
	return e.syncer.StopWithContext(ctx)
}

// View compiles the ordered, filtered list for one surface.
func (e *Engine) View(vs ViewState, viewer Viewer) View {
	return Compile(e.store.Snapshot(), vs, viewer, e.refCache.Catalog())
}

// Dashboard aggregates are derived from the same snapshot and predicates as
// the list surfaces, so the numbers always agree with what the lists show.
type Dashboard struct {
	Total       int            `json:"total"`
	Workspaces  map[string]int `json:"workspaces"`
	Bands       map[string]int `json:"bands"`
	NeedsReview int            `json:"needs_review"`
}

func (e *Engine) Dashboard(viewer Viewer) Dashboard {
	view := e.View(ViewState{Workspace: WorkspaceAll}, viewer)
	d := Dashboard{
		Workspaces: map[string]int{},
		Bands:      map[string]int{},
	}
	count := func(inc Incident) {
		d.Total++
		for _, ws := range []Workspace{WorkspaceActive, WorkspaceInProgress, WorkspaceResolved} {
			if ws.matches(inc.Status) {
				d.Workspaces[string(ws)]++
			}
		}
		d.Bands[PriorityBand(EffectivePriority(inc))]++
	}
	for _, inc := range view.Items {
		count(inc)
	}
	for _, inc := range view.NeedsReview {
		count(inc)
		d.NeedsReview++
	}
	return d
}

// MapFeed hands the rendering SDK the priority-band-filtered subset plus the
// requested overlays.
func (e *Engine) MapFeed(vs ViewState, viewer Viewer, enabledLayers map[int64]bool) MapFeed {
	view := e.View(vs, viewer)
	items := append(view.Items, view.NeedsReview...)
	cfg, _ := e.refCache.MapConfig()
	return e.mapAdapter.Feed(items, e.refCache.MapLayers(), enabledLayers, cfg)
}

// OpenDetail loads the detail, audit timeline, and comments for one incident
// and makes it the session's single active detail. Audit and comment failures
// are isolated: the detail still opens with those panels empty.
func (e *Engine) OpenDetail(ctx context.Context, sessionID, externalID string) (*DetailSession, error) {
	inc, err := e.client.GetIncident(ctx, externalID)
	if err != nil {
		return nil, err
	}
	detail := &DetailSession{Incident: *inc, OpenedAt: time.Now().UTC()}
	audit, err := e.client.ListAudit(ctx, externalID)
	if err != nil {
		e.logger.Warnf("audit log for %s unavailable: %v", externalID, err)
		audit = nil
		detail.TimelineUnavailable = true
	}
	detail.Timeline = BuildTimeline(audit, inc.RequestedAt)
	comments, err := e.client.ListComments(ctx, inc.InternalID)
	if err != nil {
		e.logger.Warnf("comments for %s unavailable: %v", externalID, err)
		comments = nil
		detail.CommentsUnavailable = true
	}
	detail.Comments = comments

	e.store.Upsert(*inc)
	e.mu.Lock()
	e.details[sessionID] = detail // previous detail and draft are discarded
	e.mu.Unlock()
	return detail, nil
}

func (e *Engine) Detail(sessionID string) *DetailSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.details[sessionID]
}

func (e *Engine) CloseDetail(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.details, sessionID)
}

// SetDraft stores unsaved edit state on the open detail.
func (e *Engine) SetDraft(sessionID string, draft *Patch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if detail, ok := e.details[sessionID]; ok {
		detail.Draft = draft
	}
}

// ApplyOptimistic applies the mutation to the store and, when the session has
// the incident open, to the detail copy as well, ahead of confirmation.
func (e *Engine) ApplyOptimistic(ctx context.Context, sessionID, externalID string, patch Patch) (*Incident, error) {
	e.mu.Lock()
	detail := e.details[sessionID]
	var confirmedDetail *Incident
	if detail != nil && detail.Incident.ExternalID == externalID {
		copyInc := detail.Incident
		confirmedDetail = &copyInc
		detail.Incident = applyPatchLocal(detail.Incident, patch)
	}
	e.mu.Unlock()

	canonical, err := e.syncer.ApplyOptimistic(ctx, externalID, patch)

	e.mu.Lock()
	defer e.mu.Unlock()
	if detail != nil && e.details[sessionID] == detail && detail.Incident.ExternalID == externalID {
		if err != nil {
			if confirmedDetail != nil {
				detail.Incident = *confirmedDetail
			}
		} else {
			detail.Incident = *canonical
			detail.Draft = nil
		}
	}
	return canonical, err
}

// AcceptAISuggestion promotes the analysis priority score into the manual
// score, moving the incident from the review partition into ranked order.
func (e *Engine) AcceptAISuggestion(ctx context.Context, sessionID, externalID string) (*Incident, error) {
	inc, ok := e.store.Get(externalID)
	if !ok {
		return nil, ErrNotFound
	}
	if inc.AIAnalysis == nil || inc.AIAnalysis.PriorityScore == nil {
		return nil, ErrNoAISuggestion
	}
	score := *inc.AIAnalysis.PriorityScore
	return e.ApplyOptimistic(ctx, sessionID, externalID, Patch{ManualPriorityScore: &score})
}

// AddComment posts a comment on the session's open detail and appends it
// locally on success.
func (e *Engine) AddComment(ctx context.Context, sessionID, body string) (*Comment, error) {
	e.mu.Lock()
	detail := e.details[sessionID]
	e.mu.Unlock()
	if detail == nil {
		return nil, ErrNotFound
	}
	comment, err := e.client.AddComment(ctx, detail.Incident.InternalID, body)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.details[sessionID] == detail {
		detail.Comments = append(detail.Comments, *comment)
	}
	e.mu.Unlock()
	return comment, nil
}

// Location state: the current workspace and selected incident are the only
// state restored across reloads, as "<workspace>/request/<externalId>".

func FormatLocation(ws Workspace, externalID string) string {
	if externalID == "" {
		return string(ws)
	}
	return fmt.Sprintf("%s/request/%s", ws, externalID)
}

func ParseLocation(path string) (Workspace, string, error) {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return WorkspaceActive, "", nil
	}
	parts := strings.Split(path, "/")
	ws := ParseWorkspace(parts[0])
	switch len(parts) {
	case 1:
		return ws, "", nil
	case 3:
		if parts[1] != "request" || parts[2] == "" {
			return ws, "", fmt.Errorf("malformed location %q", path)
		}
		return ws, parts[2], nil
	default:
		return ws, "", fmt.Errorf("malformed location %q", path)
	}
}
