package service

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quillmail/marks/internal/config"
	"github.com/quillmail/marks/internal/db"
)

const (
	ActionBookmarkCreate = "bookmark.create"
	ActionBookmarkUpdate = "bookmark.update"
	ActionBookmarkDelete = "bookmark.delete"
	ActionFolderCreate   = "folder.create"
	ActionFolderUpdate   = "folder.update"
	ActionFolderDelete   = "folder.delete"
)

// EventDetail is the JSON snapshot stored with an audit event. Shares is
// the grant list at action time; delete-event replay depends on it once
// the live grant rows are gone.
type EventDetail struct {
	Title    string       `json:"title,omitempty"`
	URL      string       `json:"url,omitempty"`
	Name     string       `json:"name,omitempty"`
	Favorite bool         `json:"favorite,omitempty"`
	Tags     []string     `json:"tags,omitempty"`
	Shares   []ShareGrant `json:"shares,omitempty"`
}

// EventRecorder appends audit events best-effort: a failed write never
// fails the parent operation and is only surfaced in debug mode.
type EventRecorder struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
	debug  bool
}

func NewEventRecorder(gdb *gorm.DB, cfg *config.Config, logger *zap.SugaredLogger) *EventRecorder {
	return &EventRecorder{
		db:     gdb,
		logger: logger,
		debug:  cfg.Debug,
	}
}

// RecordBookmark snapshots a bookmark action. The grant list is passed in
// by the caller so delete events capture grants before removal.
func (r *EventRecorder) RecordBookmark(actor, action string, b *db.Bookmark, grants []ShareGrant) {
	detail := EventDetail{
		Title:    b.Title,
		URL:      b.URL,
		Favorite: b.Favorite,
		Tags:     ParseTags(b.Tags).Items(),
		Shares:   grants,
	}
	ev := db.BookmarkEvent{
		Owner:       b.Owner,
		OwnerDomain: b.OwnerDomain,
		Visibility:  b.Visibility,
		ShareScope:  b.ShareScope,
		Actor:       actor,
		Action:      action,
	}
	// Delete events carry no row reference: the row is gone by the time the
	// event is written, and a dangling id would violate the FK under an
	// enforcing backend. The snapshot columns and detail blob stand alone.
	if action != ActionBookmarkDelete {
		id := b.ID
		ev.BookmarkID = &id
	}
	r.append(&ev, detail)
}

// RecordFolder snapshots a folder action.
func (r *EventRecorder) RecordFolder(actor, action string, f *db.Folder) {
	detail := EventDetail{Name: f.Name}
	ev := db.BookmarkEvent{
		Owner:       f.Owner,
		OwnerDomain: f.OwnerDomain,
		Visibility:  f.Visibility,
		Actor:       actor,
		Action:      action,
	}
	if action != ActionFolderDelete {
		id := f.ID
		ev.FolderID = &id
	}
	r.append(&ev, detail)
}

func (r *EventRecorder) append(ev *db.BookmarkEvent, detail EventDetail) {
	blob, err := json.Marshal(detail)
	if err == nil {
		ev.Detail = string(blob)
		res := r.db.Create(ev)
		err = res.Error
	}
	if err != nil && r.debug {
		r.logger.Warnw("audit event write failed", "action", ev.Action, "error", err)
	}
}

// ActivityEntry is one replayed audit event.
type ActivityEntry struct {
	ID         uint64
	Action     string
	Actor      string
	BookmarkID *uint64
	FolderID   *uint64
	Visibility string
	ShareScope string
	Detail     EventDetail
	CreatedAt  time.Time
}

const defaultActivityLimit = 100
const maxActivityLimit = 500

// The visibility rule runs per event in code, so filling a page means
// scanning past invisible events. The scan is batched and capped.
const eventScanBatch = 200
const maxEventScan = 5000

// EventFilter replays the audit trail under the same visibility rule as
// live bookmarks: current visibility wins while the bookmark exists, the
// recorded snapshot (grants included) decides once it is gone.
type EventFilter struct {
	db *gorm.DB
}

func NewEventFilter(gdb *gorm.DB) *EventFilter {
	return &EventFilter{db: gdb}
}

func (f *EventFilter) VisibleEvents(principal, domain string, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	if limit > maxActivityLimit {
		limit = maxActivityLimit
	}

	// Invisible events must not consume the page, so the scan keeps paging
	// until the page is full, the trail ends, or the scan cap is hit.
	out := make([]ActivityEntry, 0, limit)
	for offset := 0; offset < maxEventScan; offset += eventScanBatch {
		events := make([]db.BookmarkEvent, 0, eventScanBatch)
		res := f.db.Order("created_at DESC, id DESC").Limit(eventScanBatch).Offset(offset).Find(&events)
		if res.Error != nil {
			return nil, errors.Wrap(res.Error, "list events")
		}

		for i := range events {
			visible, detail, err := f.eventVisible(&events[i], principal, domain)
			if err != nil {
				return nil, err
			}
			if !visible {
				continue
			}
			out = append(out, ActivityEntry{
				ID:         events[i].ID,
				Action:     events[i].Action,
				Actor:      events[i].Actor,
				BookmarkID: events[i].BookmarkID,
				FolderID:   events[i].FolderID,
				Visibility: events[i].Visibility,
				ShareScope: events[i].ShareScope,
				Detail:     detail,
				CreatedAt:  events[i].CreatedAt,
			})
			if len(out) == limit {
				return out, nil
			}
		}

		if len(events) < eventScanBatch {
			break
		}
	}
	return out, nil
}

func (f *EventFilter) eventVisible(ev *db.BookmarkEvent, principal, domain string) (bool, EventDetail, error) {
	detail := EventDetail{}
	if ev.Detail != "" {
		// A corrupt blob falls back to an empty snapshot; the event is then
		// judged on its recorded scope columns alone.
		_ = json.Unmarshal([]byte(ev.Detail), &detail)
	}

	if ev.BookmarkID != nil {
		live := db.Bookmark{}
		res := f.db.First(&live, *ev.BookmarkID)
		if res.Error == nil {
			var grants []ShareGrant
			if live.Visibility == VisibilityShared && live.ShareScope == ScopeCustom {
				rows := make([]db.BookmarkShare, 0)
				gres := f.db.Where("bookmark_id = ?", live.ID).Find(&rows)
				if gres.Error != nil {
					return false, detail, errors.Wrap(gres.Error, "load grants")
				}
				grants = grantsOf(rows)
			}
			return VisibleTo(live.Visibility, live.ShareScope, live.Owner, live.OwnerDomain, grants, principal, domain), detail, nil
		}
		if res.Error != gorm.ErrRecordNotFound {
			return false, detail, errors.Wrap(res.Error, "load bookmark")
		}
	}

	if ev.FolderID != nil {
		live := db.Folder{}
		res := f.db.First(&live, *ev.FolderID)
		if res.Error == nil {
			return VisibleTo(live.Visibility, "", live.Owner, live.OwnerDomain, nil, principal, domain), detail, nil
		}
		if res.Error != gorm.ErrRecordNotFound {
			return false, detail, errors.Wrap(res.Error, "load folder")
		}
	}

	// Referenced row is gone: the recorded snapshot decides.
	return VisibleTo(ev.Visibility, ev.ShareScope, ev.Owner, ev.OwnerDomain, detail.Shares, principal, domain), detail, nil
}
