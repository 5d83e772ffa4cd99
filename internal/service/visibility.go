package service

import (
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/quillmail/marks/internal/db"
)

// ListFilters narrows a visibility query. The folder filter applies only to
// the partition named by FolderVisibility; the other partition ignores it.
type ListFilters struct {
	Search           string
	FavoriteOnly     bool
	Tags             []string
	FolderID         *uint64
	FolderVisibility string
}

type VisibilityEngine struct {
	db *gorm.DB
}

func NewVisibilityEngine(gdb *gorm.DB) *VisibilityEngine {
	return &VisibilityEngine{db: gdb}
}

// Favicon blobs are deliberately excluded from list scans.
var bookmarkColumns = []string{
	"b.id", "b.created_at", "b.updated_at",
	"b.owner", "b.owner_domain", "b.visibility", "b.share_scope",
	"b.folder_id", "b.title", "b.url", "b.description",
	"b.tags", "b.favorite", "b.favicon_mime", "b.favicon_hash",
	"b.created_by", "b.updated_by",
}

// VisiblePrivate returns the principal's own private bookmarks, newest
// first.
func (e *VisibilityEngine) VisiblePrivate(principal string, f ListFilters) ([]db.Bookmark, error) {
	q := squirrel.
		Select(bookmarkColumns...).
		From("bookmarks b").
		Where(squirrel.Eq{
			"b.visibility": VisibilityPrivate,
			"b.owner":      principal,
		}).
		OrderBy("b.created_at DESC", "b.id DESC")
	q = applyFilters(q, f, VisibilityPrivate)
	return e.scan(q)
}

// VisibleShared returns the shared bookmarks visible to principal in
// domain: domain-scoped rows of the same domain plus custom-scoped rows
// with a matching user or domain grant. The grant join is deduplicated by
// grouping on the bookmark key.
func (e *VisibilityEngine) VisibleShared(principal, domain string, f ListFilters) ([]db.Bookmark, error) {
	q := squirrel.
		Select(bookmarkColumns...).
		From("bookmarks b").
		LeftJoin("bookmark_shares s ON s.bookmark_id = b.id").
		Where(squirrel.And{
			squirrel.Eq{"b.visibility": VisibilityShared},
			squirrel.Or{
				squirrel.And{
					squirrel.Eq{"b.share_scope": ScopeDomain},
					squirrel.Eq{"b.owner_domain": domain},
				},
				squirrel.And{
					squirrel.Eq{"b.share_scope": ScopeCustom},
					squirrel.Or{
						squirrel.And{
							squirrel.Eq{"s.grant_type": GrantUser},
							squirrel.Eq{"s.target": principal},
						},
						squirrel.And{
							squirrel.Eq{"s.grant_type": GrantDomain},
							squirrel.Eq{"s.target": domain},
						},
					},
				},
			},
		}).
		GroupBy("b.id").
		OrderBy("b.created_at DESC", "b.id DESC")
	q = applyFilters(q, f, VisibilityShared)
	return e.scan(q)
}

// VisibleFolders returns the principal's own private folders and the
// shared folders of their domain, ordered for display.
func (e *VisibilityEngine) VisibleFolders(principal, domain string) ([]db.Folder, []db.Folder, error) {
	private := make([]db.Folder, 0)
	res := e.db.
		Where("visibility = ? AND owner = ?", VisibilityPrivate, principal).
		Order("sort_order, name").
		Find(&private)
	if res.Error != nil {
		return nil, nil, errors.Wrap(res.Error, "list private folders")
	}

	shared := make([]db.Folder, 0)
	res = e.db.
		Where("visibility = ? AND owner_domain = ?", VisibilityShared, domain).
		Order("sort_order, name").
		Find(&shared)
	if res.Error != nil {
		return nil, nil, errors.Wrap(res.Error, "list shared folders")
	}

	return private, shared, nil
}

// CanSee is the single-row visibility predicate, loading grants on demand
// for custom-scoped rows. It doubles as the mutation access check for
// bookmarks.
func (e *VisibilityEngine) CanSee(b *db.Bookmark, principal, domain string) (bool, error) {
	var grants []ShareGrant
	if b.Visibility == VisibilityShared && b.ShareScope == ScopeCustom {
		rows, err := e.Grants(b.ID)
		if err != nil {
			return false, err
		}
		grants = grantsOf(rows)
	}
	return VisibleTo(b.Visibility, b.ShareScope, b.Owner, b.OwnerDomain, grants, principal, domain), nil
}

// Grants returns the live grant rows for a bookmark.
func (e *VisibilityEngine) Grants(bookmarkID uint64) ([]db.BookmarkShare, error) {
	rows := make([]db.BookmarkShare, 0)
	res := e.db.Where("bookmark_id = ?", bookmarkID).Order("id").Find(&rows)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "load bookmark shares")
	}
	return rows, nil
}

// VisibleTo is the pure three-way rule shared by live checks and audit
// replay: private rows to their owner, domain-scoped rows to the owner
// domain, custom-scoped rows to granted users/domains only.
func VisibleTo(visibility, scope string, owner *string, ownerDomain string, grants []ShareGrant, principal, domain string) bool {
	switch visibility {
	case VisibilityPrivate:
		return owner != nil && *owner == principal
	case VisibilityShared:
		if scope == ScopeCustom {
			for _, g := range grants {
				if g.Type == GrantUser && g.Target == principal {
					return true
				}
				if g.Type == GrantDomain && g.Target == domain {
					return true
				}
			}
			return false
		}
		return ownerDomain == domain
	default:
		return false
	}
}

func applyFilters(q squirrel.SelectBuilder, f ListFilters, partition string) squirrel.SelectBuilder {
	if f.Search != "" {
		like := "%" + strings.ToLower(f.Search) + "%"
		q = q.Where(squirrel.Or{
			squirrel.Expr("LOWER(b.title) LIKE ?", like),
			squirrel.Expr("LOWER(b.url) LIKE ?", like),
			squirrel.Expr("LOWER(b.description) LIKE ?", like),
			squirrel.Expr("LOWER(b.tags) LIKE ?", like),
		})
	}
	if f.FavoriteOnly {
		q = q.Where(squirrel.Eq{"b.favorite": true})
	}
	if len(f.Tags) > 0 {
		// Substring match on the serialized tag list; tags are a small
		// controlled vocabulary.
		or := squirrel.Or{}
		for _, tag := range f.Tags {
			or = append(or, squirrel.Expr("LOWER(b.tags) LIKE ?", "%"+strings.ToLower(strings.TrimSpace(tag))+"%"))
		}
		q = q.Where(or)
	}
	if f.FolderID != nil && f.FolderVisibility == partition {
		q = q.Where(squirrel.Eq{"b.folder_id": *f.FolderID})
	}
	return q
}

func (e *VisibilityEngine) scan(q squirrel.SelectBuilder) ([]db.Bookmark, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build sql")
	}

	bookmarks := make([]db.Bookmark, 0)
	res := e.db.Raw(sql, args...).Scan(&bookmarks)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "scan")
	}
	return bookmarks, nil
}
