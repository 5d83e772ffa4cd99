package service

import (
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/mo"
	"gorm.io/gorm"

	"github.com/quillmail/marks/internal/config"
	"github.com/quillmail/marks/internal/db"
)

var urlSchemeRe = regexp.MustCompile(`^https?://`)

// maxFolderDepth bounds the ancestor walk during parent validation.
const maxFolderDepth = 100

type (
	FolderCreateReq struct {
		Name       string
		Visibility string
		ParentID   *uint64
		SortOrder  int
	}

	FolderUpdateReq struct {
		Name      mo.Option[string]
		ParentID  mo.Option[*uint64]
		SortOrder mo.Option[int]
	}

	BookmarkCreateReq struct {
		Title       string
		URL         string
		Description string
		Tags        []string
		Favorite    bool
		Visibility  string
		FolderID    *uint64
		Share       ShareInput
		FetchIcon   bool
	}

	BookmarkUpdateReq struct {
		Title       mo.Option[string]
		URL         mo.Option[string]
		Description mo.Option[string]
		Tags        mo.Option[[]string]
		Favorite    mo.Option[bool]
		FolderID    mo.Option[*uint64]
		Share       ShareInput
		RefreshIcon bool
	}

	ListResult struct {
		Private []db.Bookmark
		Shared  []db.Bookmark
	}

	FolderListResult struct {
		Private []db.Folder
		Shared  []db.Folder
	}

	Meta struct {
		Domain        string
		SharedEnabled bool
		SharedLabel   string
		MaxPrivate    int
		MaxShared     int
		PrivateCount  int64
		SharedCount   int64
	}
)

// Bookmarks orchestrates folder and bookmark lifecycles: policy resolution,
// visibility and quota checks, grant replacement, audit emission.
type Bookmarks struct {
	db         *gorm.DB
	cfg        *config.Config
	accounts   *Accounts
	settings   *SettingsStore
	visibility *VisibilityEngine
	quota      *QuotaEnforcer
	events     *EventRecorder
	activity   *EventFilter
	icons      IconFetcher
}

func NewBookmarks(
	gdb *gorm.DB,
	cfg *config.Config,
	accounts *Accounts,
	settings *SettingsStore,
	visibility *VisibilityEngine,
	quota *QuotaEnforcer,
	events *EventRecorder,
	activity *EventFilter,
	icons IconFetcher,
) *Bookmarks {
	return &Bookmarks{
		db:         gdb,
		cfg:        cfg,
		accounts:   accounts,
		settings:   settings,
		visibility: visibility,
		quota:      quota,
		events:     events,
		activity:   activity,
		icons:      icons,
	}
}

// gate is the entry check every operation runs: feature flag, then account
// existence and active status. An unknown principal is distinguished from
// one with no data.
func (s *Bookmarks) gate(actor string) (string, string, error) {
	if !s.cfg.BookmarksEnabled {
		return "", "", domainErr(KindFeatureDisabled, "bookmarks are disabled")
	}
	principal := NormalizePrincipal(actor)
	user, err := s.accounts.FindByUsername(principal)
	if err != nil {
		return "", "", err
	}
	if user == nil {
		return "", "", domainErr(KindNotProvisioned, "no account for %s", principal)
	}
	if !user.Active {
		return "", "", domainErr(KindAccountDisabled, "account %s is disabled", principal)
	}
	return principal, DomainOf(principal), nil
}

func (s *Bookmarks) CreateFolder(actor string, req FolderCreateReq) (*db.Folder, error) {
	principal, domain, err := s.gate(actor)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domainErr(KindValidation, "folder name must not be empty")
	}

	vis, err := resolveVisibility(req.Visibility)
	if err != nil {
		return nil, err
	}
	if vis == VisibilityShared {
		settings, err := s.settings.Resolve(domain)
		if err != nil {
			return nil, err
		}
		if !settings.SharedEnabled {
			return nil, domainErr(KindSharingDisabled, "sharing is disabled for this domain")
		}
	}

	if req.ParentID != nil {
		parent, err := s.loadFolder(*req.ParentID)
		if err != nil {
			return nil, err
		}
		if parent == nil || !folderAccessible(parent, principal, domain) {
			return nil, domainErr(KindInvalidParent, "parent folder not found or not accessible")
		}
		if parent.Visibility != vis {
			return nil, domainErr(KindInvalidParent, "parent folder visibility does not match")
		}
	}

	folder := db.Folder{
		OwnerDomain: domain,
		Visibility:  vis,
		Name:        name,
		ParentID:    req.ParentID,
		SortOrder:   req.SortOrder,
		CreatedBy:   principal,
		UpdatedBy:   principal,
	}
	if vis == VisibilityPrivate {
		folder.Owner = &principal
	}

	if res := s.db.Create(&folder); res.Error != nil {
		return nil, errors.Wrap(res.Error, "create folder")
	}

	s.events.RecordFolder(principal, ActionFolderCreate, &folder)
	return &folder, nil
}

func (s *Bookmarks) UpdateFolder(actor string, id uint64, req FolderUpdateReq) (*db.Folder, error) {
	principal, domain, err := s.gate(actor)
	if err != nil {
		return nil, err
	}

	folder, err := s.loadFolder(id)
	if err != nil {
		return nil, err
	}
	if folder == nil {
		return nil, domainErr(KindNotFound, "folder not found")
	}
	if !folderAccessible(folder, principal, domain) {
		return nil, domainErr(KindAccessDenied, "folder belongs to someone else")
	}

	if name, ok := req.Name.Get(); ok {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, domainErr(KindValidation, "folder name must not be empty")
		}
		folder.Name = name
	}

	if parentID, ok := req.ParentID.Get(); ok {
		if parentID == nil {
			folder.ParentID = nil
		} else {
			if *parentID == folder.ID {
				return nil, domainErr(KindInvalidParent, "folder cannot be its own parent")
			}
			parent, err := s.loadFolder(*parentID)
			if err != nil {
				return nil, err
			}
			if parent == nil || !folderAccessible(parent, principal, domain) {
				return nil, domainErr(KindInvalidParent, "parent folder not found or not accessible")
			}
			if parent.Visibility != folder.Visibility {
				return nil, domainErr(KindInvalidParent, "parent folder visibility does not match")
			}
			if err := s.checkFolderCycle(folder.ID, parent); err != nil {
				return nil, err
			}
			folder.ParentID = parentID
		}
	}

	if sortOrder, ok := req.SortOrder.Get(); ok {
		folder.SortOrder = sortOrder
	}

	folder.UpdatedBy = principal
	if res := s.db.Save(folder); res.Error != nil {
		return nil, errors.Wrap(res.Error, "update folder")
	}

	s.events.RecordFolder(principal, ActionFolderUpdate, folder)
	return folder, nil
}

// DeleteFolder unfiles contained bookmarks rather than deleting them;
// child folders block the delete.
func (s *Bookmarks) DeleteFolder(actor string, id uint64) error {
	principal, domain, err := s.gate(actor)
	if err != nil {
		return err
	}

	folder, err := s.loadFolder(id)
	if err != nil {
		return err
	}
	if folder == nil {
		return domainErr(KindNotFound, "folder not found")
	}
	if !folderAccessible(folder, principal, domain) {
		return domainErr(KindAccessDenied, "folder belongs to someone else")
	}

	var children int64
	res := s.db.Model(&db.Folder{}).Where("parent_id = ?", id).Count(&children)
	if res.Error != nil {
		return errors.Wrap(res.Error, "count child folders")
	}
	if children > 0 {
		return domainErr(KindFolderNotEmpty, "folder still contains %d subfolders", children)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&db.Bookmark{}).Where("folder_id = ?", id).Update("folder_id", nil)
		if res.Error != nil {
			return errors.Wrap(res.Error, "unlink bookmarks")
		}
		if res := tx.Delete(&db.Folder{}, id); res.Error != nil {
			return errors.Wrap(res.Error, "delete folder")
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.events.RecordFolder(principal, ActionFolderDelete, folder)
	return nil
}

func (s *Bookmarks) FoldersForUser(actor string) (*FolderListResult, error) {
	principal, domain, err := s.gate(actor)
	if err != nil {
		return nil, err
	}
	private, shared, err := s.visibility.VisibleFolders(principal, domain)
	if err != nil {
		return nil, err
	}
	return &FolderListResult{Private: private, Shared: shared}, nil
}

func (s *Bookmarks) CreateBookmark(actor string, req BookmarkCreateReq) (*db.Bookmark, error) {
	principal, domain, err := s.gate(actor)
	if err != nil {
		return nil, err
	}

	rawURL := strings.TrimSpace(req.URL)
	if rawURL == "" {
		return nil, domainErr(KindValidation, "url must not be empty")
	}
	if !urlSchemeRe.MatchString(rawURL) {
		return nil, domainErr(KindValidation, "url must start with http:// or https://")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = rawURL
	}

	vis, err := resolveVisibility(req.Visibility)
	if err != nil {
		return nil, err
	}
	if vis == VisibilityPrivate && !req.Share.empty() {
		return nil, domainErr(KindValidation, "sharing settings do not apply to private bookmarks")
	}

	if req.FolderID != nil {
		if _, err := s.resolveBookmarkFolder(*req.FolderID, vis, principal, domain); err != nil {
			return nil, err
		}
	}

	settings, err := s.settings.Resolve(domain)
	if err != nil {
		return nil, err
	}
	if vis == VisibilityShared {
		if !settings.SharedEnabled {
			return nil, domainErr(KindSharingDisabled, "sharing is disabled for this domain")
		}
		if err := s.quota.CheckShared(domain, settings); err != nil {
			return nil, err
		}
	} else {
		if err := s.quota.CheckPrivate(principal, settings); err != nil {
			return nil, err
		}
	}

	share, err := ResolveShareConfig(req.Share, ScopeDomain)
	if err != nil {
		return nil, err
	}

	bookmark := db.Bookmark{
		OwnerDomain: domain,
		Visibility:  vis,
		ShareScope:  share.Scope,
		FolderID:    req.FolderID,
		Title:       title,
		URL:         rawURL,
		Description: req.Description,
		Tags:        NewTagSet(req.Tags...).Serialize(),
		Favorite:    req.Favorite,
		CreatedBy:   principal,
		UpdatedBy:   principal,
	}
	if vis == VisibilityPrivate {
		bookmark.Owner = &principal
	}

	if req.FetchIcon {
		s.applyFavicon(&bookmark, rawURL)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if res := tx.Create(&bookmark); res.Error != nil {
			return errors.Wrap(res.Error, "create bookmark")
		}
		rows := []db.BookmarkShare{}
		if vis == VisibilityShared && share.Scope == ScopeCustom {
			rows = DecorateShareRows(share.Grants, bookmark.ID, principal, time.Now())
		}
		return replaceShares(tx, bookmark.ID, rows)
	})
	if err != nil {
		return nil, err
	}

	s.events.RecordBookmark(principal, ActionBookmarkCreate, &bookmark, share.Grants)
	return &bookmark, nil
}

func (s *Bookmarks) UpdateBookmark(actor string, id uint64, req BookmarkUpdateReq) (*db.Bookmark, error) {
	principal, domain, err := s.gate(actor)
	if err != nil {
		return nil, err
	}

	bookmark, err := s.loadBookmark(id)
	if err != nil {
		return nil, err
	}
	if bookmark == nil {
		return nil, domainErr(KindNotFound, "bookmark not found")
	}
	ok, err := s.canManage(bookmark, principal, domain)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainErr(KindAccessDenied, "bookmark is not accessible")
	}
	if bookmark.Visibility == VisibilityPrivate && !req.Share.empty() {
		return nil, domainErr(KindValidation, "sharing settings do not apply to private bookmarks")
	}

	if rawURL, has := req.URL.Get(); has {
		rawURL = strings.TrimSpace(rawURL)
		if rawURL == "" {
			return nil, domainErr(KindValidation, "url must not be empty")
		}
		if !urlSchemeRe.MatchString(rawURL) {
			return nil, domainErr(KindValidation, "url must start with http:// or https://")
		}
		bookmark.URL = rawURL
	}
	if title, has := req.Title.Get(); has {
		title = strings.TrimSpace(title)
		if title == "" {
			title = bookmark.URL
		}
		bookmark.Title = title
	}
	if description, has := req.Description.Get(); has {
		bookmark.Description = description
	}
	if tags, has := req.Tags.Get(); has {
		bookmark.Tags = NewTagSet(tags...).Serialize()
	}
	if favorite, has := req.Favorite.Get(); has {
		bookmark.Favorite = favorite
	}
	if folderID, has := req.FolderID.Get(); has {
		if folderID == nil {
			bookmark.FolderID = nil
		} else {
			if _, err := s.resolveBookmarkFolder(*folderID, bookmark.Visibility, principal, domain); err != nil {
				return nil, err
			}
			bookmark.FolderID = folderID
		}
	}

	// Sharing is re-resolved only when the payload touches scope or grant
	// fields; otherwise the existing rows stand.
	share, err := ResolveShareConfig(req.Share, bookmark.ShareScope)
	if err != nil {
		return nil, err
	}
	replaceGrants := share.Touched && bookmark.Visibility == VisibilityShared
	if replaceGrants {
		bookmark.ShareScope = share.Scope
	}

	if req.RefreshIcon {
		s.applyFavicon(bookmark, bookmark.URL)
	}

	bookmark.UpdatedBy = principal
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if res := tx.Save(bookmark); res.Error != nil {
			return errors.Wrap(res.Error, "update bookmark")
		}
		if replaceGrants {
			rows := []db.BookmarkShare{}
			if share.Scope == ScopeCustom {
				rows = DecorateShareRows(share.Grants, bookmark.ID, principal, time.Now())
			}
			return replaceShares(tx, bookmark.ID, rows)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	eventGrants := share.Grants
	if !replaceGrants {
		eventGrants, err = s.currentGrants(bookmark)
		if err != nil {
			return nil, err
		}
	}
	s.events.RecordBookmark(principal, ActionBookmarkUpdate, bookmark, eventGrants)
	return bookmark, nil
}

func (s *Bookmarks) DeleteBookmark(actor string, id uint64) error {
	principal, domain, err := s.gate(actor)
	if err != nil {
		return err
	}

	bookmark, err := s.loadBookmark(id)
	if err != nil {
		return err
	}
	if bookmark == nil {
		return domainErr(KindNotFound, "bookmark not found")
	}
	ok, err := s.canManage(bookmark, principal, domain)
	if err != nil {
		return err
	}
	if !ok {
		return domainErr(KindAccessDenied, "bookmark is not accessible")
	}

	// Snapshot grants before removal; the delete event is the only place
	// they survive.
	grants, err := s.currentGrants(bookmark)
	if err != nil {
		return err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		// The FK cascade should cover this; clearing explicitly keeps the
		// invariant independent of the backend's FK enforcement.
		if res := tx.Where("bookmark_id = ?", id).Delete(&db.BookmarkShare{}); res.Error != nil {
			return errors.Wrap(res.Error, "clear bookmark shares")
		}
		if res := tx.Delete(&db.Bookmark{}, id); res.Error != nil {
			return errors.Wrap(res.Error, "delete bookmark")
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.events.RecordBookmark(principal, ActionBookmarkDelete, bookmark, grants)
	return nil
}

// ListForUser returns the principal's private bookmarks and, when asked,
// the shared set; the two lists stay separate for rendering.
func (s *Bookmarks) ListForUser(actor string, includeShared bool, filters ListFilters) (*ListResult, error) {
	principal, domain, err := s.gate(actor)
	if err != nil {
		return nil, err
	}

	private, err := s.visibility.VisiblePrivate(principal, filters)
	if err != nil {
		return nil, err
	}

	result := ListResult{
		Private: private,
		Shared:  []db.Bookmark{},
	}
	if includeShared {
		shared, err := s.visibility.VisibleShared(principal, domain, filters)
		if err != nil {
			return nil, err
		}
		result.Shared = shared
	}
	return &result, nil
}

func (s *Bookmarks) MetaForUser(actor string) (*Meta, error) {
	principal, domain, err := s.gate(actor)
	if err != nil {
		return nil, err
	}

	settings, err := s.settings.Resolve(domain)
	if err != nil {
		return nil, err
	}
	privateCount, err := s.quota.PrivateCount(principal)
	if err != nil {
		return nil, err
	}
	sharedCount, err := s.quota.SharedCount(domain)
	if err != nil {
		return nil, err
	}

	return &Meta{
		Domain:        domain,
		SharedEnabled: settings.SharedEnabled,
		SharedLabel:   settings.SharedLabel,
		MaxPrivate:    settings.MaxPrivate,
		MaxShared:     settings.MaxShared,
		PrivateCount:  privateCount,
		SharedCount:   sharedCount,
	}, nil
}

func (s *Bookmarks) ActivityForUser(actor string, limit int) ([]ActivityEntry, error) {
	principal, domain, err := s.gate(actor)
	if err != nil {
		return nil, err
	}
	return s.activity.VisibleEvents(principal, domain, limit)
}

// GetBookmarkShares returns the live grant list of an accessible bookmark.
func (s *Bookmarks) GetBookmarkShares(actor string, id uint64) ([]db.BookmarkShare, error) {
	principal, domain, err := s.gate(actor)
	if err != nil {
		return nil, err
	}
	bookmark, err := s.loadBookmark(id)
	if err != nil {
		return nil, err
	}
	if bookmark == nil {
		return nil, domainErr(KindNotFound, "bookmark not found")
	}
	ok, err := s.canManage(bookmark, principal, domain)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainErr(KindAccessDenied, "bookmark is not accessible")
	}
	return s.visibility.Grants(id)
}

// canManage is the mutation and grant-inspection predicate. It widens the
// visibility rule for one case: the creator of a shared bookmark keeps
// control even when the custom grant list does not name them. Listing
// still follows the visibility rule alone.
func (s *Bookmarks) canManage(b *db.Bookmark, principal, domain string) (bool, error) {
	ok, err := s.visibility.CanSee(b, principal, domain)
	if err != nil || ok {
		return ok, err
	}
	return b.Visibility == VisibilityShared && b.CreatedBy == principal, nil
}

func (s *Bookmarks) applyFavicon(b *db.Bookmark, pageURL string) {
	icon := s.icons.Fetch(pageURL)
	if icon == nil {
		return
	}
	now := time.Now()
	b.FaviconMime = icon.Mime
	b.FaviconHash = icon.Hash
	b.Favicon = icon.Bytes
	b.FaviconAt = &now
}

func (s *Bookmarks) currentGrants(b *db.Bookmark) ([]ShareGrant, error) {
	if b.Visibility != VisibilityShared || b.ShareScope != ScopeCustom {
		return nil, nil
	}
	rows, err := s.visibility.Grants(b.ID)
	if err != nil {
		return nil, err
	}
	return grantsOf(rows), nil
}

func (s *Bookmarks) resolveBookmarkFolder(id uint64, visibility, principal, domain string) (*db.Folder, error) {
	folder, err := s.loadFolder(id)
	if err != nil {
		return nil, err
	}
	if folder == nil {
		return nil, domainErr(KindNotFound, "folder not found")
	}
	if !folderAccessible(folder, principal, domain) {
		return nil, domainErr(KindAccessDenied, "folder belongs to someone else")
	}
	if folder.Visibility != visibility {
		return nil, domainErr(KindValidation, "folder visibility does not match the bookmark")
	}
	return folder, nil
}

// checkFolderCycle rejects re-parenting folder id under one of its own
// descendants by walking the proposed parent's ancestor chain.
func (s *Bookmarks) checkFolderCycle(id uint64, parent *db.Folder) error {
	current := parent
	for depth := 0; depth < maxFolderDepth; depth++ {
		if current.ID == id {
			return domainErr(KindInvalidParent, "folder cannot be moved under its own subfolder")
		}
		if current.ParentID == nil {
			return nil
		}
		next, err := s.loadFolder(*current.ParentID)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		current = next
	}
	return domainErr(KindInvalidParent, "folder tree is too deep")
}

func (s *Bookmarks) loadFolder(id uint64) (*db.Folder, error) {
	folder := db.Folder{}
	res := s.db.First(&folder, id)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, errors.Wrap(res.Error, "load folder")
	}
	return &folder, nil
}

func (s *Bookmarks) loadBookmark(id uint64) (*db.Bookmark, error) {
	bookmark := db.Bookmark{}
	res := s.db.First(&bookmark, id)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, errors.Wrap(res.Error, "load bookmark")
	}
	return &bookmark, nil
}

func resolveVisibility(raw string) (string, error) {
	switch raw {
	case "":
		return VisibilityPrivate, nil
	case VisibilityPrivate, VisibilityShared:
		return raw, nil
	default:
		return "", domainErr(KindValidation, "unknown visibility %q", raw)
	}
}

func folderAccessible(f *db.Folder, principal, domain string) bool {
	if f.Visibility == VisibilityPrivate {
		return f.Owner != nil && *f.Owner == principal
	}
	return f.OwnerDomain == domain
}

func replaceShares(tx *gorm.DB, bookmarkID uint64, rows []db.BookmarkShare) error {
	if res := tx.Where("bookmark_id = ?", bookmarkID).Delete(&db.BookmarkShare{}); res.Error != nil {
		return errors.Wrap(res.Error, "clear bookmark shares")
	}
	if len(rows) == 0 {
		return nil
	}
	if res := tx.Create(&rows); res.Error != nil {
		return errors.Wrap(res.Error, "insert bookmark shares")
	}
	return nil
}
