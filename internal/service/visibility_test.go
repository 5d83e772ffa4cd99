package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillmail/marks/internal/db"
)

func seedBookmark(t *testing.T, f *fixture, b db.Bookmark) *db.Bookmark {
	t.Helper()
	require.NoError(t, f.db.Create(&b).Error)
	return &b
}

func seedGrant(t *testing.T, f *fixture, bookmarkID uint64, grantType, target string) {
	t.Helper()
	require.NoError(t, f.db.Create(&db.BookmarkShare{
		BookmarkID: bookmarkID,
		GrantType:  grantType,
		Target:     target,
		Granter:    "seed",
	}).Error)
}

func owner(s string) *string {
	return &s
}

func TestVisiblePrivateOwnerOnly(t *testing.T) {
	f := newFixture(t)

	mine := seedBookmark(t, f, db.Bookmark{
		Owner: owner("a@x.com"), OwnerDomain: "x.com",
		Visibility: VisibilityPrivate, URL: "https://one.example", Title: "one",
	})
	seedBookmark(t, f, db.Bookmark{
		Owner: owner("b@x.com"), OwnerDomain: "x.com",
		Visibility: VisibilityPrivate, URL: "https://two.example", Title: "two",
	})

	got, err := f.vis.VisiblePrivate("a@x.com", ListFilters{})
	require.NoError(t, err)
	assert.Equal(t, []uint64{mine.ID}, bookmarkIDs(got))

	got, err = f.vis.VisiblePrivate("c@x.com", ListFilters{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestVisibleSharedDomainScope(t *testing.T) {
	f := newFixture(t)

	b := seedBookmark(t, f, db.Bookmark{
		OwnerDomain: "x.com", Visibility: VisibilityShared, ShareScope: ScopeDomain,
		URL: "https://shared.example", Title: "shared",
	})

	got, err := f.vis.VisibleShared("b@x.com", "x.com", ListFilters{})
	require.NoError(t, err)
	assert.Equal(t, []uint64{b.ID}, bookmarkIDs(got))

	got, err = f.vis.VisibleShared("c@y.com", "y.com", ListFilters{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestVisibleSharedCustomScope(t *testing.T) {
	f := newFixture(t)

	b := seedBookmark(t, f, db.Bookmark{
		OwnerDomain: "x.com", Visibility: VisibilityShared, ShareScope: ScopeCustom,
		URL: "https://custom.example", Title: "custom",
	})
	seedGrant(t, f, b.ID, GrantUser, "b@y.com")
	seedGrant(t, f, b.ID, GrantDomain, "z.com")

	// Granted user sees it.
	got, err := f.vis.VisibleShared("b@y.com", "y.com", ListFilters{})
	require.NoError(t, err)
	assert.Equal(t, []uint64{b.ID}, bookmarkIDs(got))

	// Granted domain sees it.
	got, err = f.vis.VisibleShared("anyone@z.com", "z.com", ListFilters{})
	require.NoError(t, err)
	assert.Equal(t, []uint64{b.ID}, bookmarkIDs(got))

	// Same domain as owner, but custom scope and no grant: invisible.
	got, err = f.vis.VisibleShared("d@x.com", "x.com", ListFilters{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestVisibleSharedCustomNoGrantsInvisibleToCreator(t *testing.T) {
	f := newFixture(t)

	seedBookmark(t, f, db.Bookmark{
		OwnerDomain: "x.com", Visibility: VisibilityShared, ShareScope: ScopeCustom,
		URL: "https://orphan.example", Title: "orphan", CreatedBy: "a@x.com",
	})

	got, err := f.vis.VisibleShared("a@x.com", "x.com", ListFilters{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestVisibleSharedDeduplicatesAcrossGrants(t *testing.T) {
	f := newFixture(t)

	b := seedBookmark(t, f, db.Bookmark{
		OwnerDomain: "x.com", Visibility: VisibilityShared, ShareScope: ScopeCustom,
		URL: "https://dedup.example", Title: "dedup",
	})
	// Both grants match the same viewer.
	seedGrant(t, f, b.ID, GrantUser, "b@y.com")
	seedGrant(t, f, b.ID, GrantDomain, "y.com")

	got, err := f.vis.VisibleShared("b@y.com", "y.com", ListFilters{})
	require.NoError(t, err)
	assert.Equal(t, []uint64{b.ID}, bookmarkIDs(got))
}

func TestVisibleOrderingNewestFirst(t *testing.T) {
	f := newFixture(t)

	older := seedBookmark(t, f, db.Bookmark{
		GormForkedModel: db.GormForkedModel{CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		Owner:           owner("a@x.com"), OwnerDomain: "x.com",
		Visibility: VisibilityPrivate, URL: "https://old.example", Title: "old",
	})
	newer := seedBookmark(t, f, db.Bookmark{
		GormForkedModel: db.GormForkedModel{CreatedAt: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)},
		Owner:           owner("a@x.com"), OwnerDomain: "x.com",
		Visibility: VisibilityPrivate, URL: "https://new.example", Title: "new",
	})

	got, err := f.vis.VisiblePrivate("a@x.com", ListFilters{})
	require.NoError(t, err)
	assert.Equal(t, []uint64{newer.ID, older.ID}, bookmarkIDs(got))
}

func TestVisibleFilters(t *testing.T) {
	f := newFixture(t)

	fav := seedBookmark(t, f, db.Bookmark{
		Owner: owner("a@x.com"), OwnerDomain: "x.com", Visibility: VisibilityPrivate,
		URL: "https://docs.example", Title: "Team Docs", Tags: "work,docs", Favorite: true,
	})
	seedBookmark(t, f, db.Bookmark{
		Owner: owner("a@x.com"), OwnerDomain: "x.com", Visibility: VisibilityPrivate,
		URL: "https://news.example", Title: "Daily News", Tags: "news",
	})

	got, err := f.vis.VisiblePrivate("a@x.com", ListFilters{Search: "team"})
	require.NoError(t, err)
	assert.Equal(t, []uint64{fav.ID}, bookmarkIDs(got))

	got, err = f.vis.VisiblePrivate("a@x.com", ListFilters{FavoriteOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []uint64{fav.ID}, bookmarkIDs(got))

	got, err = f.vis.VisiblePrivate("a@x.com", ListFilters{Tags: []string{"docs"}})
	require.NoError(t, err)
	assert.Equal(t, []uint64{fav.ID}, bookmarkIDs(got))

	got, err = f.vis.VisiblePrivate("a@x.com", ListFilters{Search: "nothing-matches"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFolderFilterScopedToPartition(t *testing.T) {
	f := newFixture(t)

	folderID := uint64(7)
	require.NoError(t, f.db.Create(&db.Folder{
		GormForkedModel: db.GormForkedModel{ID: folderID},
		Owner:           owner("a@x.com"), OwnerDomain: "x.com",
		Visibility: VisibilityPrivate, Name: "work",
	}).Error)

	inFolder := seedBookmark(t, f, db.Bookmark{
		Owner: owner("a@x.com"), OwnerDomain: "x.com", Visibility: VisibilityPrivate,
		URL: "https://in.example", Title: "in", FolderID: &folderID,
	})
	seedBookmark(t, f, db.Bookmark{
		Owner: owner("a@x.com"), OwnerDomain: "x.com", Visibility: VisibilityPrivate,
		URL: "https://out.example", Title: "out",
	})
	sharedB := seedBookmark(t, f, db.Bookmark{
		OwnerDomain: "x.com", Visibility: VisibilityShared, ShareScope: ScopeDomain,
		URL: "https://shared.example", Title: "shared",
	})

	filters := ListFilters{FolderID: &folderID, FolderVisibility: VisibilityPrivate}

	got, err := f.vis.VisiblePrivate("a@x.com", filters)
	require.NoError(t, err)
	assert.Equal(t, []uint64{inFolder.ID}, bookmarkIDs(got))

	// The private folder filter must not narrow the shared partition.
	got, err = f.vis.VisibleShared("a@x.com", "x.com", filters)
	require.NoError(t, err)
	assert.Equal(t, []uint64{sharedB.ID}, bookmarkIDs(got))
}

func TestVisibleToPure(t *testing.T) {
	grants := []ShareGrant{
		{Type: GrantUser, Target: "b@y.com"},
		{Type: GrantDomain, Target: "z.com"},
	}

	assert.True(t, VisibleTo(VisibilityPrivate, "", owner("a@x.com"), "x.com", nil, "a@x.com", "x.com"))
	assert.False(t, VisibleTo(VisibilityPrivate, "", owner("a@x.com"), "x.com", nil, "b@x.com", "x.com"))
	assert.False(t, VisibleTo(VisibilityPrivate, "", nil, "x.com", nil, "a@x.com", "x.com"))

	assert.True(t, VisibleTo(VisibilityShared, ScopeDomain, nil, "x.com", nil, "b@x.com", "x.com"))
	assert.False(t, VisibleTo(VisibilityShared, ScopeDomain, nil, "x.com", nil, "c@y.com", "y.com"))

	assert.True(t, VisibleTo(VisibilityShared, ScopeCustom, nil, "x.com", grants, "b@y.com", "y.com"))
	assert.True(t, VisibleTo(VisibilityShared, ScopeCustom, nil, "x.com", grants, "c@z.com", "z.com"))
	assert.False(t, VisibleTo(VisibilityShared, ScopeCustom, nil, "x.com", grants, "d@x.com", "x.com"))
	assert.False(t, VisibleTo(VisibilityShared, ScopeCustom, nil, "x.com", nil, "d@x.com", "x.com"))
}
