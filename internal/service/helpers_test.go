package service

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quillmail/marks/internal/config"
	"github.com/quillmail/marks/internal/db"
)

var testDBCounter int64

func testDB(t *testing.T) *gorm.DB {
	return testDBOpts(t, "")
}

// testDBOpts takes extra DSN parameters, e.g. "&_foreign_keys=on" to run
// with constraint enforcement like the postgres backend.
func testDBOpts(t *testing.T, opts string) *gorm.DB {
	t.Helper()

	n := atomic.AddInt64(&testDBCounter, 1)
	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared%s", n, opts)
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	return gdb
}

func testConfig() *config.Config {
	return &config.Config{
		BookmarksEnabled:     true,
		SharedEnabledDefault: true,
		SharedLabelDefault:   "Shared Bookmarks",
		FaviconMaxBytes:      65536,
		FaviconTimeoutMS:     1000,
	}
}

type stubIcons struct {
	icon  *Favicon
	calls int
}

func (s *stubIcons) Fetch(string) *Favicon {
	s.calls++
	return s.icon
}

type fixture struct {
	db       *gorm.DB
	cfg      *config.Config
	svc      *Bookmarks
	settings *SettingsStore
	quota    *QuotaEnforcer
	vis      *VisibilityEngine
	icons    *stubIcons
}

func newFixture(t *testing.T) *fixture {
	return fixtureFor(t, testDB(t))
}

func fixtureFor(t *testing.T, gdb *gorm.DB) *fixture {
	t.Helper()

	cfg := testConfig()
	l := zap.NewNop().Sugar()

	accounts := NewAccounts(gdb, l)
	settings := NewSettingsStore(gdb, cfg)
	vis := NewVisibilityEngine(gdb)
	quota := NewQuotaEnforcer(gdb)
	events := NewEventRecorder(gdb, cfg, l)
	filter := NewEventFilter(gdb)
	icons := &stubIcons{}

	return &fixture{
		db:       gdb,
		cfg:      cfg,
		svc:      NewBookmarks(gdb, cfg, accounts, settings, vis, quota, events, filter, icons),
		settings: settings,
		quota:    quota,
		vis:      vis,
		icons:    icons,
	}
}

// addUser provisions an account row directly; Register's bcrypt cost is
// too slow for unit tests.
func (f *fixture) addUser(t *testing.T, email string) {
	t.Helper()
	res := f.db.Create(&db.User{
		Email:    email,
		Password: "x",
		Token:    "token-" + email,
		Active:   true,
	})
	require.NoError(t, res.Error)
}

func (f *fixture) addInactiveUser(t *testing.T, email string) {
	t.Helper()
	res := f.db.Create(&db.User{
		Email:    email,
		Password: "x",
		Token:    "token-" + email,
		Active:   false,
	})
	require.NoError(t, res.Error)
}

func bookmarkIDs(in []db.Bookmark) []uint64 {
	out := make([]uint64, len(in))
	for i := range in {
		out[i] = in[i].ID
	}
	return out
}
