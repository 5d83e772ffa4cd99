package db

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quillmail/marks/internal/config"
)

type (
	GormForkedModel struct {
		ID        uint64 `gorm:"primarykey"`
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// User is the account store row. The bookmark core consumes only
	// Email (the principal) and Active; credentials belong to auth.
	User struct {
		GormForkedModel
		Email    string `gorm:"unique;not null"`
		Password string `gorm:"not null"`
		Token    string `gorm:"not null"`
		// No column default: gorm drops zero-valued fields that carry one
		// from the INSERT, which would store Active=false rows as active.
		Active bool `gorm:"not null"`
	}

	// DomainSetting is a per-domain sharing override. Domain is stored
	// normalized (lowercased, no leading @); at most one row per domain.
	DomainSetting struct {
		GormForkedModel
		Domain        string `gorm:"unique;not null"`
		SharedEnabled bool   `gorm:"not null"`
		SharedLabel   string
		MaxPrivate    *int
		MaxShared     *int
		Notes         string
	}

	// Folder groups bookmarks. Owner is nil iff Visibility is shared.
	Folder struct {
		GormForkedModel
		Owner       *string `gorm:"index"`
		OwnerDomain string  `gorm:"not null;index"`
		Visibility  string  `gorm:"not null"`
		Name        string  `gorm:"not null"`
		ParentID    *uint64 `gorm:"index"`
		SortOrder   int
		CreatedBy   string
		UpdatedBy   string
	}

	// Bookmark's Owner is nil iff Visibility is shared; ShareScope is
	// meaningful only for shared rows. Tags is the serialized ordered set.
	Bookmark struct {
		GormForkedModel
		Owner       *string `gorm:"index"`
		OwnerDomain string  `gorm:"not null;index"`
		Visibility  string  `gorm:"not null"`
		ShareScope  string
		FolderID    *uint64 `gorm:"index"`
		Title       string
		URL         string `gorm:"not null"`
		Description string
		Tags        string
		Favorite    bool
		FaviconMime string
		FaviconHash string
		Favicon     []byte
		FaviconAt   *time.Time
		CreatedBy   string
		UpdatedBy   string

		Shares []BookmarkShare `gorm:"constraint:OnDelete:CASCADE"`
	}

	// BookmarkShare is one custom-scope grant. Rows are always replaced
	// wholesale, never patched.
	BookmarkShare struct {
		GormForkedModel
		BookmarkID uint64 `gorm:"not null;index"`
		GrantType  string `gorm:"not null"`
		Target     string `gorm:"not null"`
		Granter    string
	}

	// BookmarkEvent is the append-only audit trail. References nullify on
	// delete so events outlive the rows they describe; Owner/OwnerDomain/
	// Visibility/ShareScope snapshot the item at action time.
	BookmarkEvent struct {
		GormForkedModel
		BookmarkID  *uint64   `gorm:"index"`
		Bookmark    *Bookmark `gorm:"constraint:OnDelete:SET NULL"`
		FolderID    *uint64   `gorm:"index"`
		Folder      *Folder   `gorm:"constraint:OnDelete:SET NULL"`
		Owner       *string
		OwnerDomain string `gorm:"index"`
		Visibility  string
		ShareScope  string
		Actor       string `gorm:"not null"`
		Action      string `gorm:"not null"`
		Detail      string
	}
)

func NewGormClient(cfg *config.Config) (*gorm.DB, error) {
	newLogger := logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Info,
		Colorful:                  true,
		IgnoreRecordNotFoundError: false,
	})

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: newLogger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect database")
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate applies the schema. Shared with the test suites, which run it
// against sqlite.
func Migrate(db *gorm.DB) error {
	for _, model := range []interface{}{
		&User{},
		&DomainSetting{},
		&Folder{},
		&Bookmark{},
		&BookmarkShare{},
		&BookmarkEvent{},
	} {
		if err := db.AutoMigrate(model); err != nil {
			return errors.Wrapf(err, "migrate %T", model)
		}
	}
	return nil
}
