package service

import (
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/quillmail/marks/internal/db"
)

// QuotaEnforcer checks live bookmark counts against resolved limits. A
// limit of zero means unlimited. Checks run before the insert they guard
// and never count the in-flight row.
type QuotaEnforcer struct {
	db *gorm.DB
}

func NewQuotaEnforcer(gdb *gorm.DB) *QuotaEnforcer {
	return &QuotaEnforcer{db: gdb}
}

func (q *QuotaEnforcer) CheckPrivate(user string, settings *EffectiveSettings) error {
	if settings.MaxPrivate <= 0 {
		return nil
	}
	count, err := q.PrivateCount(user)
	if err != nil {
		return err
	}
	if count >= int64(settings.MaxPrivate) {
		return domainErr(KindQuotaExceeded, "private bookmark limit of %d reached", settings.MaxPrivate)
	}
	return nil
}

func (q *QuotaEnforcer) CheckShared(domain string, settings *EffectiveSettings) error {
	if settings.MaxShared <= 0 {
		return nil
	}
	count, err := q.SharedCount(domain)
	if err != nil {
		return err
	}
	if count >= int64(settings.MaxShared) {
		return domainErr(KindQuotaExceeded, "shared bookmark limit of %d reached for domain", settings.MaxShared)
	}
	return nil
}

func (q *QuotaEnforcer) PrivateCount(user string) (int64, error) {
	var count int64
	res := q.db.Model(&db.Bookmark{}).
		Where("visibility = ? AND owner = ?", VisibilityPrivate, user).
		Count(&count)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "count private bookmarks")
	}
	return count, nil
}

func (q *QuotaEnforcer) SharedCount(domain string) (int64, error) {
	var count int64
	res := q.db.Model(&db.Bookmark{}).
		Where("visibility = ? AND owner_domain = ?", VisibilityShared, domain).
		Count(&count)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "count shared bookmarks")
	}
	return count, nil
}
