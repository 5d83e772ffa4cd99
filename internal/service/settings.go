package service

import (
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/quillmail/marks/internal/config"
	"github.com/quillmail/marks/internal/db"
)

// EffectiveSettings is the merge of process defaults with a domain's
// override row. Quota limits of zero mean unlimited.
type EffectiveSettings struct {
	Domain        string
	SharedEnabled bool
	SharedLabel   string
	MaxPrivate    int
	MaxShared     int
	Override      bool
}

type SettingsStore struct {
	db  *gorm.DB
	cfg *config.Config
}

func NewSettingsStore(gdb *gorm.DB, cfg *config.Config) *SettingsStore {
	return &SettingsStore{
		db:  gdb,
		cfg: cfg,
	}
}

// SettingsInput is the admin-facing save payload. Nil quota pointers mean
// "use the process default".
type SettingsInput struct {
	SharedEnabled bool
	SharedLabel   string
	MaxPrivate    *int
	MaxShared     *int
	Notes         string
}

// Resolve merges defaults with the override for domain, probing the legacy
// @-prefixed key if the normalized one is absent. Legacy rows are read but
// never written.
func (s *SettingsStore) Resolve(domain string) (*EffectiveSettings, error) {
	norm := NormalizeDomain(domain)

	eff := EffectiveSettings{
		Domain:        norm,
		SharedEnabled: s.cfg.SharedEnabledDefault,
		SharedLabel:   s.cfg.SharedLabelDefault,
		MaxPrivate:    s.cfg.MaxPrivateDefault,
		MaxShared:     s.cfg.MaxSharedDefault,
	}

	row, err := s.find(norm)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return &eff, nil
	}

	eff.Override = true
	eff.SharedEnabled = row.SharedEnabled
	if row.SharedLabel != "" {
		eff.SharedLabel = row.SharedLabel
	}
	if row.MaxPrivate != nil {
		eff.MaxPrivate = *row.MaxPrivate
	}
	if row.MaxShared != nil {
		eff.MaxShared = *row.MaxShared
	}
	return &eff, nil
}

// Save upserts the override for domain and drops any legacy @-keyed row as
// a side effect. Saving the same input twice leaves a single row.
func (s *SettingsStore) Save(domain string, in SettingsInput) (*db.DomainSetting, error) {
	norm := NormalizeDomain(domain)

	label := in.SharedLabel
	if label == "" {
		label = "Shared Bookmarks"
	}

	var saved *db.DomainSetting
	err := s.db.Transaction(func(tx *gorm.DB) error {
		row := db.DomainSetting{}
		res := tx.Where("domain = ?", norm).First(&row)
		if res.Error != nil && res.Error != gorm.ErrRecordNotFound {
			return errors.Wrap(res.Error, "find domain settings")
		}

		row.Domain = norm
		row.SharedEnabled = in.SharedEnabled
		row.SharedLabel = label
		row.MaxPrivate = in.MaxPrivate
		row.MaxShared = in.MaxShared
		row.Notes = in.Notes

		if res := tx.Save(&row); res.Error != nil {
			return errors.Wrap(res.Error, "save domain settings")
		}

		if norm != NoDomain {
			if res := tx.Where("domain = ?", "@"+norm).Delete(&db.DomainSetting{}); res.Error != nil {
				return errors.Wrap(res.Error, "drop legacy domain settings")
			}
		}

		saved = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// Delete removes the override (legacy key included); future resolves fall
// back to defaults.
func (s *SettingsStore) Delete(domain string) error {
	norm := NormalizeDomain(domain)
	keys := []string{norm}
	if norm != NoDomain {
		keys = append(keys, "@"+norm)
	}
	res := s.db.Where("domain IN ?", keys).Delete(&db.DomainSetting{})
	if res.Error != nil {
		return errors.Wrap(res.Error, "delete domain settings")
	}
	return nil
}

// List returns all overrides for the admin surface.
func (s *SettingsStore) List() ([]db.DomainSetting, error) {
	rows := make([]db.DomainSetting, 0)
	res := s.db.Order("domain").Find(&rows)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "list domain settings")
	}
	return rows, nil
}

func (s *SettingsStore) find(norm string) (*db.DomainSetting, error) {
	row := db.DomainSetting{}
	res := s.db.Where("domain = ?", norm).First(&row)
	if res.Error == nil {
		return &row, nil
	}
	if res.Error != gorm.ErrRecordNotFound {
		return nil, errors.Wrap(res.Error, "find domain settings")
	}
	if norm == NoDomain {
		return nil, nil
	}

	// Legacy rows were keyed with a leading @.
	res = s.db.Where("domain = ?", "@"+norm).First(&row)
	if res.Error == nil {
		return &row, nil
	}
	if res.Error != gorm.ErrRecordNotFound {
		return nil, errors.Wrap(res.Error, "find legacy domain settings")
	}
	return nil, nil
}
