package service

import (
	"time"

	"github.com/go-playground/validator"
	"github.com/samber/mo"

	"github.com/quillmail/marks/internal/db"
)

var shareValidate = validator.New()

// ShareGrant is one (type, target) visibility grant, pre-decoration.
type ShareGrant struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

// ShareInput is the sharing intent of a create/update payload. Scope left
// None with no targets means "keep the prior scope, no grants".
type ShareInput struct {
	Scope   mo.Option[string]
	Users   []string
	Domains []string
}

func (in ShareInput) empty() bool {
	return in.Scope.IsAbsent() && len(in.Users) == 0 && len(in.Domains) == 0
}

// ShareResolution is the canonical outcome: a scope, the normalized grant
// list (custom only), and whether the payload expressed any intent at all.
type ShareResolution struct {
	Scope   string
	Grants  []ShareGrant
	Touched bool
}

// ResolveShareConfig normalizes sharing intent. Pure: no clock, no
// identity, no storage. Decoration happens separately.
//
// Rules: an explicitly non-custom scope, or an absent target list, yields
// (domain, []); supplied targets force custom with validated, normalized,
// deduplicated grants; custom with an empty resulting set is invalid.
func ResolveShareConfig(in ShareInput, prior string) (*ShareResolution, error) {
	if in.empty() {
		scope := prior
		if scope == "" {
			scope = ScopeDomain
		}
		return &ShareResolution{Scope: scope}, nil
	}

	explicitScope, hasScope := in.Scope.Get()
	if hasScope && explicitScope != ScopeCustom {
		if explicitScope != ScopeDomain {
			return nil, domainErr(KindValidation, "unknown share scope %q", explicitScope)
		}
		return &ShareResolution{Scope: ScopeDomain, Touched: true}, nil
	}

	grants := make([]ShareGrant, 0, len(in.Users)+len(in.Domains))
	seen := map[ShareGrant]bool{}

	for _, raw := range in.Users {
		target := NormalizePrincipal(raw)
		if err := shareValidate.Var(target, "required,email"); err != nil {
			return nil, domainErr(KindValidation, "invalid share target %q", raw)
		}
		g := ShareGrant{Type: GrantUser, Target: target}
		if !seen[g] {
			seen[g] = true
			grants = append(grants, g)
		}
	}
	for _, raw := range in.Domains {
		target := NormalizeDomain(raw)
		g := ShareGrant{Type: GrantDomain, Target: target}
		if !seen[g] {
			seen[g] = true
			grants = append(grants, g)
		}
	}

	if len(grants) == 0 {
		return nil, domainErr(KindValidation, "custom sharing requires at least one user or domain target")
	}

	return &ShareResolution{
		Scope:   ScopeCustom,
		Grants:  grants,
		Touched: true,
	}, nil
}

// DecorateShareRows stamps granter and timestamps onto resolved grants,
// producing persistable rows.
func DecorateShareRows(grants []ShareGrant, bookmarkID uint64, granter string, now time.Time) []db.BookmarkShare {
	rows := make([]db.BookmarkShare, len(grants))
	for i, g := range grants {
		rows[i] = db.BookmarkShare{
			GormForkedModel: db.GormForkedModel{
				CreatedAt: now,
				UpdatedAt: now,
			},
			BookmarkID: bookmarkID,
			GrantType:  g.Type,
			Target:     g.Target,
			Granter:    granter,
		}
	}
	return rows
}

func grantsOf(rows []db.BookmarkShare) []ShareGrant {
	grants := make([]ShareGrant, len(rows))
	for i, r := range rows {
		grants[i] = ShareGrant{Type: r.GrantType, Target: r.Target}
	}
	return grants
}
