package store

import (
	"fmt"

	"github.com/yungbote/querybridge-backend/internal/domain"
)

// Filter is the access predicate attached to every store call. Tenant and
// Principals are mandatory; a chunk is visible when its tenant matches and
// its ACL intersects the caller's principals. Langs, DocID, and SectionPath
// narrow further when set.
type Filter struct {
	Tenant      string
	Principals  []string
	Langs       []string
	DocID       string
	SectionPath string
}

// Validate rejects filters that would widen visibility instead of narrowing
// it. A filter without tenant or principals must never reach a provider.
func (f Filter) Validate() error {
	if f.Tenant == "" {
		return fmt.Errorf("store filter requires a tenant")
	}
	if len(f.Principals) == 0 {
		return fmt.Errorf("store filter requires at least one principal")
	}
	return nil
}

// Allows re-checks a returned payload against the filter. Providers push
// the predicate down; callers verify the results anyway and drop anything
// that slipped through.
func (f Filter) Allows(p domain.Payload) bool {
	if p.Tenant != f.Tenant {
		return false
	}
	if !intersects(p.ACL, f.Principals) {
		return false
	}
	if len(f.Langs) > 0 && p.Lang != "" && !contains(f.Langs, p.Lang) {
		return false
	}
	if f.DocID != "" && p.DocID != f.DocID {
		return false
	}
	if f.SectionPath != "" && p.SectionPath != f.SectionPath {
		return false
	}
	return true
}

func intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
