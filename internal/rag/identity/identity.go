// Package identity validates the caller of a query and builds the access
// filter every retrieval call must carry. The filter exists in two forms
// with identical semantics: the push-down store.Filter sent to the backend
// and the in-process Filter.Allows re-check applied to everything that comes
// back. Both are derived from the same struct so they cannot drift apart.
package identity

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/platform/apierr"
	"github.com/yungbote/querybridge-backend/internal/store"
)

// Resolved is the outcome of caller validation: the canonical caller plus
// the filter derived from it.
type Resolved struct {
	Caller domain.CallerContext
	Filter store.Filter
}

// Resolve validates the request body's userContext against the authenticated
// principal and produces the access filter. The body may narrow what the
// credential granted but never widen it: a different tenant or user id is
// refused outright, and groups the credential did not grant are dropped.
// Pass a nil authenticated caller when the transport itself is trusted.
func Resolve(authenticated *domain.CallerContext, body domain.CallerContext) (Resolved, error) {
	caller, err := normalize(body)
	if err != nil {
		return Resolved{}, err
	}
	if authenticated != nil {
		granted, err := normalize(*authenticated)
		if err != nil {
			return Resolved{}, err
		}
		if caller.TenantID != granted.TenantID {
			return Resolved{}, apierr.InvalidCaller(
				fmt.Errorf("userContext.tenantId %q does not match the authenticated tenant", caller.TenantID))
		}
		if caller.UserID != granted.UserID {
			return Resolved{}, apierr.InvalidCaller(
				fmt.Errorf("userContext.id %q does not match the authenticated user", caller.UserID))
		}
		caller.GroupIDs = narrowGroups(granted.GroupIDs, caller.GroupIDs)
	}

	f := store.Filter{
		Tenant:     caller.TenantID,
		Principals: caller.Principals(),
		Langs:      caller.Languages,
	}
	if err := f.Validate(); err != nil {
		return Resolved{}, apierr.InvalidCaller(err)
	}
	return Resolved{Caller: caller, Filter: f}, nil
}

func normalize(c domain.CallerContext) (domain.CallerContext, error) {
	c.UserID = strings.TrimSpace(c.UserID)
	c.TenantID = strings.TrimSpace(c.TenantID)
	if c.UserID == "" {
		return c, apierr.InvalidCaller(fmt.Errorf("userContext.id is required"))
	}
	if c.TenantID == "" {
		return c, apierr.InvalidCaller(fmt.Errorf("userContext.tenantId is required"))
	}
	c.GroupIDs = cleanList(c.GroupIDs, func(s string) string { return s })
	c.Languages = cleanList(c.Languages, strings.ToLower)
	return c, nil
}

func cleanList(in []string, canon func(string) string) []string {
	out := lo.Uniq(lo.FilterMap(in, func(s string, _ int) (string, bool) {
		s = canon(strings.TrimSpace(s))
		return s, s != ""
	}))
	if len(out) == 0 {
		return nil
	}
	return out
}

// narrowGroups keeps only requested groups the credential also granted. An
// empty request means the caller did not try to narrow, so the grant is used
// unchanged.
func narrowGroups(granted, requested []string) []string {
	if len(requested) == 0 {
		return granted
	}
	set := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		set[g] = struct{}{}
	}
	out := lo.Filter(requested, func(g string, _ int) bool {
		_, ok := set[g]
		return ok
	})
	if len(out) == 0 {
		return nil
	}
	return out
}
