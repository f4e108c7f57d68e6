package store

import (
	"testing"

	"github.com/yungbote/querybridge-backend/internal/domain"
)

func TestFilterValidate(t *testing.T) {
	if err := (Filter{Tenant: "t1", Principals: []string{"u1"}}).Validate(); err != nil {
		t.Fatalf("valid filter rejected: %v", err)
	}
	if err := (Filter{Principals: []string{"u1"}}).Validate(); err == nil {
		t.Fatalf("missing tenant should be rejected")
	}
	if err := (Filter{Tenant: "t1"}).Validate(); err == nil {
		t.Fatalf("missing principals should be rejected")
	}
}

func TestFilterAllows(t *testing.T) {
	f := Filter{
		Tenant:     "tenantA",
		Principals: []string{"user:alice", "group:eng"},
		Langs:      []string{"en"},
	}

	ok := domain.Payload{Tenant: "tenantA", ACL: []string{"group:eng"}, Lang: "en"}
	if !f.Allows(ok) {
		t.Fatalf("matching payload should be allowed")
	}

	cases := map[string]domain.Payload{
		"wrong tenant": {Tenant: "tenantB", ACL: []string{"group:eng"}, Lang: "en"},
		"no acl match": {Tenant: "tenantA", ACL: []string{"group:sales"}, Lang: "en"},
		"empty acl":    {Tenant: "tenantA", Lang: "en"},
		"wrong lang":   {Tenant: "tenantA", ACL: []string{"group:eng"}, Lang: "fr"},
	}
	for name, p := range cases {
		if f.Allows(p) {
			t.Fatalf("%s: payload should be rejected", name)
		}
	}

	// Chunks without a language survive a language-filtered view.
	noLang := domain.Payload{Tenant: "tenantA", ACL: []string{"group:eng"}}
	if !f.Allows(noLang) {
		t.Fatalf("payload without lang should pass lang filter")
	}

	scoped := f
	scoped.DocID = "doc-9"
	scoped.SectionPath = "guide/setup"
	hit := domain.Payload{
		Tenant: "tenantA", ACL: []string{"group:eng"}, Lang: "en",
		DocID: "doc-9", SectionPath: "guide/setup",
	}
	if !scoped.Allows(hit) {
		t.Fatalf("doc/section scoped payload should be allowed")
	}
	hit.SectionPath = "guide/teardown"
	if scoped.Allows(hit) {
		t.Fatalf("section mismatch should be rejected")
	}
}
