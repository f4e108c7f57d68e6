package domain

import "strings"

// CallerContext identifies the principal a request acts for. It is immutable
// for the lifetime of the request and never crosses a tenant boundary.
type CallerContext struct {
	UserID    string   `json:"id"`
	TenantID  string   `json:"tenantId"`
	GroupIDs  []string `json:"groupIds"`
	Languages []string `json:"languages,omitempty"`
}

// Principals returns the ACL identity set: the user id plus all group ids.
func (c CallerContext) Principals() []string {
	out := make([]string, 0, len(c.GroupIDs)+1)
	if s := strings.TrimSpace(c.UserID); s != "" {
		out = append(out, s)
	}
	for _, g := range c.GroupIDs {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	return out
}

// Query is the caller's question plus per-request tuning.
type Query struct {
	Text      string
	K         int
	Overrides map[string]any
}

const DefaultK = 8
