package catalog

import (
	"sort"
	"strings"

	"github.com/sttts/kmirror/pkg/api"
)

// Query selects and pages catalog entries. An empty Term matches everything;
// an empty Cluster searches across all clusters.
type Query struct {
	Cluster api.ClusterRef
	Term    string
	Offset  int
	Limit   int
}

// Result is one stable-ordered page plus the full match count.
type Result struct {
	Items     []Entry
	Total     int
	Truncated bool
}

// Search returns entries matching the query, ordered by (cluster, kind,
// namespace, name) so repeated reads page consistently.
func (c *Catalog) Search(q Query) Result {
	term := strings.ToLower(q.Term)

	c.mu.RLock()
	matched := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		if q.Cluster != "" && entry.Cluster != q.Cluster {
			continue
		}
		if term != "" && !matches(term, entry) {
			continue
		}
		matched = append(matched, entry)
	}
	c.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Cluster != b.Cluster {
			return a.Cluster < b.Cluster
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Namespace != b.Namespace {
			return a.Namespace < b.Namespace
		}
		return a.Name < b.Name
	})

	result := Result{Total: len(matched)}
	if q.Offset < len(matched) {
		page := matched[q.Offset:]
		if q.Limit > 0 && len(page) > q.Limit {
			page = page[:q.Limit]
		}
		result.Items = page
	}
	result.Truncated = q.Offset+len(result.Items) < result.Total
	return result
}

// matches reports whether the lowercased term fuzzy-matches an entry: an
// exact substring of kind or namespace, or a subsequence of the name.
func matches(term string, e Entry) bool {
	if strings.Contains(strings.ToLower(e.Kind), term) {
		return true
	}
	if strings.Contains(strings.ToLower(e.Namespace), term) {
		return true
	}
	return subsequence(term, strings.ToLower(e.Name))
}

// subsequence reports whether every rune of term appears in s in order.
func subsequence(term, s string) bool {
	rest := []rune(term)
	for _, r := range s {
		if len(rest) == 0 {
			return true
		}
		if rest[0] == r {
			rest = rest[1:]
		}
	}
	return len(rest) == 0
}
