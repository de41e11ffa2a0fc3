package sites

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/armon/go-radix"
)

// Wildcard matches any request host
const Wildcard = "*"

// Site is one hosted web site
type Site struct {
	Name string `json:"name"`

	// Hostname the site answers on, or "*" for any host
	Hostname string `json:"hostname"`

	// VirtualFolder is the path the site is mounted under (default "/")
	VirtualFolder string `json:"virtual_folder"`

	// CDNHostname is the host rewritten URLs point at. Empty disables rewriting for the site.
	CDNHostname string `json:"cdn_hostname"`
}

// Table resolves requests to sites by host and longest virtual folder
type Table struct {
	mu    sync.RWMutex
	tree  *radix.Tree
	sites []*Site
}

// NewTable builds a table from sites. Later entries with the same host and folder replace
// earlier ones.
func NewTable(sites []*Site) (*Table, error) {
	t := &Table{tree: radix.New()}
	for _, s := range sites {
		if err := t.Add(s); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Add registers s
func (t *Table) Add(s *Site) error {
	if s == nil || s.Name == "" {
		return errors.New("sites: site name is required")
	}
	if s.Hostname == "" {
		return fmt.Errorf("sites: site %s has no hostname", s.Name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if old, replaced := t.tree.Insert(treeKey(s.Hostname, normalizeFolder(s.VirtualFolder)), s); replaced {
		t.removeSite(old.(*Site))
	}
	t.sites = append(t.sites, s)
	return nil
}

func (t *Table) removeSite(s *Site) {
	for i, existing := range t.sites {
		if existing == s {
			t.sites = append(t.sites[:i], t.sites[i+1:]...)
			return
		}
	}
}

// Resolve returns the site serving a request for host and path, or nil
func (t *Table) Resolve(host string, path string) *Site {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, v, ok := t.tree.LongestPrefix(treeKey(host, path)); ok {
		return v.(*Site)
	}
	if _, v, ok := t.tree.LongestPrefix(treeKey(Wildcard, path)); ok {
		return v.(*Site)
	}
	return nil
}

// Sites returns every registered site in insertion order
func (t *Table) Sites() []*Site {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Site(nil), t.sites...)
}

// Len returns the number of sites
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Len()
}

func treeKey(host string, folder string) string {
	return normalizeHost(host) + folder
}

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

func normalizeFolder(folder string) string {
	folder = strings.TrimSpace(folder)
	if !strings.HasPrefix(folder, "/") {
		folder = "/" + folder
	}
	if !strings.HasSuffix(folder, "/") {
		folder += "/"
	}
	return folder
}
