// Package diff computes the update plan between the locally applied manifest
// and the remote one. It is pure: it never touches the network or the disk.
package diff

import (
	"sort"

	"github.com/taozi8887/toa-launcher/internal/manifest"
)

// Item is one file the session must fetch.
type Item struct {
	Path     string
	Category string
	Hash     string
	Size     int64
}

// InstallPath is the path relative to the install root (and the remote base
// URL). Code files live at the root; assets and content are namespaced by
// their category directory, matching the manifest generator's layout.
func (it Item) InstallPath() string {
	return InstallPath(it.Category, it.Path)
}

func InstallPath(category, path string) string {
	if category == manifest.CategoryCode {
		return path
	}
	return category + "/" + path
}

// Plan is the computed set of work for one update session. Plans are
// deterministic: the same manifest pair always yields the same plan, with
// entries sorted by category then path.
type Plan struct {
	ToFetch     []Item
	ToDelete    []string
	CodeChanged bool
}

// Empty reports whether the plan requires no work at all.
func (p *Plan) Empty() bool {
	return len(p.ToFetch) == 0 && len(p.ToDelete) == 0
}

// TotalBytes returns the declared size of everything to fetch.
func (p *Plan) TotalBytes() int64 {
	var n int64
	for _, it := range p.ToFetch {
		n += it.Size
	}
	return n
}

// Compute builds the plan for moving a local install to the remote manifest.
// local may be nil (first run: fetch everything). Equal versions
// short-circuit to an empty plan. categories restricts which manifest
// categories are considered; nil means all known categories.
//
// When the remote manifest carries a patch entry for the local version, its
// changed-file set pre-filters the fetch candidates; the digest comparison
// stays authoritative either way.
func Compute(local, remote *manifest.Manifest, categories []string) (*Plan, error) {
	if categories == nil {
		categories = manifest.Categories
	}
	plan := &Plan{}

	if local != nil {
		cmp, err := manifest.CompareVersions(local.Version, remote.Version)
		if err != nil {
			return nil, err
		}
		if cmp == 0 {
			return plan, nil
		}
	}

	changedOnly := patchFilter(local, remote)

	for _, category := range categories {
		remoteFiles := remote.Files[category]
		for path, fi := range remoteFiles {
			// The generator records patch entries either as "category/path"
			// or as the bare path for root-level code files.
			if changedOnly != nil && !changedOnly[category+"/"+path] && !changedOnly[path] {
				continue
			}
			if local != nil {
				if lfi, ok := local.Lookup(category, path); ok && lfi.Hash == fi.Hash {
					continue
				}
			}
			plan.ToFetch = append(plan.ToFetch, Item{
				Path:     path,
				Category: category,
				Hash:     fi.Hash,
				Size:     fi.Size,
			})
			if category == manifest.CategoryCode {
				plan.CodeChanged = true
			}
		}

		if local == nil {
			continue
		}
		for path := range local.Files[category] {
			if _, ok := remote.Files[category][path]; !ok {
				plan.ToDelete = append(plan.ToDelete, InstallPath(category, path))
			}
		}
	}

	sort.Slice(plan.ToFetch, func(i, j int) bool {
		a, b := plan.ToFetch[i], plan.ToFetch[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Path < b.Path
	})
	sort.Strings(plan.ToDelete)

	return plan, nil
}

// patchFilter returns the set of "category/path" keys the patch table marks
// as changed since the local version, or nil when no patch entry applies.
func patchFilter(local, remote *manifest.Manifest) map[string]bool {
	if local == nil || remote.Patches == nil {
		return nil
	}
	patch, ok := remote.Patches[local.Version]
	if !ok {
		patch, ok = remote.Patches["from_"+local.Version]
	}
	if !ok {
		return nil
	}
	set := make(map[string]bool, len(patch.ChangedFiles))
	for _, f := range patch.ChangedFiles {
		set[f] = true
	}
	return set
}
