// Package labels encodes environment build metadata as container engine
// labels and decodes it back.
//
// Labels are the only storage envhub has: an image or build container is an
// environment if and only if it carries the repo2docker.ref marker, and
// everything else the hub knows about it (limits, display name, provider
// metadata) lives next to that marker.
package labels

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Marker namespace shared with repo2docker.
const (
	Repo  = "repo2docker.repo"
	Ref   = "repo2docker.ref"
	Build = "repo2docker.build"
)

// envhub's own namespace.
const (
	Prefix      = "tljh_repo2docker."
	OptPrefix   = Prefix + "opt."
	DisplayName = Prefix + "display_name"
	ImageName   = Prefix + "image_name"
	MemLimit    = Prefix + "mem_limit"
	CPULimit    = Prefix + "cpu_limit"
)

// Well-known optional keys, relative to OptPrefix.
const (
	OptProvider    = "provider"
	OptRepo        = "repo"
	OptRDMNodeID   = "user.rdm_node_id"
	OptRDMAPIURL   = "user.rdm_api_url"
	optOverridePfx = "provider."
)

// ErrMissingLabel is returned by Decode when a mandatory key is absent.
var ErrMissingLabel = errors.New("missing label")

// BuildInfo is the label-relevant part of a build request, after ref and
// name normalization.
type BuildInfo struct {
	Repo        string
	Ref         string
	ImageName   string
	DisplayName string
	// MemoryGB is the memory limit in gigabytes; zero means unset.
	MemoryGB float64
	// CPU is the limit in fractional cores; zero means unset.
	CPU      float64
	Optional map[string]string
}

// Decoded is the inverse of the encoders: everything an environment listing
// needs from a label map.
type Decoded struct {
	Provider    string
	Repo        string
	Ref         string
	Build       string
	ImageName   string
	DisplayName string
	MemLimit    string
	CPULimit    string
	Optional    map[string]string
}

// FormatMemory renders a GB value the way it is stored: "" for zero,
// otherwise the shortest decimal followed by "G".
func FormatMemory(gb float64) string {
	if gb == 0 {
		return ""
	}
	return strconv.FormatFloat(gb, 'f', -1, 64) + "G"
}

// FormatCPU renders a core count the way it is stored: "" for zero.
func FormatCPU(cpu float64) string {
	if cpu == 0 {
		return ""
	}
	return strconv.FormatFloat(cpu, 'f', -1, 64)
}

// BuildLabels returns the labels passed to the build tool as ordered
// "key=value" strings, plus the same data as a map.
func BuildLabels(info BuildInfo) ([]string, map[string]string) {
	m := map[string]string{
		DisplayName: info.DisplayName,
		ImageName:   info.ImageName,
		MemLimit:    FormatMemory(info.MemoryGB),
		CPULimit:    FormatCPU(info.CPU),
	}
	cli := []string{
		DisplayName + "=" + m[DisplayName],
		ImageName + "=" + m[ImageName],
		MemLimit + "=" + m[MemLimit],
		CPULimit + "=" + m[CPULimit],
	}
	for _, k := range sortedKeys(info.Optional) {
		key := OptPrefix + k
		m[key] = info.Optional[k]
		cli = append(cli, key+"="+info.Optional[k])
	}
	return cli, m
}

// MarkerLabels returns the repo2docker tracking labels.
func MarkerLabels(repo, ref, imageName string) map[string]string {
	return map[string]string{
		Repo:  repo,
		Ref:   ref,
		Build: imageName,
	}
}

// Target returns the full label set an image built from info must carry.
func Target(info BuildInfo) map[string]string {
	_, build := BuildLabels(info)
	out := MarkerLabels(info.Repo, info.Ref, info.ImageName)
	for k, v := range build {
		out[k] = v
	}
	return out
}

// Decode reads an environment back out of a label map.
func Decode(m map[string]string) (Decoded, error) {
	ref, ok := m[Ref]
	if !ok {
		return Decoded{}, fmt.Errorf("%w: %s", ErrMissingLabel, Ref)
	}
	d := Decoded{
		Provider:    m[OptPrefix+OptProvider],
		Repo:        m[Repo],
		Ref:         ref,
		Build:       m[Build],
		ImageName:   m[ImageName],
		DisplayName: m[DisplayName],
		MemLimit:    m[MemLimit],
		CPULimit:    m[CPULimit],
		Optional:    Optional(m),
	}
	// Providers may publish a friendlier repo and name than the build used.
	if v := m[OptPrefix+optOverridePfx+OptRepo]; v != "" {
		d.Repo = v
	}
	if v := m[OptPrefix+optOverridePfx+"display_name"]; v != "" {
		d.DisplayName = v
	}
	return d, nil
}

// Optional extracts the tljh_repo2docker.opt.* entries with the prefix
// stripped. It returns nil when there are none.
func Optional(m map[string]string) map[string]string {
	var out map[string]string
	for k, v := range m {
		if !strings.HasPrefix(k, OptPrefix) {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[strings.TrimPrefix(k, OptPrefix)] = v
	}
	return out
}

// SpawnRef is the URL-safe repo#ref token used to preselect an environment
// from a URL fragment.
func SpawnRef(repo, ref string) string {
	return url.QueryEscape(repo + "#" + ref)
}

// Diff returns the keys of target whose value in existing is missing or
// different, sorted.
func Diff(existing, target map[string]string) []string {
	var keys []string
	for k, v := range target {
		if cur, ok := existing[k]; !ok || cur != v {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Merge returns existing overlaid with target. Neither input is modified.
func Merge(existing, target map[string]string) map[string]string {
	out := make(map[string]string, len(existing)+len(target))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range target {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
