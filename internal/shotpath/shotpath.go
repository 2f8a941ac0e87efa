// Package shotpath holds the pure path and version algebra for the
// Episode/Sequence/Shot/Department production hierarchy. No I/O.
package shotpath

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Department is a production department with versioned shot content.
type Department string

const (
	DeptAnim     Department = "anim"
	DeptLighting Department = "lighting"
)

// Departments lists the known departments in scan order.
var Departments = []Department{DeptAnim, DeptLighting}

var (
	EpisodeRe     = regexp.MustCompile(`^Ep\d+$`)
	SequenceRe    = regexp.MustCompile(`^sq\d+$`)
	ShotRe        = regexp.MustCompile(`^SH\d+$`)
	VersionRe     = regexp.MustCompile(`^v(\d+)$`)
	fileVersionRe = regexp.MustCompile(`_v(\d+)`)
)

// deptSuffix maps a department to its fixed subpath under the shot.
var deptSuffix = map[Department]string{
	DeptAnim:     "anim/publish",
	DeptLighting: "lighting/version",
}

// Suffix returns the fixed subpath for a department ("" for unknown).
func Suffix(dept Department) string {
	return deptSuffix[dept]
}

// ShotInfo identifies one unit of work.
type ShotInfo struct {
	Episode    string
	Sequence   string
	Shot       string
	Department Department
	Version    string // optional, "vNNN"
}

// ShotPaths holds the computed locations of one shot/department pair.
// Computed, never stored.
type ShotPaths struct {
	RemotePath   string
	LocalPath    string
	RelativePath string
	Department   Department
}

// Paths builds canonical remote and local paths for a shot/department.
func Paths(remoteRoot, localRoot, episode, sequence, shot string, dept Department) ShotPaths {
	rel := path.Join(episode, sequence, shot, deptSuffix[dept])
	return ShotPaths{
		RemotePath:   path.Join(remoteRoot, rel),
		LocalPath:    path.Join(localRoot, rel),
		RelativePath: rel,
		Department:   dept,
	}
}

// Parse extracts shot identity from a path by scanning its segments for
// the naming convention. Returns false if no complete identity is found.
func Parse(p string) (ShotInfo, bool) {
	var info ShotInfo
	segments := strings.Split(strings.Trim(p, "/"), "/")
	for i, seg := range segments {
		switch {
		case EpisodeRe.MatchString(seg):
			info.Episode = seg
		case SequenceRe.MatchString(seg):
			info.Sequence = seg
		case ShotRe.MatchString(seg):
			info.Shot = seg
		case seg == string(DeptAnim) || seg == string(DeptLighting):
			if info.Department == "" {
				info.Department = Department(seg)
			}
		case VersionRe.MatchString(seg) && i > 0:
			info.Version = seg
		}
	}
	ok := info.Episode != "" && info.Sequence != "" && info.Shot != ""
	return info, ok
}

// Validate checks the naming convention and reports the first violated rule.
func Validate(info ShotInfo) error {
	if !EpisodeRe.MatchString(info.Episode) {
		return fmt.Errorf("episode %q must match Ep<number>", info.Episode)
	}
	if !SequenceRe.MatchString(info.Sequence) {
		return fmt.Errorf("sequence %q must match sq<number>", info.Sequence)
	}
	if !ShotRe.MatchString(info.Shot) {
		return fmt.Errorf("shot %q must match SH<number>", info.Shot)
	}
	if info.Department != "" {
		if _, ok := deptSuffix[info.Department]; !ok {
			return fmt.Errorf("department %q must be one of anim, lighting", info.Department)
		}
	}
	if info.Version != "" && !VersionRe.MatchString(info.Version) {
		return fmt.Errorf("version %q must match v<number>", info.Version)
	}
	return nil
}

// VersionNumber parses a "vNNN" string to its numeric value.
func VersionNumber(v string) (int, bool) {
	m := VersionRe.FindStringSubmatch(v)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// CompareVersions compares two version strings numerically, not lexically:
// v2 < v10. Unparseable versions sort before parseable ones; two
// unparseable versions compare as equal.
func CompareVersions(a, b string) int {
	na, aok := VersionNumber(a)
	nb, bok := VersionNumber(b)
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	case na < nb:
		return -1
	case na > nb:
		return 1
	default:
		return 0
	}
}

// LatestVersion returns the highest version string from the list, ignoring
// entries that don't parse. Returns "" for an empty or unparseable list.
func LatestVersion(versions []string) string {
	best := ""
	bestN := -1
	for _, v := range versions {
		if n, ok := VersionNumber(v); ok && n > bestN {
			best = v
			bestN = n
		}
	}
	return best
}

// SortVersions sorts version strings in ascending numeric order in place.
func SortVersions(versions []string) {
	sort.Slice(versions, func(i, j int) bool {
		return CompareVersions(versions[i], versions[j]) < 0
	})
}

// FileVersion extracts an embedded version number from a filename, using
// the "_vNNN" convention (e.g. "SH010_lighting_v003.ma" -> 3).
func FileVersion(name string) (int, bool) {
	m := fileVersionRe.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// FormatVersion renders a numeric version in the canonical "vNNN" form.
func FormatVersion(n int) string {
	return fmt.Sprintf("v%03d", n)
}
