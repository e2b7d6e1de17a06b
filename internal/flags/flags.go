// Package flags computes media-capability flags bottom-up from analysis
// evidence. Everything here is pure: the same math backs both the inline
// write-path recompute and the outbox worker.
package flags

import (
	"strings"

	"github.com/google/uuid"

	"github.com/neurostuff/studysync/internal/model"
)

var (
	zMapTypes = set("z", "z map")
	tMapTypes = set("t", "t map")
	betaTypes = set(
		"u", "m", "u map", "m map", "beta", "beta map",
		"univariate-beta map", "multivariate-beta map",
		"univariate beta map", "multivariate beta map",
	)
	varianceTypes = set("v", "v map", "variance", "variance map")
)

func set(values ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}

// NormalizeValueType trims and lower-cases an image value_type.
func NormalizeValueType(valueType string) string {
	return strings.ToLower(strings.TrimSpace(valueType))
}

func isIn(valueType string, types map[string]struct{}) bool {
	_, ok := types[NormalizeValueType(valueType)]
	return ok
}

// IsZMap reports whether valueType denotes a Z statistic map.
func IsZMap(valueType string) bool { return isIn(valueType, zMapTypes) }

// IsTMap reports whether valueType denotes a T statistic map.
func IsTMap(valueType string) bool { return isIn(valueType, tMapTypes) }

// IsBetaMap reports whether valueType denotes a beta (effect size) map.
func IsBetaMap(valueType string) bool { return isIn(valueType, betaTypes) }

// IsVarianceMap reports whether valueType denotes a variance map.
func IsVarianceMap(valueType string) bool { return isIn(valueType, varianceTypes) }

// evidence accumulates what is visible at one scope.
type evidence struct {
	points   bool
	images   bool
	z        bool
	t        bool
	beta     bool
	variance bool
}

func (e *evidence) add(ev model.AnalysisEvidence) {
	if ev.PointCount > 0 {
		e.points = true
	}
	for _, vt := range ev.ImageValueTypes {
		e.images = true
		switch {
		case IsZMap(vt):
			e.z = true
		case IsTMap(vt):
			e.t = true
		case IsBetaMap(vt):
			e.beta = true
		case IsVarianceMap(vt):
			e.variance = true
		}
	}
}

func (e evidence) flags() model.Flags {
	return model.Flags{
		HasCoordinates:         e.points,
		HasImages:              e.images,
		HasZMaps:               e.z,
		HasTMaps:               e.t,
		HasBetaAndVarianceMaps: e.beta && e.variance,
	}
}

// ForAnalysis computes the flags of a single analysis.
func ForAnalysis(ev model.AnalysisEvidence) model.Flags {
	var e evidence
	e.add(ev)
	return e.flags()
}

// ForScope computes flags for a scope that sees all of evs. The
// beta+variance conjunction is evaluated over the combined evidence.
func ForScope(evs []model.AnalysisEvidence) model.Flags {
	var e evidence
	for _, ev := range evs {
		e.add(ev)
	}
	return e.flags()
}

// Or combines child flags field by field.
func Or(a, b model.Flags) model.Flags {
	return model.Flags{
		HasCoordinates:         a.HasCoordinates || b.HasCoordinates,
		HasImages:              a.HasImages || b.HasImages,
		HasZMaps:               a.HasZMaps || b.HasZMaps,
		HasTMaps:               a.HasTMaps || b.HasTMaps,
		HasBetaAndVarianceMaps: a.HasBetaAndVarianceMaps || b.HasBetaAndVarianceMaps,
	}
}

// Result holds recomputed flags for every scope under one base study.
type Result struct {
	BaseStudy model.Flags
	Studies   map[uuid.UUID]model.Flags
	Analyses  map[uuid.UUID]model.Flags
}

// Compute recomputes flags for a base study from its study versions and the
// evidence of all analyses under them. Each study's flags are the OR of its
// analyses' flags combined with flags computed over the study's aggregate
// evidence; the base study is rolled up from its studies the same way.
// Studies without analyses get all-false flags.
func Compute(studyIDs []uuid.UUID, evs []model.AnalysisEvidence) Result {
	res := Result{
		Studies:  make(map[uuid.UUID]model.Flags, len(studyIDs)),
		Analyses: make(map[uuid.UUID]model.Flags, len(evs)),
	}
	byStudy := make(map[uuid.UUID][]model.AnalysisEvidence, len(studyIDs))
	for _, id := range studyIDs {
		byStudy[id] = nil
	}
	for _, ev := range evs {
		byStudy[ev.StudyID] = append(byStudy[ev.StudyID], ev)
	}

	var base model.Flags
	for studyID, studyEvs := range byStudy {
		var sf model.Flags
		for _, ev := range studyEvs {
			af := ForAnalysis(ev)
			res.Analyses[ev.AnalysisID] = af
			sf = Or(sf, af)
		}
		sf = Or(sf, ForScope(studyEvs))
		res.Studies[studyID] = sf
		base = Or(base, sf)
	}
	res.BaseStudy = Or(base, ForScope(evs))
	return res
}
