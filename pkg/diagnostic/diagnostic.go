// Package diagnostic interprets a completed speed test into
// human/agent-readable grades, ratings, and suitability assessments.
package diagnostic

import (
	"fmt"
	"strings"

	"github.com/saveenergy/linkpulse/pkg/types"
)

// Assessment is the semantic reading of one test result.
type Assessment struct {
	Grade           string   `json:"grade"`
	Summary         string   `json:"summary"`
	LatencyRating   string   `json:"latency_rating"`
	SpeedRating     string   `json:"speed_rating"`
	StabilityRating string   `json:"stability_rating"`
	SuitableFor     []string `json:"suitable_for"`
	Concerns        []string `json:"concerns"`
}

// Assess grades a completed test result.
func Assess(r *types.TestResult) *Assessment {
	a := &Assessment{
		LatencyRating:   rateLatency(r.PingMs),
		SpeedRating:     rateSpeed(r.DownloadMbps, r.UploadMbps),
		StabilityRating: rateStability(r.JitterMs),
		SuitableFor:     suitability(r),
		Concerns:        concerns(r),
	}
	a.Grade = grade(a.LatencyRating, a.SpeedRating, a.StabilityRating)
	a.Summary = summary(a.Grade, r)
	return a
}

func rateLatency(pingMs float64) string {
	switch {
	case pingMs <= 0:
		return "unknown"
	case pingMs <= 20:
		return "excellent"
	case pingMs <= 50:
		return "good"
	case pingMs <= 100:
		return "fair"
	default:
		return "poor"
	}
}

func rateSpeed(downMbps, upMbps float64) string {
	// Use whichever is available; prefer download
	speed := downMbps
	if speed <= 0 {
		speed = upMbps
	}
	switch {
	case speed <= 0:
		return "unknown"
	case speed >= 100:
		return "fast"
	case speed >= 25:
		return "good"
	case speed >= 5:
		return "moderate"
	default:
		return "slow"
	}
}

func rateStability(jitterMs float64) string {
	switch {
	case jitterMs < 0:
		return "unknown"
	case jitterMs > 30:
		return "unstable"
	case jitterMs > 10:
		return "fair"
	default:
		return "stable"
	}
}

func suitability(r *types.TestResult) []string {
	s := []string{}

	if (r.DownloadMbps >= 1 || r.UploadMbps >= 1) && r.PingMs < 200 {
		s = append(s, "web_browsing")
	}
	if r.DownloadMbps >= 5 && r.UploadMbps >= 2 && r.PingMs < 100 && r.JitterMs < 30 {
		s = append(s, "video_conferencing")
	}
	if r.DownloadMbps >= 25 {
		s = append(s, "streaming_4k")
	} else if r.DownloadMbps >= 5 {
		s = append(s, "streaming_hd")
	}
	if r.PingMs > 0 && r.PingMs < 50 && r.JitterMs < 15 {
		s = append(s, "gaming")
	}
	if r.DownloadMbps >= 50 || r.UploadMbps >= 50 {
		s = append(s, "large_transfers")
	}

	return s
}

func concerns(r *types.TestResult) []string {
	c := []string{}

	if r.PingMs > 100 {
		c = append(c, "high_latency")
	}
	if r.JitterMs > 30 {
		c = append(c, "high_jitter")
	}
	if r.DownloadMbps > 0 && r.DownloadMbps < 5 {
		c = append(c, "slow_download")
	}
	if r.UploadMbps > 0 && r.UploadMbps < 2 {
		c = append(c, "slow_upload")
	}

	return c
}

var ratingScore = map[string]int{
	"excellent": 4,
	"fast":      4,
	"stable":    4,
	"good":      3,
	"fair":      2,
	"moderate":  2,
	"poor":      0,
	"slow":      0,
	"unstable":  0,
	"unknown":   2, // neutral default
}

func grade(latency, speed, stability string) string {
	score := ratingScore[latency] + ratingScore[speed] + ratingScore[stability]
	// Max score = 12 (4+4+4)
	switch {
	case score >= 11:
		return "A"
	case score >= 9:
		return "B"
	case score >= 6:
		return "C"
	case score >= 3:
		return "D"
	default:
		return "F"
	}
}

var gradeDesc = map[string]string{
	"A": "Excellent",
	"B": "Good",
	"C": "Fair",
	"D": "Poor",
	"F": "Very poor",
}

func summary(grade string, r *types.TestResult) string {
	parts := []string{}
	if r.DownloadMbps > 0 {
		parts = append(parts, fmt.Sprintf("%.0f Mbps down", r.DownloadMbps))
	}
	if r.UploadMbps > 0 {
		parts = append(parts, fmt.Sprintf("%.0f Mbps up", r.UploadMbps))
	}
	if r.PingMs > 0 {
		parts = append(parts, fmt.Sprintf("%.0fms ping", r.PingMs))
	}

	s := gradeDesc[grade] + " connection"
	if len(parts) > 0 {
		s += ": " + strings.Join(parts, ", ")
	}
	return s
}
