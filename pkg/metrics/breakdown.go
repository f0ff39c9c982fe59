package metrics

// FramesPerClip approximates how many frames the overlay stage processes for
// one generated clip.
const FramesPerClip = 240

// Stage is one step of the generation pipeline.
type Stage struct {
	Name    string  `json:"name"`
	Seconds float64 `json:"seconds"`
	Percent float64 `json:"percent"`
}

// Breakdown splits the end-to-end pipeline time into its stages.
type Breakdown struct {
	TotalSeconds float64 `json:"total_seconds"`
	Stages       []Stage `json:"stages"`
}

// NewBreakdown computes the pipeline breakdown for snap. When the total is
// zero every stage reports 0%.
func NewBreakdown(snap Snapshot) Breakdown {
	stages := []Stage{
		{Name: "prompt", Seconds: snap.Prompt.AvgResponseTime},
		{Name: "generator", Seconds: snap.Generator.AvgGenerationTime},
		{Name: "overlay", Seconds: snap.Overlay.AvgTimePerFrame * FramesPerClip},
	}
	var total float64
	for _, st := range stages {
		total += st.Seconds
	}
	for i := range stages {
		stages[i].Percent = Percent(stages[i].Seconds, total)
	}
	return Breakdown{TotalSeconds: total, Stages: stages}
}

// Percent returns part/total*100, or 0 when total is not positive.
func Percent(part, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return part / total * 100
}

// DropRate returns the share of frames dropped by the streamer in percent.
func DropRate(r RTMPMetrics) float64 {
	return Percent(float64(r.FramesDropped), float64(r.FramesSent+r.FramesDropped))
}
