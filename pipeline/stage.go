package pipeline

// Stage identifies a phase of query execution. Stage latencies are reported
// per query and to the metrics collector.
type Stage int

const (
	StageStart Stage = iota
	StageEmbed
	StageCacheProbe
	StageIndexSearch
	StageRerank
	StageDone
)

var stageNames = map[Stage]string{
	StageStart:       "start",
	StageEmbed:       "embed",
	StageCacheProbe:  "cache_probe",
	StageIndexSearch: "index_search",
	StageRerank:      "rerank",
	StageDone:        "done",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}
