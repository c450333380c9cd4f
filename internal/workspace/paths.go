package workspace

import (
	"path/filepath"
	"strconv"
)

// Artifact file names inside a run directory.
const (
	UserInputFile        = "user_input.json"
	SuggestedQueriesFile = "suggested_queries.json"
	ConsolidatedFile     = "lead_list_consolidated.json"
	DedupedFile          = "lead_list_deduped.json"
	ClustersFile         = "lead_clusters.json"
	EnrichedFile         = "lead_list_enriched.json"
	SortedFile           = "lead_list_sorted.json"
	ExcelFile            = "final_leads_list.xlsx"
	MetricsFile          = "pipeline_metrics.json"
	PartsDir             = "consolidated_parts"
)

// Paths holds every artifact location for one run.
type Paths struct {
	RunDir           string `json:"run_dir"`
	UserInput        string `json:"user_input"`
	SuggestedQueries string `json:"suggested_queries"`
	PartsDir         string `json:"parts_dir"`
	Consolidated     string `json:"consolidated"`
	Deduped          string `json:"deduped"`
	Clusters         string `json:"clusters"`
	Enriched         string `json:"enriched"`
	Sorted           string `json:"sorted"`
	Excel            string `json:"excel"`
	Metrics          string `json:"metrics"`
}

// NewPaths derives all artifact paths from a run directory.
func NewPaths(runDir string) Paths {
	out := filepath.Join(runDir, OutputsDir)
	return Paths{
		RunDir:           runDir,
		UserInput:        filepath.Join(runDir, InputsDir, UserInputFile),
		SuggestedQueries: filepath.Join(out, SuggestedQueriesFile),
		PartsDir:         filepath.Join(runDir, PartsDir),
		Consolidated:     filepath.Join(out, ConsolidatedFile),
		Deduped:          filepath.Join(out, DedupedFile),
		Clusters:         filepath.Join(out, ClustersFile),
		Enriched:         filepath.Join(out, EnrichedFile),
		Sorted:           filepath.Join(out, SortedFile),
		Excel:            filepath.Join(out, ExcelFile),
		Metrics:          filepath.Join(out, MetricsFile),
	}
}

// Outputs returns the outputs directory.
func (p Paths) Outputs() string {
	return filepath.Join(p.RunDir, OutputsDir)
}

// Progress returns the progress document path for a stage.
func (p Paths) Progress(stage string) string {
	return filepath.Join(p.Outputs(), "progress_"+stage+".json")
}

// Part returns the per-query part file path (1-based index).
func (p Paths) Part(idx int) string {
	return filepath.Join(p.PartsDir, "consolidated_part_"+strconv.Itoa(idx)+".json")
}
