package interfaces

// PipelineContext is handed to the pipeline for the duration of one job.
// It replaces the process-wide callback bag of earlier revisions: progress
// reporting and cancellation polling are explicit methods on a value scoped
// to the running job.
type PipelineContext interface {
	// JobID identifies the job this context belongs to; pipelines use it
	// when acquiring resources so per-job accounting stays accurate
	JobID() string

	// ReportProgress reports local progress in [0,1] for the named phase
	// (analysing, extracting, processing, merging, or unknown)
	ReportProgress(progress float64, phase string)

	// IsCanceled reads the durable cancel flag; the pipeline should poll
	// between work units and stop promptly when true
	IsCanceled() bool

	// Log emits a job-scoped log line to event subscribers
	Log(level string, message string)
}

// Pipeline executes the media-processing work for one job. The config bag
// is the serialised RunRequest plus settings; the return value reports
// success. The orchestrator treats the pipeline as opaque.
type Pipeline interface {
	Execute(config map[string]interface{}, pc PipelineContext) bool
}

// PipelineFunc adapts a plain function to the Pipeline interface
type PipelineFunc func(config map[string]interface{}, pc PipelineContext) bool

// Execute implements Pipeline
func (f PipelineFunc) Execute(config map[string]interface{}, pc PipelineContext) bool {
	return f(config, pc)
}
