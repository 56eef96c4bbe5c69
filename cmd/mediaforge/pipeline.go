// -----------------------------------------------------------------------
// Default ffmpeg pipeline - remux/transcode backend for the orchestrator
// -----------------------------------------------------------------------

package main

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mediaforge/internal/interfaces"
	"github.com/ternarybob/mediaforge/internal/models"
	"github.com/ternarybob/mediaforge/internal/services/resources"
)

// cancelPollInterval is how often a running encode checks the cancel flag
const cancelPollInterval = 500 * time.Millisecond

// ffmpegPipeline is the stock pipeline: it claims an encoder slot and
// shells out to ffmpeg. Heavier model-driven backends implement the
// same Pipeline interface and are wired in instead at construction.
type ffmpegPipeline struct {
	resources *resources.Manager
	logger    arbor.ILogger
}

func newFFmpegPipeline(res *resources.Manager, logger arbor.ILogger) interfaces.Pipeline {
	return &ffmpegPipeline{resources: res, logger: logger}
}

func (p *ffmpegPipeline) Execute(config map[string]interface{}, pc interfaces.PipelineContext) bool {
	req := models.RunRequestFromConfig(config)
	if req.TargetPath == "" || req.OutputPath == "" {
		pc.Log("error", "pipeline requires target_path and output_path")
		return false
	}

	pc.ReportProgress(0.0, "analysing")
	pc.Log("info", fmt.Sprintf("processing %s with [%s]", req.TargetPath, strings.Join(req.Processors, ", ")))
	pc.ReportProgress(1.0, "analysing")

	if pc.IsCanceled() {
		return false
	}

	release, err := p.resources.AcquireFFmpeg(pc.JobID(), 0)
	if err != nil {
		pc.Log("error", "ffmpeg slot unavailable: "+err.Error())
		return false
	}
	defer release()

	pc.ReportProgress(0.0, "processing")

	cmd := exec.Command("ffmpeg", "-y", "-hide_banner", "-loglevel", "error",
		"-i", req.TargetPath, "-c", "copy", req.OutputPath)
	if err := cmd.Start(); err != nil {
		pc.Log("error", "failed to start ffmpeg: "+err.Error())
		return false
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	for {
		select {
		case err := <-done:
			if err != nil {
				pc.Log("error", "ffmpeg failed: "+err.Error())
				return false
			}
			pc.ReportProgress(1.0, "processing")
			pc.ReportProgress(1.0, "merging")
			return true
		case <-time.After(cancelPollInterval):
			if pc.IsCanceled() {
				if cmd.Process != nil {
					cmd.Process.Kill()
				}
				<-done
				return false
			}
		}
	}
}
