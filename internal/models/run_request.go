package models

import (
	"encoding/json"
	"fmt"
)

// RunRequest is the client-facing submission shape. The orchestrator only
// interprets target_path, output_path, source_paths and processors; the
// settings bag is carried opaquely into the job config.
type RunRequest struct {
	SourcePaths []string               `json:"source_paths" validate:"required,min=1,dive,required"`
	TargetPath  string                 `json:"target_path" validate:"required"`
	OutputPath  string                 `json:"output_path"`
	Processors  []string               `json:"processors" validate:"required,min=1"`
	Settings    map[string]interface{} `json:"settings"`
	JobID       string                 `json:"job_id,omitempty"`
}

// Named config keys the orchestrator reads back out of a job config.
const (
	ConfigKeySourcePaths = "source_paths"
	ConfigKeyTargetPath  = "target_path"
	ConfigKeyOutputPath  = "output_path"
	ConfigKeyProcessors  = "processors"
)

// ToConfig converts the request into the job configuration bag. The named
// path/processor keys are set explicitly; settings merge alongside them
// without overriding the named keys.
func (r *RunRequest) ToConfig() map[string]interface{} {
	config := make(map[string]interface{}, len(r.Settings)+4)
	for k, v := range r.Settings {
		config[k] = v
	}
	config[ConfigKeySourcePaths] = r.SourcePaths
	config[ConfigKeyTargetPath] = r.TargetPath
	config[ConfigKeyOutputPath] = r.OutputPath
	config[ConfigKeyProcessors] = r.Processors
	return config
}

// RunRequestFromConfig rebuilds a request from a job configuration bag.
// Round-trips every field ToConfig writes.
func RunRequestFromConfig(config map[string]interface{}) *RunRequest {
	req := &RunRequest{Settings: make(map[string]interface{})}
	for k, v := range config {
		switch k {
		case ConfigKeySourcePaths:
			req.SourcePaths = toStringSlice(v)
		case ConfigKeyTargetPath:
			req.TargetPath, _ = v.(string)
		case ConfigKeyOutputPath:
			req.OutputPath, _ = v.(string)
		case ConfigKeyProcessors:
			req.Processors = toStringSlice(v)
		default:
			req.Settings[k] = v
		}
	}
	return req
}

func toStringSlice(val interface{}) []string {
	switch v := val.(type) {
	case []string:
		return v
	case []interface{}:
		result := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				result = append(result, str)
			}
		}
		return result
	default:
		return nil
	}
}

// ToJSON serializes the request
func (r *RunRequest) ToJSON() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run request: %w", err)
	}
	return data, nil
}

// RunRequestFromJSON deserializes a request
func RunRequestFromJSON(data []byte) (*RunRequest, error) {
	var req RunRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run request: %w", err)
	}
	return &req, nil
}
