package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/saltfish/wfsearch/internal/domain"
)

// Environment variable names understood by engine images.
const (
	EnvStartDate   = "WF_START_DATE"
	EnvEndDate     = "WF_END_DATE"
	EnvParameters  = "WF_PARAMETERS"
	EnvParamPrefix = "WF_PARAM_"
	EnvRunID       = "WF_RUN_ID"
	EnvJobID       = "WF_JOB_ID"

	// ParamsMountPath is where the parameter file is mounted inside the container.
	ParamsMountPath = "/wfsearch/params.json"
)

var envNameRe = regexp.MustCompile(`[^A-Z0-9]+`)

// EnvName converts a parameter name into its WF_PARAM_ variable: "fast-ma" -> "WF_PARAM_FAST_MA".
func EnvName(param string) string {
	return EnvParamPrefix + strings.Trim(envNameRe.ReplaceAllString(strings.ToUpper(param), "_"), "_")
}

// Environment builds the container environment for a job. Variables from
// the job's engine spec come first so that window and parameter values win.
func Environment(job *domain.Job) ([]string, error) {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameters: %w", err)
	}

	var env []string
	extra := make([]string, 0, len(job.Engine.Env))
	for k := range job.Engine.Env {
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		env = append(env, k+"="+job.Engine.Env[k])
	}

	env = append(env,
		EnvRunID+"="+job.RunID.String(),
		fmt.Sprintf("%s=%d", EnvJobID, job.ID),
		EnvStartDate+"="+domain.FormatDate(job.Window.Start),
		EnvEndDate+"="+domain.FormatDate(job.Window.End),
		EnvParameters+"="+string(params),
	)

	names := make([]string, 0, len(job.Params))
	for name := range job.Params.Search() {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, EnvName(name)+"="+job.Params[name])
	}

	return env, nil
}

// ParamsFile is a parameter file written for one container.
type ParamsFile struct {
	// Path is the host path of the file.
	Path string

	// Cleanup removes the temporary directory holding the file.
	Cleanup func()
}

// ParamsWriter writes the job's parameter set to a file for bind mounting.
type ParamsWriter struct {
	dir    string
	logger *zap.Logger
}

// NewParamsWriter creates a ParamsWriter; an empty dir uses the OS temp dir.
func NewParamsWriter(dir string, logger *zap.Logger) *ParamsWriter {
	return &ParamsWriter{dir: dir, logger: logger}
}

// Write stores the job's parameters as indented JSON.
func (w *ParamsWriter) Write(job *domain.Job) (*ParamsFile, error) {
	tmpDir, err := os.MkdirTemp(w.dir, "wfsearch-params-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	path := filepath.Join(tmpDir, "params.json")
	data, err := json.MarshalIndent(job.Params, "", "  ")
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("failed to encode parameters: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("failed to write parameter file: %w", err)
	}

	w.logger.Debug("Wrote parameter file",
		zap.String("path", path),
		zap.Int64("job_id", job.ID),
	)

	return &ParamsFile{
		Path:    path,
		Cleanup: func() { os.RemoveAll(tmpDir) },
	}, nil
}
