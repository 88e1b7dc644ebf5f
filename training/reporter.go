package training

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
)

// Reporter receives one structured key→scalar report per epoch.
type Reporter interface {
	ReportEpoch(epoch int, scalars map[string]float64) error
}

// LogReporter emits epoch reports through a structured logger.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter wraps a slog logger; nil falls back to the default logger.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) ReportEpoch(epoch int, scalars map[string]float64) error {
	keys := make([]string, 0, len(scalars))
	for k := range scalars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]any, 0, 2*len(keys)+2)
	attrs = append(attrs, "epoch", epoch)
	for _, k := range keys {
		attrs = append(attrs, k, scalars[k])
	}
	r.logger.Info("epoch complete", attrs...)
	return nil
}

// JSONLReporter appends one JSON object per epoch to a run file.
type JSONLReporter struct {
	file *os.File
}

// NewJSONLReporter opens (or creates) the run file in append mode.
func NewJSONLReporter(path string) (*JSONLReporter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open report file: %v", err)
	}
	return &JSONLReporter{file: file}, nil
}

func (r *JSONLReporter) ReportEpoch(epoch int, scalars map[string]float64) error {
	record := make(map[string]interface{}, len(scalars)+1)
	record["epoch"] = epoch
	for k, v := range scalars {
		record[k] = v
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode epoch report: %v", err)
	}
	if _, err := r.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write epoch report: %v", err)
	}
	return nil
}

// Close releases the underlying run file.
func (r *JSONLReporter) Close() error {
	return r.file.Close()
}

// MultiReporter fans one report out to several reporters.
type MultiReporter struct {
	reporters []Reporter
}

func NewMultiReporter(reporters ...Reporter) *MultiReporter {
	return &MultiReporter{reporters: reporters}
}

func (r *MultiReporter) ReportEpoch(epoch int, scalars map[string]float64) error {
	for _, rep := range r.reporters {
		if err := rep.ReportEpoch(epoch, scalars); err != nil {
			return err
		}
	}
	return nil
}
