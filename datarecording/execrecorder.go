package datarecording

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

const timeFormat = "2006-01-02 15:04:05.000000000"

// An ExecRecorder records how a run was started and configured.
type ExecRecorder struct {
	recorder DataRecorder
	entries  []ExecInfo
}

// NewExecRecorder creates the exec table in recorder.
func NewExecRecorder(recorder DataRecorder) *ExecRecorder {
	recorder.CreateTable(ExecTable, ExecInfo{})

	return &ExecRecorder{recorder: recorder}
}

// Start records the start time, the command line and the working directory.
func (e *ExecRecorder) Start() {
	e.Record("Start Time", time.Now().Format(timeFormat))
	e.Record("Command", strings.Join(os.Args, " "))

	ex, err := os.Executable()
	if err != nil {
		panic(err)
	}

	e.Record("Working Directory", filepath.Dir(ex))
}

// Record adds a property of the run.
func (e *ExecRecorder) Record(property, value string) {
	e.entries = append(e.entries, ExecInfo{property, value})
}

// End records the end time and writes every property.
func (e *ExecRecorder) End() {
	e.Record("End Time", time.Now().Format(timeFormat))

	for _, entry := range e.entries {
		e.recorder.InsertData(ExecTable, entry)
	}

	e.entries = nil

	e.recorder.Flush()
}
