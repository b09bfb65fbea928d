package ioprofile

import (
	"context"
	"fmt"
	"time"

	"github.com/scylladb/scylla-machine-image/pkg/cloud"
)

const defaultMeasureTimeout = 5 * time.Minute

// Measurer runs the bundled iotune wrapper when no preset covers the
// instance. The wrapper writes the same output files this package does, so a
// successful run needs no further action here.
type Measurer struct {
	run     cloud.CommandRunner
	timeout time.Duration
}

// NewMeasurer builds a Measurer. A nil runner executes the real binary.
func NewMeasurer(run cloud.CommandRunner) *Measurer {
	if run == nil {
		run = cloud.RunCommand
	}

	return &Measurer{run: run, timeout: defaultMeasureTimeout}
}

// Measure invokes scylla_io_setup, bounded so a hung measurement cannot
// stall the whole boot.
func (m *Measurer) Measure(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	_, err := m.run(ctx, "scylla_io_setup")
	if err != nil {
		return fmt.Errorf("io measurement: %w", err)
	}

	return nil
}
