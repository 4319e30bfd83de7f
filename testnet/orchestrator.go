package testnet

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/opd-ai/dhtcore/enode"
	"github.com/opd-ai/dhtcore/simnet"
	"github.com/sirupsen/logrus"
)

// TestOrchestrator runs a simulated network through a fixed workflow:
// start nodes, bootstrap them, then measure node and content lookups.
type TestOrchestrator struct {
	config    *TestConfig
	out       io.Writer
	startTime time.Time
	results   *TestResults
	rng       *rand.Rand

	network *simnet.Network
	nodes   []*simNode
}

// TestConfig holds configuration for a simulation run.
type TestConfig struct {
	Nodes        int
	Lookups      int
	ContentItems int
	// DropRate is the probability that any datagram is lost.
	DropRate float64
	// MinAccuracy is the fraction of lookups that must succeed.
	MinAccuracy float64
	BucketSize  int
	Seed        int64

	OverallTimeout   time.Duration
	BootstrapTimeout time.Duration
	LookupTimeout    time.Duration
	RequestTimeout   time.Duration

	// Output receives the report. Defaults to stdout.
	Output        io.Writer
	VerboseOutput bool
}

// TestResults holds the outcomes of a run.
type TestResults struct {
	TotalTests    int
	PassedTests   int
	FailedTests   int
	ExecutionTime time.Duration
	TestSteps     []TestStepResult
	FinalStatus   TestStatus
	ErrorDetails  string
}

// TestStepResult represents the result of an individual step.
type TestStepResult struct {
	StepName      string
	Status        TestStatus
	ExecutionTime time.Duration
	ErrorMessage  string
	Metrics       map[string]interface{}
}

// TestStatus represents the status of a run or step.
type TestStatus int

const (
	TestStatusPending TestStatus = iota
	TestStatusRunning
	TestStatusPassed
	TestStatusFailed
)

// String returns a string representation of the test status.
func (ts TestStatus) String() string {
	switch ts {
	case TestStatusPending:
		return "PENDING"
	case TestStatusRunning:
		return "RUNNING"
	case TestStatusPassed:
		return "PASSED"
	case TestStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// DefaultTestConfig returns a default configuration.
func DefaultTestConfig() *TestConfig {
	return &TestConfig{
		Nodes:            50,
		Lookups:          20,
		ContentItems:     5,
		MinAccuracy:      0.9,
		BucketSize:       16,
		Seed:             1,
		OverallTimeout:   2 * time.Minute,
		BootstrapTimeout: 10 * time.Second,
		LookupTimeout:    10 * time.Second,
		RequestTimeout:   300 * time.Millisecond,
	}
}

// NewTestOrchestrator creates an orchestrator.
func NewTestOrchestrator(config *TestConfig) (*TestOrchestrator, error) {
	if config == nil {
		config = DefaultTestConfig()
	}
	if config.Nodes < 2 {
		return nil, fmt.Errorf("need at least 2 nodes, got %d", config.Nodes)
	}
	if config.DropRate < 0 || config.DropRate >= 1 {
		return nil, fmt.Errorf("drop rate must be in [0, 1), got %v", config.DropRate)
	}
	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	return &TestOrchestrator{
		config:  config,
		out:     out,
		rng:     rand.New(rand.NewSource(config.Seed)),
		results: &TestResults{FinalStatus: TestStatusPending},
	}, nil
}

// RunTests executes the workflow and reports the results.
func (to *TestOrchestrator) RunTests(ctx context.Context) (*TestResults, error) {
	to.startTime = time.Now()
	to.results.FinalStatus = TestStatusRunning
	if to.config.VerboseOutput {
		to.logConfiguration()
	}

	runCtx, cancel := context.WithTimeout(ctx, to.config.OverallTimeout)
	defer cancel()
	defer to.cleanup()

	err := to.executeTestWorkflow(runCtx)
	to.results.ExecutionTime = time.Since(to.startTime)
	if err != nil {
		to.results.FinalStatus = TestStatusFailed
		to.results.ErrorDetails = err.Error()
	} else {
		to.results.FinalStatus = TestStatusPassed
	}
	to.generateFinalReport()
	return to.results, err
}

func (to *TestOrchestrator) executeTestWorkflow(ctx context.Context) error {
	steps := []struct {
		name string
		run  func(context.Context, *TestStepResult) error
	}{
		{"Start nodes", to.startNodes},
		{"Bootstrap", to.bootstrapNodes},
		{"Node lookups", to.runNodeLookups},
		{"Content lookups", to.runContentLookups},
	}
	for _, s := range steps {
		if err := to.executeWithStepTracking(ctx, s.name, s.run); err != nil {
			return err
		}
	}
	return nil
}

// executeWithStepTracking executes a step with result tracking.
func (to *TestOrchestrator) executeWithStepTracking(ctx context.Context, stepName string, operation func(context.Context, *TestStepResult) error) error {
	step := TestStepResult{
		StepName: stepName,
		Status:   TestStatusRunning,
		Metrics:  make(map[string]interface{}),
	}
	start := time.Now()
	err := operation(ctx, &step)
	step.ExecutionTime = time.Since(start)

	to.results.TotalTests++
	if err != nil {
		step.Status = TestStatusFailed
		step.ErrorMessage = err.Error()
		to.results.FailedTests++
	} else {
		step.Status = TestStatusPassed
		to.results.PassedTests++
	}
	to.results.TestSteps = append(to.results.TestSteps, step)

	logrus.WithFields(logrus.Fields{
		"function": "executeWithStepTracking",
		"step":     stepName,
		"status":   step.Status.String(),
		"elapsed":  step.ExecutionTime.String(),
	}).Info("Simulation step finished")
	return err
}

func (to *TestOrchestrator) logConfiguration() {
	c := to.config
	fmt.Fprintln(to.out, "Simulation configuration:")
	fmt.Fprintf(to.out, "   Nodes: %d (k=%d)\n", c.Nodes, c.BucketSize)
	fmt.Fprintf(to.out, "   Lookups: %d nodes, %d content items\n", c.Lookups, c.ContentItems)
	fmt.Fprintf(to.out, "   Drop rate: %.2f\n", c.DropRate)
	fmt.Fprintf(to.out, "   Minimum accuracy: %.2f\n", c.MinAccuracy)
	fmt.Fprintf(to.out, "   Overall timeout: %v\n", c.OverallTimeout)
	fmt.Fprintln(to.out)
}

// generateFinalReport writes the summary to the output.
func (to *TestOrchestrator) generateFinalReport() {
	r := to.results
	fmt.Fprintln(to.out, "Simulation summary")
	fmt.Fprintln(to.out, "==================")
	fmt.Fprintf(to.out, "Status: %s in %v\n", r.FinalStatus, r.ExecutionTime.Round(time.Millisecond))
	fmt.Fprintf(to.out, "Steps: %d total, %d passed, %d failed\n", r.TotalTests, r.PassedTests, r.FailedTests)
	for _, step := range r.TestSteps {
		fmt.Fprintf(to.out, "   [%s] %s (%v)\n", step.Status, step.StepName, step.ExecutionTime.Round(time.Millisecond))
		for _, key := range sortedKeys(step.Metrics) {
			fmt.Fprintf(to.out, "      %s: %v\n", key, step.Metrics[key])
		}
		if step.ErrorMessage != "" {
			fmt.Fprintf(to.out, "      error: %s\n", step.ErrorMessage)
		}
	}
}

func (to *TestOrchestrator) cleanup() {
	var wg sync.WaitGroup
	for _, n := range to.nodes {
		wg.Add(1)
		go func(n *simNode) {
			defer wg.Done()
			n.close()
		}(n)
	}
	wg.Wait()
	to.nodes = nil
}

// closestNodes returns the n simulated nodes nearest to target.
func (to *TestOrchestrator) closestNodes(target enode.ID, n int) []*simNode {
	ids := make([]enode.ID, len(to.nodes))
	byID := make(map[enode.ID]*simNode, len(to.nodes))
	for i, node := range to.nodes {
		ids[i] = node.client.ID()
		byID[ids[i]] = node
	}
	enode.SortByDistance(target, ids)
	if len(ids) > n {
		ids = ids[:n]
	}
	out := make([]*simNode, len(ids))
	for i, id := range ids {
		out[i] = byID[id]
	}
	return out
}
