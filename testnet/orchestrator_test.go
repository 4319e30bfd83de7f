package testnet

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig(out *bytes.Buffer) *TestConfig {
	c := DefaultTestConfig()
	c.Nodes = 16
	c.Lookups = 6
	c.ContentItems = 3
	c.BucketSize = 8
	c.Output = out
	c.VerboseOutput = true
	return c
}

func TestOrchestratorRunPasses(t *testing.T) {
	var out bytes.Buffer
	to, err := NewTestOrchestrator(smallConfig(&out))
	require.NoError(t, err)

	results, err := to.RunTests(context.Background())
	require.NoError(t, err, out.String())
	assert.Equal(t, TestStatusPassed, results.FinalStatus)
	assert.Equal(t, 4, results.TotalTests)
	assert.Equal(t, 4, results.PassedTests)
	require.Len(t, results.TestSteps, 4)
	assert.Equal(t, 16, results.TestSteps[0].Metrics["nodes"])
	assert.Contains(t, out.String(), "Simulation summary")
	assert.Contains(t, out.String(), "Status: PASSED")
	assert.Empty(t, to.nodes, "nodes are shut down after the run")
}

func TestOrchestratorTimeoutFails(t *testing.T) {
	var out bytes.Buffer
	c := smallConfig(&out)
	c.OverallTimeout = time.Nanosecond

	to, err := NewTestOrchestrator(c)
	require.NoError(t, err)
	results, err := to.RunTests(context.Background())
	assert.Error(t, err)
	assert.Equal(t, TestStatusFailed, results.FinalStatus)
	assert.NotEmpty(t, results.ErrorDetails)
	assert.Contains(t, out.String(), "Status: FAILED")
}

func TestNewTestOrchestratorValidates(t *testing.T) {
	c := DefaultTestConfig()
	c.Nodes = 1
	_, err := NewTestOrchestrator(c)
	assert.Error(t, err)

	c = DefaultTestConfig()
	c.DropRate = 1
	_, err = NewTestOrchestrator(c)
	assert.Error(t, err)
}

func TestTestStatusString(t *testing.T) {
	assert.Equal(t, "PASSED", TestStatusPassed.String())
	assert.Equal(t, "UNKNOWN", TestStatus(42).String())
}
