// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryCollector(t *testing.T) {
	c := NewInMemoryCollector()

	c.RecordStepCreate("")
	c.RecordStepCreate("NODES_BUSY")
	c.RecordStepCreate("NODES_BUSY")
	c.RecordStepComplete()
	c.RecordSignal()
	c.RecordAgentEnqueue()
	c.RecordAgentDrop()

	stats := c.GetStats()
	assert.Equal(t, int64(3), stats.StepCreates)
	assert.Equal(t, int64(2), stats.StepCreateFails["NODES_BUSY"])
	assert.Equal(t, int64(1), stats.StepCompletes)
	assert.Equal(t, int64(1), stats.Signals)
	assert.Equal(t, int64(1), stats.AgentEnqueues)
	assert.Equal(t, int64(1), stats.AgentDrops)
}

func TestReset(t *testing.T) {
	c := NewInMemoryCollector()
	c.RecordStepCreate("BAD_DIST")
	c.Reset()

	stats := c.GetStats()
	assert.Equal(t, int64(0), stats.StepCreates)
	assert.Empty(t, stats.StepCreateFails)
}

func TestConcurrent(t *testing.T) {
	c := NewInMemoryCollector()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordStepCreate("CONFIG_UNAVAILABLE")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(800), c.GetStats().StepCreates)
}
