package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crag-agent/backend/internal/crag"
)

func TestRunObserverEmitsIterationAndTerminationEvents(t *testing.T) {
	var sent []map[string]interface{}
	observe := runObserver(func(msg map[string]interface{}) error {
		sent = append(sent, msg)
		return nil
	}, func() {})

	observe(crag.ProgressEvent{RunID: "r1", Iteration: 0, Overall: 0.6, Phase: "assessed"})
	observe(crag.ProgressEvent{RunID: "r1", Iteration: 1, Overall: 0.8, Phase: "corrected", Strategy: "retrieve_more"})
	observe(crag.ProgressEvent{RunID: "r1", Iteration: 1, Overall: 0.8, Phase: "terminated", Reason: crag.ReasonThresholdMet})

	require.Len(t, sent, 3)

	assert.Equal(t, "iteration", sent[0]["type"])
	assert.Equal(t, 0.6, sent[0]["score"])

	assert.Equal(t, "iteration", sent[1]["type"])
	assert.Equal(t, "retrieve_more", sent[1]["strategy"])

	assert.Equal(t, "terminated", sent[2]["type"])
	assert.Equal(t, string(crag.ReasonThresholdMet), sent[2]["reason"])
}

func TestRunObserverCancelsTheRunWhenTheClientIsGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	observe := runObserver(func(map[string]interface{}) error {
		return errors.New("broken pipe")
	}, cancel)

	observe(crag.ProgressEvent{RunID: "r1", Phase: "assessed"})

	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestRunObserverIgnoresUnknownPhases(t *testing.T) {
	sends := 0
	observe := runObserver(func(map[string]interface{}) error {
		sends++
		return nil
	}, func() {})

	observe(crag.ProgressEvent{RunID: "r1", Phase: "unknown"})

	assert.Equal(t, 0, sends)
}
