package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/model"
	apperrors "github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/errors"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/metrics"
)

type fakeNarrator struct {
	fragments []string
	err       error
	failFast  bool
}

func (f *fakeNarrator) StreamNarration(_ context.Context, _ string, onFragment func(string)) error {
	if f.failFast {
		return f.err
	}
	for _, fragment := range f.fragments {
		onFragment(fragment)
	}
	return f.err
}

// fakeImages returns results[i] for call i; a nil entry is a success.
// Calls past the configured results succeed.
type fakeImages struct {
	mu      sync.Mutex
	results []error
	calls   int
	onCall  func(call int)
}

func (f *fakeImages) Generate(_ context.Context, _ string) (*Image, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.mu.Unlock()

	if f.onCall != nil {
		f.onCall(call)
	}
	if call < len(f.results) && f.results[call] != nil {
		return nil, f.results[call]
	}
	return &Image{Data: []byte(fmt.Sprintf("png-%d", call)), ContentType: "image/png"}, nil
}

func (f *fakeImages) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeUsage struct {
	mu    sync.Mutex
	calls int
	types []model.UsageType
}

func (f *fakeUsage) RecordFailure(_ context.Context, _ uuid.UUID, usageType model.UsageType, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.types = append(f.types, usageType)
	return nil
}

func newTestOrchestrator(narrator TextProvider, images ImageProvider, usage usageRecorder) *Orchestrator {
	return NewOrchestrator(narrator, images, nil, usage, zap.NewNop(), metrics.New(prometheus.NewRegistry()))
}

// parseEvents splits an SSE buffer into decoded JSON events.
func parseEvents(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var events []map[string]any
	for _, block := range strings.Split(buf.String(), "\n\n") {
		if block == "" {
			continue
		}
		require.True(t, strings.HasPrefix(block, "data: "), "block %q lacks data prefix", block)
		var event map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(block, "data: ")), &event))
		events = append(events, event)
	}
	return events
}

func TestRunHappyPathThreeIcons(t *testing.T) {
	narrator := &fakeNarrator{fragments: []string{"Thinking about ", "a clean cart shape."}}
	images := &fakeImages{}
	usage := &fakeUsage{}
	o := newTestOrchestrator(narrator, images, usage)

	buf := &bytes.Buffer{}
	stream := NewStream(buf)
	job := &Job{Prompt: "shopping cart", Style: "modern", Count: 3}
	o.Run(context.Background(), uuid.New(), job, stream)

	events := parseEvents(t, buf)
	require.Len(t, events, 3)
	assert.Equal(t, "thought", events[0]["type"])
	assert.Equal(t, "Thinking about ", events[0]["content"])
	assert.Equal(t, "thought", events[1]["type"])

	final := events[2]
	assert.Equal(t, "complete", final["type"])
	assert.Equal(t, true, final["success"])
	icons := final["icons"].([]any)
	require.Len(t, icons, 3)
	for _, icon := range icons {
		assert.True(t, strings.HasPrefix(icon.(string), "data:image/png;base64,"))
	}
	assert.Nil(t, final["error"])
	assert.Equal(t, 3, images.callCount())
	assert.Equal(t, 0, usage.calls)
}

func TestRunAllVariationsFailDegradesToFallback(t *testing.T) {
	transient := fmt.Errorf("%w: upstream 500", apperrors.ErrProviderTransient)
	narrator := &fakeNarrator{fragments: []string{"working on it"}}
	images := &fakeImages{results: []error{transient, transient, transient}}
	usage := &fakeUsage{}
	o := newTestOrchestrator(narrator, images, usage)

	buf := &bytes.Buffer{}
	job := &Job{Prompt: "rocket", Style: "flat", Count: 3}
	o.Run(context.Background(), uuid.New(), job, NewStream(buf))

	events := parseEvents(t, buf)
	final := events[len(events)-1]
	require.Equal(t, "complete", final["type"])
	assert.Equal(t, true, final["success"], "degraded jobs still succeed")
	assert.NotEmpty(t, final["error"])

	icons := final["icons"].([]any)
	require.Len(t, icons, 3)
	for _, icon := range icons {
		assert.True(t, strings.HasPrefix(icon.(string), "data:image/svg+xml;base64,"))
	}
	assert.Equal(t, 1, usage.calls)
}

func TestRunBillingLimitAbortsRemainingVariations(t *testing.T) {
	billing := fmt.Errorf("%w: hard limit", apperrors.ErrProviderBillingLimit)
	narrator := &fakeNarrator{fragments: []string{"hm"}}
	images := &fakeImages{results: []error{billing}}
	usage := &fakeUsage{}
	o := newTestOrchestrator(narrator, images, usage)

	buf := &bytes.Buffer{}
	job := &Job{Prompt: "castle", Style: "pixel", Count: 3}
	o.Run(context.Background(), uuid.New(), job, NewStream(buf))

	assert.Equal(t, 1, images.callCount(), "billing limit must stop further calls")

	events := parseEvents(t, buf)
	final := events[len(events)-1]
	assert.Equal(t, "complete", final["type"])
	assert.Equal(t, true, final["success"])
	assert.Len(t, final["icons"].([]any), 3)
	assert.Contains(t, final["error"], "billing limit")
}

func TestRunPartialFailureKeepsSuccesses(t *testing.T) {
	transient := fmt.Errorf("%w: blip", apperrors.ErrProviderTransient)
	narrator := &fakeNarrator{fragments: []string{"ok"}}
	images := &fakeImages{results: []error{transient, nil, nil}}
	o := newTestOrchestrator(narrator, images, &fakeUsage{})

	buf := &bytes.Buffer{}
	job := &Job{Prompt: "owl", Style: "line", Count: 3}
	o.Run(context.Background(), uuid.New(), job, NewStream(buf))

	events := parseEvents(t, buf)
	final := events[len(events)-1]
	require.Equal(t, "complete", final["type"])
	assert.Len(t, final["icons"].([]any), 2)
	assert.Nil(t, final["error"], "partial success carries no error string")

	var sawRetryNote bool
	for _, event := range events {
		if event["type"] == "thought" && strings.Contains(event["content"].(string), "Variation 1") {
			sawRetryNote = true
		}
	}
	assert.True(t, sawRetryNote)
}

func TestRunImprovementMakesSingleCall(t *testing.T) {
	narrator := &fakeNarrator{fragments: []string{"adjusting"}}
	images := &fakeImages{}
	usage := &fakeUsage{}
	o := newTestOrchestrator(narrator, images, usage)

	buf := &bytes.Buffer{}
	job := &Job{Prompt: "make it rounder", Style: "flat", Count: 3, IsImprovement: true, BasePrompt: "owl"}
	o.Run(context.Background(), uuid.New(), job, NewStream(buf))

	assert.Equal(t, 1, images.callCount())
	events := parseEvents(t, buf)
	final := events[len(events)-1]
	assert.Len(t, final["icons"].([]any), 1)
}

func TestRunPreNarrationFailureEmitsErrorEvent(t *testing.T) {
	narrator := &fakeNarrator{err: errors.New("provider unreachable"), failFast: true}
	images := &fakeImages{}
	usage := &fakeUsage{}
	o := newTestOrchestrator(narrator, images, usage)

	buf := &bytes.Buffer{}
	job := &Job{Prompt: "dog", Style: "flat", Count: 3}
	o.Run(context.Background(), uuid.New(), job, NewStream(buf))

	events := parseEvents(t, buf)
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0]["type"])
	assert.NotEmpty(t, events[0]["error"])
	assert.Equal(t, 0, images.callCount())
	assert.Equal(t, 1, usage.calls)
	assert.Equal(t, []model.UsageType{model.UsageTypeGeneration}, usage.types)
}

func TestRunCancellationStopsEmission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	buf := &bytes.Buffer{}
	stream := NewStream(buf)

	narrator := &fakeNarrator{fragments: []string{"starting"}}
	images := &fakeImages{onCall: func(call int) {
		if call == 0 {
			// Client disconnects while the first variation is in flight.
			cancel()
			stream.Close()
		}
	}}
	o := newTestOrchestrator(narrator, images, &fakeUsage{})

	job := &Job{Prompt: "fox", Style: "flat", Count: 3}
	o.Run(ctx, uuid.New(), job, stream)

	written := buf.String()
	assert.NotContains(t, written, `"complete"`, "no terminal event after disconnect")
	assert.LessOrEqual(t, images.callCount(), 2, "in-flight call finishes, rest are skipped")
}
