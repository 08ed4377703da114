// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tokens

import (
	"math"
	"strings"
	"testing"

	"github.com/morganforge/ctxrecover/model"
)

// =============================================================================
// DELTA ACCOUNTING TESTS
// =============================================================================

// TestCount_UsageDeltas covers the canonical reconstruction: user weights
// come out of consecutive prompt_tokens deltas, with the first user
// message absorbing the system prompt.
func TestCount_UsageDeltas(t *testing.T) {
	msgs := []*model.Message{
		{Role: model.RoleUser, Content: "q1"},
		{Role: model.RoleAssistant, Content: "a1",
			Usage: &model.Usage{PromptTokens: 1000, CompletionTokens: 200}},
		{Role: model.RoleUser, Content: "q2"},
		{Role: model.RoleAssistant, Content: "a2",
			Usage: &model.Usage{PromptTokens: 1400, CompletionTokens: 300}},
	}

	counts := Count(msgs)
	want := []int{1000, 200, 200, 300}

	for i, w := range want {
		if counts[i] != w {
			t.Errorf("counts[%d] = %d, want %d", i, counts[i], w)
		}
	}
}

func TestCount_NegativeDeltaClampedToZero(t *testing.T) {
	// A backend whose accounting shrinks between calls (context shift)
	// must not produce negative weights.
	msgs := []*model.Message{
		{Role: model.RoleUser, Content: "q1"},
		{Role: model.RoleAssistant, Content: "a1",
			Usage: &model.Usage{PromptTokens: 2000, CompletionTokens: 100}},
		{Role: model.RoleUser, Content: "q2"},
		{Role: model.RoleAssistant, Content: "a2",
			Usage: &model.Usage{PromptTokens: 1500, CompletionTokens: 50}},
	}

	counts := Count(msgs)
	if counts[2] != 0 {
		t.Errorf("counts[2] = %d, want 0 (clamped)", counts[2])
	}
}

func TestCount_FallbackEstimates(t *testing.T) {
	content := strings.Repeat("x", 400)
	msgs := []*model.Message{
		{Role: model.RoleUser, Content: content},
		{Role: model.RoleAssistant, Content: content},
		{Role: model.RoleTool, Content: content},
	}

	counts := Count(msgs)

	// No usage anywhere: everything is estimated at the default ratio.
	want := int(400 / DefaultCharsPerToken)
	for i, c := range counts {
		if c != want {
			t.Errorf("counts[%d] = %d, want %d", i, c, want)
		}
	}
}

func TestCount_ToolMessagesEstimated(t *testing.T) {
	msgs := []*model.Message{
		{Role: model.RoleUser, Content: "q"},
		{Role: model.RoleAssistant, Content: "calling",
			ToolCalls: []model.ToolCall{{ID: "tc1", Name: "search"}},
			Usage:     &model.Usage{PromptTokens: 500, CompletionTokens: 40}},
		{Role: model.RoleTool, Content: strings.Repeat("r", 200)},
		{Role: model.RoleAssistant, Content: "done",
			Usage: &model.Usage{PromptTokens: 600, CompletionTokens: 30}},
	}

	counts := Count(msgs)
	if counts[2] <= 0 {
		t.Errorf("tool message weight = %d, want > 0 (estimated)", counts[2])
	}
	if counts[1] != 40 || counts[3] != 30 {
		t.Errorf("assistant weights = %d, %d, want 40, 30", counts[1], counts[3])
	}
}

func TestCount_SystemMessageZero(t *testing.T) {
	msgs := []*model.Message{
		{Role: model.RoleSystem, Content: strings.Repeat("s", 1000)},
		{Role: model.RoleUser, Content: "q"},
		{Role: model.RoleAssistant, Content: "a",
			Usage: &model.Usage{PromptTokens: 300, CompletionTokens: 10}},
	}

	counts := Count(msgs)
	if counts[0] != 0 {
		t.Errorf("system weight = %d, want 0", counts[0])
	}
	// The first user message takes the full first prompt figure, which
	// already embeds the system prompt.
	if counts[1] != 300 {
		t.Errorf("first user weight = %d, want 300", counts[1])
	}
}

// =============================================================================
// ESTIMATION TESTS
// =============================================================================

func TestEstimate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		ratio   float64
		want    int
	}{
		{"empty", "", 4.0, 0},
		{"simple", strings.Repeat("a", 100), 4.0, 25},
		{"tight ratio", strings.Repeat("a", 100), 2.0, 50},
		{"zero ratio", "abc", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Estimate(tt.content, tt.ratio); got != tt.want {
				t.Errorf("Estimate() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCharsPerTokenEMA_NoObservations(t *testing.T) {
	msgs := []*model.Message{
		{Role: model.RoleUser, Content: "hello"},
	}
	if got := CharsPerTokenEMA(msgs); got != DefaultCharsPerToken {
		t.Errorf("EMA = %v, want default %v", got, DefaultCharsPerToken)
	}
}

func TestCharsPerTokenEMA_MovesTowardObservation(t *testing.T) {
	// 300 chars / 100 completion tokens = observed ratio 3.0, within the
	// outlier window of the 4.0 seed. One EMA step: 0.8*4.0 + 0.2*3.0.
	msgs := []*model.Message{
		{Role: model.RoleAssistant, Content: strings.Repeat("a", 300),
			Usage: &model.Usage{CompletionTokens: 100}},
	}
	got := CharsPerTokenEMA(msgs)
	want := 0.8*4.0 + 0.2*3.0
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("EMA = %v, want %v", got, want)
	}
}

func TestCharsPerTokenEMA_RejectsOutliers(t *testing.T) {
	// 1000 chars / 10 tokens = ratio 100, far beyond the 2x deviation
	// bound: must not move the average.
	msgs := []*model.Message{
		{Role: model.RoleAssistant, Content: strings.Repeat("a", 1000),
			Usage: &model.Usage{CompletionTokens: 10}},
	}
	if got := CharsPerTokenEMA(msgs); got != DefaultCharsPerToken {
		t.Errorf("EMA = %v, want default %v (outlier rejected)", got, DefaultCharsPerToken)
	}
}

func TestCharsPerTokenEMA_Clamped(t *testing.T) {
	// Repeated low observations converge but never below the clamp.
	var msgs []*model.Message
	for i := 0; i < 50; i++ {
		msgs = append(msgs, &model.Message{
			Role:    model.RoleAssistant,
			Content: strings.Repeat("a", 210),
			Usage:   &model.Usage{CompletionTokens: 100},
		})
	}
	got := CharsPerTokenEMA(msgs)
	if got < minCharsPerToken {
		t.Errorf("EMA = %v, below clamp %v", got, minCharsPerToken)
	}
}
