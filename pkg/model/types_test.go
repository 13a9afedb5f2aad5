package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThreatCategoryString(t *testing.T) {
	tests := []struct {
		category ThreatCategory
		want     string
	}{
		{CategoryNone, "None"},
		{CategoryBehavioral, "Behavioral"},
		{CategoryFileAnomaly, "FileAnomaly"},
		{CategoryProcessAnomaly, "ProcessAnomaly"},
		{CategoryNetworkAnomaly, "NetworkAnomaly"},
		{ThreatCategory(200), "Unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.category.String())
	}
}

func TestNewSecurityEventTruncatesDescription(t *testing.T) {
	long := strings.Repeat("a", MaxDescriptionLen+100)
	event := NewSecurityEvent(1, 0, CategoryFileAnomaly, 0.8, long)
	assert.Len(t, event.Description, MaxDescriptionLen)

	short := NewSecurityEvent(1, 0, CategoryFileAnomaly, 0.8, "short")
	assert.Equal(t, "short", short.Description)
}

func TestActionable(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		threshold  int
		want       bool
	}{
		{"above threshold", 0.85, 70, true},
		{"exactly at threshold", 0.70, 70, true},
		{"below threshold", 0.69, 70, false},
		{"zero threshold flags everything", 0.01, 0, true},
		{"max threshold needs full confidence", 0.99, 100, false},
		{"full confidence at max threshold", 1.0, 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := NewSecurityEvent(1, 0, CategoryBehavioral, tt.confidence, "x")
			assert.Equal(t, tt.want, event.Actionable(tt.threshold))
		})
	}
}
