package providerhealth_test

import (
	"testing"
	"time"

	"github.com/christireid/Token-shield-sub001/providerhealth"
	"github.com/stretchr/testify/assert"
)

func TestReportStartsHealthy(t *testing.T) {
	tr := providerhealth.New(providerhealth.DefaultThresholds())
	status := tr.Report("openai", 100*time.Millisecond, false)
	assert.Equal(t, providerhealth.StatusHealthy, status)
}

func TestRepeatedFailuresMarkUnhealthy(t *testing.T) {
	tr := providerhealth.New(providerhealth.DefaultThresholds())
	var last providerhealth.Status
	for i := 0; i < 20; i++ {
		last = tr.Report("openai", 50*time.Millisecond, true)
	}
	assert.Equal(t, providerhealth.StatusUnhealthy, last)
}

func TestTransitionCallbackFires(t *testing.T) {
	tr := providerhealth.New(providerhealth.DefaultThresholds())
	var transitions []providerhealth.Status
	tr.OnTransition(func(provider string, from, to providerhealth.Status) {
		transitions = append(transitions, to)
	})
	for i := 0; i < 20; i++ {
		tr.Report("openai", 50*time.Millisecond, true)
	}
	assert.NotEmpty(t, transitions)
	assert.Contains(t, transitions, providerhealth.StatusUnhealthy)
}

func TestHealthyProvidersListsOnlyHealthy(t *testing.T) {
	tr := providerhealth.New(providerhealth.DefaultThresholds())
	tr.Report("openai", 10*time.Millisecond, false)
	for i := 0; i < 20; i++ {
		tr.Report("flaky", 50*time.Millisecond, true)
	}
	healthy := tr.HealthyProviders()
	assert.Contains(t, healthy, "openai")
	assert.NotContains(t, healthy, "flaky")
}
