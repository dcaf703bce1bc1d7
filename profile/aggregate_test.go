package profile

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 6, 9, 30, 0, 0, time.UTC)

func ev(key, value string, at time.Duration) Evidence {
	return Evidence{ID: key + value + at.String(), CustomerID: "c1", Key: key, Value: value, Weight: 1, ObservedAt: t0.Add(at)}
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 0.0, Confidence(0))
	assert.Equal(t, 0.5, Confidence(1))
	assert.InDelta(t, 0.9, Confidence(9), 1e-12)
	for n := 1; n < 50; n++ {
		assert.Greater(t, Confidence(n), Confidence(n-1))
		assert.Less(t, Confidence(n), 1.0)
	}
}

func TestAggregate(t *testing.T) {
	evidence := []Evidence{
		ev(KeyPreferredChannel, "sms", 0),
		ev(KeyPreferredChannel, "email", time.Hour),
		ev(KeyPreferredChannel, "sms", 2*time.Hour),
		ev(KeyTone, "positive", 3*time.Hour),
	}
	prefs := Aggregate(evidence)
	require.Len(t, prefs, 2)

	ch := prefs[KeyPreferredChannel]
	assert.Equal(t, "sms", ch.Value)
	assert.Equal(t, 3, ch.EvidenceCount)
	assert.InDelta(t, 0.75, ch.Confidence, 1e-12)
	assert.InDelta(t, 2.0/3, ch.Support, 1e-12)
	assert.Equal(t, t0.Add(2*time.Hour), ch.LastUpdated)

	tone := prefs[KeyTone]
	assert.Equal(t, "positive", tone.Value)
	assert.Equal(t, 0.5, tone.Confidence)
	assert.Equal(t, 1.0, tone.Support)
}

func TestAggregate_TieGoesToMostRecent(t *testing.T) {
	prefs := Aggregate([]Evidence{
		ev(KeyBestContactTime, "morning", 0),
		ev(KeyBestContactTime, "evening", time.Hour),
	})
	assert.Equal(t, "evening", prefs[KeyBestContactTime].Value)
	assert.Equal(t, 0.5, prefs[KeyBestContactTime].Support)
}

func TestAggregate_OrderIndependent(t *testing.T) {
	var evidence []Evidence
	values := []string{"sms", "email", "voice"}
	for i := 0; i < 30; i++ {
		evidence = append(evidence, ev(KeyPreferredChannel, values[i%len(values)], time.Duration(i%4)*time.Hour))
	}
	want := Aggregate(evidence)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		shuffled := append([]Evidence(nil), evidence...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		assert.Equal(t, want, Aggregate(shuffled))
	}
}

func TestAggregate_Empty(t *testing.T) {
	assert.Empty(t, Aggregate(nil))
}
