// Package humantiming computes realistic, deterministic-given-seed read,
// think, and type delays for the browser-automation adapter's action
// pacing. The time-of-day multiplier comes from the injected clock's hour;
// the browser adapter applies the behavioural state machine's pacing
// multiplier on top of the result.
package humantiming

import (
	"strings"
	"time"

	"chatrt/internal/domain"
)

// Profile holds clamped [0,1] knobs describing a simulated user.
type Profile struct {
	ReadingSpeed   float64
	Deliberation   float64
	ActivityLevel  float64
	IdleTendency   float64
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Bounds is an inclusive [Min, Max] clamp in milliseconds.
type Bounds struct{ Min, Max int64 }

var (
	ReadDelayBounds  = Bounds{Min: 300, Max: 20_000}
	ThinkDelayBounds = Bounds{Min: 200, Max: 15_000}
	TypeDurationMin  = int64(150)
)

// Period buckets the clock hour for the time-of-day multiplier.
type Period string

const (
	Peak    Period = "PEAK"
	Normal  Period = "NORMAL"
	Low     Period = "LOW"
	Dormant Period = "DORMANT"
)

var periodMultiplier = map[Period]float64{
	Peak:    0.8,
	Normal:  1.0,
	Low:     1.5,
	Dormant: 3.0,
}

func periodOf(hour int) Period {
	switch {
	case hour >= 9 && hour <= 12, hour >= 18 && hour <= 21:
		return Peak
	case hour >= 13 && hour <= 17, hour >= 7 && hour <= 8:
		return Normal
	case hour >= 22 || hour <= 1:
		return Low
	default:
		return Dormant
	}
}

func clampBounds(v int64, b Bounds) int64 {
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

func wordsPerMinuteRead(readingSpeed float64) float64 {
	// 150 wpm slow reader .. 450 wpm fast reader.
	return 150 + clamp01(readingSpeed)*300
}

func wordsPerMinuteType(activityLevel float64) float64 {
	// 20 wpm hunt-and-peck .. 80 wpm fast typist.
	return 20 + clamp01(activityLevel)*60
}

func wordCount(s string) int {
	if strings.TrimSpace(s) == "" {
		return 0
	}
	return len(strings.Fields(s))
}

// Plan is the output of PlanResponse.
type Plan struct {
	ReadDelayMs     int64
	ThinkDelayMs    int64
	TypingDurationMs int64
	TotalDelayMs    int64
}

// PlanResponse computes the read/think/type delay triple for replying to
// msg with responseText, given profile, an injected random source in
// [0,1), and an injected clock. Identical inputs under an identical
// random/clock pairing produce an identical Plan.
func PlanResponse(profile Profile, msg domain.Message, responseText string, random func() float64, clock func() time.Time) Plan {
	tod := periodOf(clock().Hour())
	mult := periodMultiplier[tod]

	incomingWords := float64(wordCount(msg.Content.Text))
	readWPM := wordsPerMinuteRead(profile.ReadingSpeed)
	readBase := (incomingWords / readWPM) * 60_000
	readJitter := 1.0 + (random()-0.5)*0.3
	readDelay := clampBounds(int64(readBase*readJitter*mult), ReadDelayBounds)

	thinkBase := 800.0 + clamp01(profile.Deliberation)*4000.0
	thinkJitter := 1.0 + (random()-0.5)*0.4
	thinkDelay := clampBounds(int64(thinkBase*thinkJitter*mult), ThinkDelayBounds)

	responseWords := wordCount(responseText)
	var typeDuration int64
	if responseWords == 0 {
		typeDuration = TypeDurationMin
	} else {
		typeWPM := wordsPerMinuteType(profile.ActivityLevel)
		perWordMs := 60_000 / typeWPM
		typeJitter := 1.0 + (random()-0.5)*0.25
		typeDuration = int64(float64(responseWords) * perWordMs * typeJitter * mult)
		if typeDuration < TypeDurationMin {
			typeDuration = TypeDurationMin
		}
	}

	return Plan{
		ReadDelayMs:      readDelay,
		ThinkDelayMs:     thinkDelay,
		TypingDurationMs: typeDuration,
		TotalDelayMs:     readDelay + thinkDelay + typeDuration,
	}
}
