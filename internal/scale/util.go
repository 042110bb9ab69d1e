package scale

import (
	"math"
	"time"
)

func now() time.Time { return time.Now() }

func abs(v float64) float64 { return math.Abs(v) }

func isNaN(v float64) bool { return math.IsNaN(v) }
