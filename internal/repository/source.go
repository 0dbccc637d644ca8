package repository

import (
	"fmt"
	"sort"

	"CandleFlow/internal/domain/models"
)

func sortedTimeframes(tfs []models.Timeframe) []models.Timeframe {
	out := append([]models.Timeframe(nil), tfs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Minutes() < out[j].Minutes() })
	return out
}

// sourceTimeframe picks the stored timeframe to read tf from: tf itself when
// stored, otherwise the coarsest stored timeframe that divides it evenly.
// stored must be sorted finest first.
func sourceTimeframe(stored []models.Timeframe, tf models.Timeframe) (models.Timeframe, error) {
	var best models.Timeframe
	for _, st := range stored {
		if st == tf {
			return tf, nil
		}
		if st.Minutes() < tf.Minutes() && tf.Minutes()%st.Minutes() == 0 {
			best = st
		}
	}
	if best == "" {
		return "", fmt.Errorf("no stored timeframe can serve %s", tf)
	}
	return best, nil
}
