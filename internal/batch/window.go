package batch

import "github.com/tired-racoon/smoking-detection-service/internal/classify"

const (
	// windowSize is how many samples form one voting window.
	windowSize = 5
	// windowMajority is the positive votes needed for a positive window.
	windowMajority = 3
)

// Reduce folds the ordered per-sample verdicts of a video into a single
// verdict: a window of the last five samples slides over the sequence one
// sample at a time, a window is positive on a strict majority, and the video
// is positive when a strict majority of windows is. With too few samples for
// a single full window, any positive sample decides; no samples at all means
// "No".
func Reduce(verdicts []classify.Verdict) classify.Verdict {
	var positiveWindows, totalWindows int
	for i := 0; i+windowSize <= len(verdicts); i++ {
		totalWindows++
		if countYes(verdicts[i:i+windowSize]) >= windowMajority {
			positiveWindows++
		}
	}

	if totalWindows == 0 {
		if countYes(verdicts) > 0 {
			return classify.VerdictYes
		}
		return classify.VerdictNo
	}

	if positiveWindows*2 > totalWindows {
		return classify.VerdictYes
	}
	return classify.VerdictNo
}

func countYes(verdicts []classify.Verdict) int {
	count := 0
	for _, v := range verdicts {
		if v == classify.VerdictYes {
			count++
		}
	}
	return count
}
