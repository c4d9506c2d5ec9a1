package batch

import (
	"testing"

	"github.com/tired-racoon/smoking-detection-service/internal/classify"
)

func verdicts(pattern string) []classify.Verdict {
	out := make([]classify.Verdict, 0, len(pattern))
	for _, c := range pattern {
		if c == 'Y' {
			out = append(out, classify.VerdictYes)
		} else {
			out = append(out, classify.VerdictNo)
		}
	}
	return out
}

func TestReduce(t *testing.T) {
	tests := []struct {
		name    string
		samples string
		want    classify.Verdict
	}{
		{
			name:    "no samples",
			samples: "",
			want:    classify.VerdictNo,
		},
		{
			name:    "short video any positive",
			samples: "YNY",
			want:    classify.VerdictYes,
		},
		{
			name:    "short video all negative",
			samples: "NNN",
			want:    classify.VerdictNo,
		},
		{
			name:    "single positive window",
			samples: "YYYNN",
			want:    classify.VerdictYes,
		},
		{
			name:    "single negative window",
			samples: "YYNNN",
			want:    classify.VerdictNo,
		},
		{
			name:    "seven negatives",
			samples: "NNNNNNN",
			want:    classify.VerdictNo,
		},
		{
			name:    "trailing positives below window majority",
			samples: "NNNNNYY",
			want:    classify.VerdictNo,
		},
		{
			name:    "early burst diluted as the window slides on",
			samples: "YYYNNNN",
			want:    classify.VerdictNo,
		},
		{
			name:    "sustained positive run",
			samples: "NYYYYYN",
			want:    classify.VerdictYes,
		},
		{
			name:    "majority of sliding windows positive",
			samples: "YYYYYYYNNN",
			want:    classify.VerdictYes,
		},
		{
			name:    "window tie is negative",
			samples: "YYYYY" + "NNNNN",
			want:    classify.VerdictNo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Reduce(verdicts(tt.samples)); got != tt.want {
				t.Errorf("Reduce(%q) = %s, want %s", tt.samples, got, tt.want)
			}
		})
	}
}
