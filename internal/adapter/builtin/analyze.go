package builtin

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/Strob0t/SwarmForge/internal/domain/task"
	"github.com/Strob0t/SwarmForge/internal/port/executor"
)

// Analysis variants.
const (
	AnalysisGeneral    = "general"
	AnalysisSentiment  = "sentiment"
	AnalysisStatistics = "statistics"
)

var (
	positiveWords = map[string]bool{"good": true, "great": true, "excellent": true, "love": true, "happy": true, "positive": true, "fast": true}
	negativeWords = map[string]bool{"bad": true, "poor": true, "terrible": true, "hate": true, "sad": true, "negative": true, "slow": true}
)

// Analyzer summarizes params["data"], either a list or an object.
type Analyzer struct {
	now func() time.Time
}

var _ executor.Executor = (*Analyzer)(nil)

// NewAnalyzer returns an Analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{now: time.Now}
}

// Execute runs the variant named by params["analysis_type"].
func (a *Analyzer) Execute(ctx context.Context, req executor.Request) (map[string]any, error) {
	kind, _ := req.Params["analysis_type"].(string)
	if kind == "" {
		kind = AnalysisGeneral
	}
	values := flatten(req.Params["data"])

	out := map[string]any{
		"analysis_type": kind,
		"data_points":   len(values),
		"timestamp":     task.FormatTimestamp(a.now()),
	}
	switch kind {
	case AnalysisSentiment:
		label, confidence := sentiment(values)
		out["sentiment"] = label
		out["confidence"] = confidence
	case AnalysisStatistics:
		mean, median, stdDev := statistics(values)
		out["mean"] = mean
		out["median"] = median
		out["std_dev"] = stdDev
	}
	return out, ctx.Err()
}

func flatten(data any) []any {
	switch v := data.(type) {
	case []any:
		return v
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(v))
		for _, k := range keys {
			out = append(out, v[k])
		}
		return out
	case nil:
		return nil
	default:
		return []any{v}
	}
}

// sentiment counts lexicon hits across string values. Without any hits the
// text is neutral.
func sentiment(values []any) (string, float64) {
	var pos, neg int
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, w := range words(s) {
			switch {
			case positiveWords[w]:
				pos++
			case negativeWords[w]:
				neg++
			}
		}
	}
	total := pos + neg
	switch {
	case total == 0:
		return "neutral", 0.5
	case pos >= neg:
		return "positive", float64(pos) / float64(total)
	default:
		return "negative", float64(neg) / float64(total)
	}
}

func words(s string) []string {
	var out []string
	start := -1
	for i, r := range s + " " {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		switch {
		case isLetter && start < 0:
			start = i
		case !isLetter && start >= 0:
			w := []byte(s[start:i])
			for j := range w {
				if w[j] >= 'A' && w[j] <= 'Z' {
					w[j] += 'a' - 'A'
				}
			}
			out = append(out, string(w))
			start = -1
		}
	}
	return out
}

// statistics reports mean, median and population standard deviation of the
// numeric values; non-numeric values are ignored.
func statistics(values []any) (mean, median, stdDev float64) {
	nums := make([]float64, 0, len(values))
	for _, v := range values {
		switch n := v.(type) {
		case float64:
			nums = append(nums, n)
		case int:
			nums = append(nums, float64(n))
		}
	}
	if len(nums) == 0 {
		return 0, 0, 0
	}
	sort.Float64s(nums)

	var sum float64
	for _, n := range nums {
		sum += n
	}
	mean = sum / float64(len(nums))

	mid := len(nums) / 2
	if len(nums)%2 == 0 {
		median = (nums[mid-1] + nums[mid]) / 2
	} else {
		median = nums[mid]
	}

	var sq float64
	for _, n := range nums {
		sq += (n - mean) * (n - mean)
	}
	stdDev = math.Sqrt(sq / float64(len(nums)))
	return mean, median, stdDev
}
