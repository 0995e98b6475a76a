// Package metrics aggregates pipeline run statistics in process.
package metrics

import (
	"slices"
	"sync"

	ports "github.com/ZanzyTHEbar/convo-relay/relay/conversation/ports"
	"gonum.org/v1/gonum/stat"
)

// DefaultWindow is the number of most recent runs latency and token
// summaries are computed over.
const DefaultWindow = 1000

// Collector collects run outcomes, latency and token usage.
type Collector struct {
	mu sync.RWMutex

	// Counters, over the collector's lifetime
	runs     int64
	outcomes map[string]int64
	chunks   int64
	dropped  int64
	usage    ports.Usage

	// Sliding window of recent samples
	window       int
	next         int
	latency      []float64 // seconds
	promptTokens []float64
}

// NewCollector keeps the last window runs for distribution summaries.
func NewCollector(window int) *Collector {
	if window < 1 {
		window = DefaultWindow
	}
	return &Collector{
		outcomes:     make(map[string]int64),
		window:       window,
		latency:      make([]float64, 0, window),
		promptTokens: make([]float64, 0, window),
	}
}

// RecordRun records one pipeline run.
func (c *Collector) RecordRun(s ports.RunStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.runs++
	c.outcomes[s.Outcome]++
	c.chunks += int64(s.Chunks)
	c.dropped += int64(s.Dropped)
	c.usage.PromptTokens += s.Usage.PromptTokens
	c.usage.CompletionTokens += s.Usage.CompletionTokens
	c.usage.TotalTokens += s.Usage.TotalTokens

	c.push(s.Duration.Seconds(), float64(s.Usage.PromptTokens))
}

func (c *Collector) push(latency, prompt float64) {
	if len(c.latency) < c.window {
		c.latency = append(c.latency, latency)
		c.promptTokens = append(c.promptTokens, prompt)
		return
	}
	c.latency[c.next] = latency
	c.promptTokens[c.next] = prompt
	c.next = (c.next + 1) % c.window
}

// Summary is a point-in-time view of the collector.
type Summary struct {
	Runs          int64            `json:"runs"`
	Outcomes      map[string]int64 `json:"outcomes"`
	ChunksSent    int64            `json:"chunks_sent"`
	GroupsDropped int64            `json:"groups_dropped"`
	Usage         UsageTotals      `json:"usage"`
	Latency       Distribution     `json:"latency_seconds"`
	PromptTokens  Distribution     `json:"prompt_tokens"`
}

type UsageTotals struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Distribution summarises a sample window.
type Distribution struct {
	Samples int     `json:"samples"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"stddev"`
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
}

// Summary returns the current totals and distributions.
func (c *Collector) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	outcomes := make(map[string]int64, len(c.outcomes))
	for k, v := range c.outcomes {
		outcomes[k] = v
	}

	return Summary{
		Runs:          c.runs,
		Outcomes:      outcomes,
		ChunksSent:    c.chunks,
		GroupsDropped: c.dropped,
		Usage: UsageTotals{
			PromptTokens:     c.usage.PromptTokens,
			CompletionTokens: c.usage.CompletionTokens,
			TotalTokens:      c.usage.TotalTokens,
		},
		Latency:      distribution(c.latency),
		PromptTokens: distribution(c.promptTokens),
	}
}

func distribution(samples []float64) Distribution {
	if len(samples) == 0 {
		return Distribution{}
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	d := Distribution{
		Samples: len(sorted),
		Mean:    stat.Mean(sorted, nil),
		P50:     stat.Quantile(0.50, stat.Empirical, sorted, nil),
		P95:     stat.Quantile(0.95, stat.Empirical, sorted, nil),
		P99:     stat.Quantile(0.99, stat.Empirical, sorted, nil),
	}
	if len(sorted) > 1 {
		d.StdDev = stat.StdDev(sorted, nil)
	}
	return d
}

// Reset clears all collected metrics.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.runs, c.chunks, c.dropped = 0, 0, 0
	c.usage = ports.Usage{}
	c.outcomes = make(map[string]int64)
	c.latency = c.latency[:0]
	c.promptTokens = c.promptTokens[:0]
	c.next = 0
}

// Ensure Collector implements the RunRecorder interface.
var _ ports.RunRecorder = (*Collector)(nil)
