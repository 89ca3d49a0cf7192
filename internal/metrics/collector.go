package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type MetricType int

const (
	RequestMetric MetricType = iota
	ScriptMetric
	StoreMetric
	ErrorMetric
)

func (t MetricType) String() string {
	switch t {
	case RequestMetric:
		return "request"
	case ScriptMetric:
		return "script"
	case StoreMetric:
		return "store"
	case ErrorMetric:
		return "error"
	}
	return "unknown"
}

type Metric struct {
	ID         string                 `json:"id"`
	Type       MetricType             `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	Duration   time.Duration          `json:"duration"`
	Projection string                 `json:"projection,omitempty"`
	Operation  string                 `json:"operation,omitempty"`
	Method     string                 `json:"method,omitempty"`
	Path       string                 `json:"path,omitempty"`
	Status     int                    `json:"status,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// failed reports whether the metric counts towards the error rate.
func (m Metric) failed() bool {
	if m.Type == RequestMetric {
		return m.Status >= 400
	}
	return m.Type == ErrorMetric || m.Error != ""
}

// AggregatedMetric summarizes one projection over one period. Durations are
// milliseconds rounded to two places.
type AggregatedMetric struct {
	Timestamp    time.Time       `json:"timestamp"`
	Projection   string          `json:"projection"`
	Period       string          `json:"period"`
	Count        int64           `json:"count"`
	AvgDuration  decimal.Decimal `json:"avg_duration_ms"`
	MinDuration  decimal.Decimal `json:"min_duration_ms"`
	MaxDuration  decimal.Decimal `json:"max_duration_ms"`
	ErrorCount   int64           `json:"error_count"`
	ErrorRate    decimal.Decimal `json:"error_rate"`
	RequestCount int64           `json:"request_count"`
	ScriptCalls  int64           `json:"script_calls"`
	StoreOps     int64           `json:"store_ops"`

	total decimal.Decimal
}

type MetricsData struct {
	DetailedMetrics []Metric                    `json:"detailed_metrics"`
	HourlyAgg       map[string]AggregatedMetric `json:"hourly_agg"`
	DailyAgg        map[string]AggregatedMetric `json:"daily_agg"`
	LastSave        time.Time                   `json:"last_save"`
}

type Collector struct {
	mu              sync.RWMutex
	detailedMetrics []Metric
	hourlyAgg       map[string]AggregatedMetric // key: "projection:hour"
	dailyAgg        map[string]AggregatedMetric // key: "projection:day"
	startTime       time.Time
	dataPath        string
	seq             uint64
}

func NewCollector() *Collector {
	return &Collector{
		detailedMetrics: make([]Metric, 0),
		hourlyAgg:       make(map[string]AggregatedMetric),
		dailyAgg:        make(map[string]AggregatedMetric),
		startTime:       time.Now(),
	}
}

var (
	globalOnce      sync.Once
	globalCollector *Collector
)

// GetGlobalCollector returns the process wide collector, creating it on
// first use.
func GetGlobalCollector() *Collector {
	globalOnce.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}

// SetDataPath enables Flush and loads earlier data from path, dropping
// entries past their retention.
func (c *Collector) SetDataPath(path string) error {
	c.mu.Lock()
	c.dataPath = path
	c.mu.Unlock()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read metrics file: %w", err)
	}
	var saved MetricsData
	if err := json.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("failed to parse metrics file: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.detailedMetrics = append(c.detailedMetrics, saved.DetailedMetrics...)
	for key, agg := range saved.HourlyAgg {
		agg.total = agg.AvgDuration.Mul(decimal.NewFromInt(agg.Count))
		c.hourlyAgg[key] = agg
	}
	for key, agg := range saved.DailyAgg {
		agg.total = agg.AvgDuration.Mul(decimal.NewFromInt(agg.Count))
		c.dailyAgg[key] = agg
	}
	c.cleanup(time.Now())
	return nil
}

// Flush writes the collected data to the data path, if one is set.
func (c *Collector) Flush() error {
	c.mu.RLock()
	path := c.dataPath
	data := MetricsData{
		DetailedMetrics: c.detailedMetrics,
		HourlyAgg:       c.hourlyAgg,
		DailyAgg:        c.dailyAgg,
		LastSave:        time.Now(),
	}
	jsonData, err := json.MarshalIndent(data, "", "  ")
	c.mu.RUnlock()
	if path == "" {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to marshal metrics data: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	// Write to temporary file first, then rename
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename metrics file: %w", err)
	}
	return nil
}

func (c *Collector) RecordMetric(metric Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	metric.ID = fmt.Sprintf("%s-%06d", time.Now().Format("20060102150405"), c.seq%1000000)
	if metric.Timestamp.IsZero() {
		metric.Timestamp = time.Now()
	}
	if metric.Projection == "" {
		metric.Projection = projectionFromPath(metric.Path)
	}

	c.detailedMetrics = append(c.detailedMetrics, metric)

	hour := metric.Timestamp.Truncate(time.Hour)
	c.updateAggregated(c.hourlyAgg, metric.Projection+":"+hour.Format("2006-01-02T15"), hour, "hourly", metric)
	day := metric.Timestamp.Truncate(24 * time.Hour)
	c.updateAggregated(c.dailyAgg, metric.Projection+":"+day.Format("2006-01-02"), day, "daily", metric)

	c.cleanup(time.Now())
}

// projectionFromPath maps /projections/{name}/... to name.
func projectionFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "projections" && parts[1] != "" {
		return parts[1]
	}
	return "system"
}

func (c *Collector) updateAggregated(aggMap map[string]AggregatedMetric, key string, timestamp time.Time, period string, metric Metric) {
	duration := decimal.NewFromInt(metric.Duration.Microseconds()).Div(decimal.NewFromInt(1000))

	agg, exists := aggMap[key]
	if !exists {
		agg = AggregatedMetric{
			Timestamp:   timestamp,
			Projection:  metric.Projection,
			Period:      period,
			MinDuration: duration,
			MaxDuration: duration,
		}
	}

	agg.Count++
	agg.total = agg.total.Add(duration)
	agg.AvgDuration = agg.total.Div(decimal.NewFromInt(agg.Count)).Round(2)
	if duration.LessThan(agg.MinDuration) {
		agg.MinDuration = duration
	}
	if duration.GreaterThan(agg.MaxDuration) {
		agg.MaxDuration = duration
	}

	switch metric.Type {
	case RequestMetric:
		agg.RequestCount++
	case ScriptMetric:
		agg.ScriptCalls++
	case StoreMetric:
		agg.StoreOps++
	}
	if metric.failed() {
		agg.ErrorCount++
	}
	agg.ErrorRate = decimal.NewFromInt(agg.ErrorCount * 100).Div(decimal.NewFromInt(agg.Count)).Round(2)

	aggMap[key] = agg
}

func (c *Collector) cleanup(now time.Time) {
	// Detailed metrics are kept for 24 hours
	cutoff24h := now.Add(-24 * time.Hour)
	start := 0
	for start < len(c.detailedMetrics) && !c.detailedMetrics[start].Timestamp.After(cutoff24h) {
		start++
	}
	if start > 0 {
		c.detailedMetrics = append([]Metric(nil), c.detailedMetrics[start:]...)
	}

	cutoff7d := now.Add(-7 * 24 * time.Hour)
	for key, agg := range c.hourlyAgg {
		if agg.Timestamp.Before(cutoff7d) {
			delete(c.hourlyAgg, key)
		}
	}
	cutoff6m := now.AddDate(0, -6, 0)
	for key, agg := range c.dailyAgg {
		if agg.Timestamp.Before(cutoff6m) {
			delete(c.dailyAgg, key)
		}
	}
}

// RecordScriptExecution records one compile, run or event handler call.
func (c *Collector) RecordScriptExecution(projection, operation string, duration time.Duration, err error) {
	metric := Metric{
		Type:       ScriptMetric,
		Duration:   duration,
		Projection: projection,
		Operation:  operation,
	}
	if err != nil {
		metric.Error = err.Error()
	}
	c.RecordMetric(metric)
}

// RecordStoreOperation records one checkpoint store call.
func (c *Collector) RecordStoreOperation(projection, operation string, duration time.Duration, err error) {
	metric := Metric{
		Type:       StoreMetric,
		Duration:   duration,
		Projection: projection,
		Operation:  operation,
	}
	if err != nil {
		metric.Error = err.Error()
	}
	c.RecordMetric(metric)
}

// RecordError records a failure that has no duration.
func (c *Collector) RecordError(errorType, message string) {
	c.RecordMetric(Metric{
		Type:  ErrorMetric,
		Error: message,
		Metadata: map[string]interface{}{
			"error_type": errorType,
		},
	})
}

func (c *Collector) GetDetailedMetrics(projection string, since time.Time) []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []Metric
	for _, metric := range c.detailedMetrics {
		if metric.Timestamp.After(since) && (projection == "" || projection == "all" || metric.Projection == projection) {
			result = append(result, metric)
		}
	}
	return result
}

func (c *Collector) GetAggregatedMetrics(period, projection string, since time.Time) []AggregatedMetric {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var aggMap map[string]AggregatedMetric
	switch period {
	case "hourly":
		aggMap = c.hourlyAgg
	case "daily":
		aggMap = c.dailyAgg
	default:
		return []AggregatedMetric{}
	}

	result := []AggregatedMetric{}
	for _, agg := range aggMap {
		if !agg.Timestamp.Before(since) && (projection == "" || projection == "all" || agg.Projection == projection) {
			result = append(result, agg)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Projection < result[j].Projection
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result
}

func (c *Collector) GetProjections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool)
	for _, metric := range c.detailedMetrics {
		seen[metric.Projection] = true
	}
	result := make([]string, 0, len(seen))
	for name := range seen {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

func (c *Collector) GetSystemStats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	lastHour := now.Add(-time.Hour)
	var hourlyCount, hourlyErrors int64
	for _, metric := range c.detailedMetrics {
		if metric.Timestamp.After(lastHour) {
			hourlyCount++
			if metric.failed() {
				hourlyErrors++
			}
		}
	}

	errorRate := decimal.Zero
	if hourlyCount > 0 {
		errorRate = decimal.NewFromInt(hourlyErrors * 100).Div(decimal.NewFromInt(hourlyCount)).Round(2)
	}
	return map[string]interface{}{
		"uptime_seconds":     decimal.NewFromFloat(now.Sub(c.startTime).Seconds()).Round(0),
		"total_metrics":      len(c.detailedMetrics),
		"hourly_operations":  hourlyCount,
		"hourly_error_rate":  errorRate,
		"aggregated_periods": len(c.hourlyAgg) + len(c.dailyAgg),
	}
}
