package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stagehand/asset-pipeline/internal/store/model"
)

const (
	dayLayout          = "2006-01-02"
	engineFieldPrefix  = "engine:"
	durationFieldMilli = "duration_ms"
)

func scanJobKey(jobID string) string { return "scan:job:" + jobID }
func scanHashKey(hash string) string { return "scan:hash:" + hash }
func scanMetricsKey(day string) string { return "scan:metrics:" + day }
func scanLogKey(day string) string { return "scan:log:" + day }

// SaveScanResult indexes r by job id and, once known, by file hash.
func (c *Client) SaveScanResult(ctx context.Context, r model.ScanResult, ttl time.Duration) error {
	if err := c.setJSON(ctx, scanJobKey(r.JobID), r, ttl); err != nil {
		return fmt.Errorf("caching scan result %s: %w", r.JobID, err)
	}
	if r.FileHash == "" {
		return nil
	}
	return c.setJSON(ctx, scanHashKey(r.FileHash), r, ttl)
}

func (c *Client) ScanResultByJob(ctx context.Context, jobID string) (*model.ScanResult, error) {
	var r model.ScanResult
	if err := c.getJSON(ctx, scanJobKey(jobID), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) ScanResultByHash(ctx context.Context, hash string) (*model.ScanResult, error) {
	var r model.ScanResult
	if err := c.getJSON(ctx, scanHashKey(hash), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// RecordScanMetrics adds a finished scan to the rolling counters of its day.
func (c *Client) RecordScanMetrics(ctx context.Context, r model.ScanResult, retention time.Duration) error {
	key := scanMetricsKey(dayOf(r))

	pipe := c.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, "total", 1)
	switch r.Status {
	case model.ScanStatusClean:
		pipe.HIncrBy(ctx, key, "clean", 1)
	case model.ScanStatusInfected:
		pipe.HIncrBy(ctx, key, "infected", 1)
	case model.ScanStatusQuarantined:
		pipe.HIncrBy(ctx, key, "infected", 1)
		pipe.HIncrBy(ctx, key, "quarantined", 1)
	case model.ScanStatusFailed:
		pipe.HIncrBy(ctx, key, "failed", 1)
	}
	for _, engine := range r.EnginesUsed {
		pipe.HIncrBy(ctx, key, engineFieldPrefix+engine, 1)
	}
	pipe.HIncrBy(ctx, key, durationFieldMilli, r.ScanDuration.Milliseconds())
	pipe.Expire(ctx, key, retention)

	_, err := pipe.Exec(ctx)
	return err
}

func (c *Client) DailyScanMetrics(ctx context.Context, day time.Time) (*model.ScanMetrics, error) {
	name := day.UTC().Format(dayLayout)
	fields, err := c.rdb.HGetAll(ctx, scanMetricsKey(name)).Result()
	if err != nil {
		return nil, err
	}

	m := &model.ScanMetrics{Day: name, EngineUsage: map[string]int64{}}
	var durationMs int64
	for field, raw := range fields {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		switch {
		case field == "total":
			m.Total = v
		case field == "clean":
			m.Clean = v
		case field == "infected":
			m.Infected = v
		case field == "quarantined":
			m.Quarantined = v
		case field == "failed":
			m.Failed = v
		case field == durationFieldMilli:
			durationMs = v
		case strings.HasPrefix(field, engineFieldPrefix):
			m.EngineUsage[strings.TrimPrefix(field, engineFieldPrefix)] = v
		}
	}
	if m.Total > 0 {
		m.MeanDuration = time.Duration(durationMs/m.Total) * time.Millisecond
	}
	return m, nil
}

// AppendScanLog pushes r onto its day's log, keeping at most limit entries.
func (c *Client) AppendScanLog(ctx context.Context, r model.ScanResult, limit int64, retention time.Duration) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := scanLogKey(dayOf(r))

	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	if limit > 0 {
		pipe.LTrim(ctx, key, 0, limit-1)
	}
	pipe.Expire(ctx, key, retention)
	_, err = pipe.Exec(ctx)
	return err
}

// ScanLog returns the newest entries of a day's log first.
func (c *Client) ScanLog(ctx context.Context, day time.Time, limit int64) ([]model.ScanResult, error) {
	raw, err := c.rdb.LRange(ctx, scanLogKey(day.UTC().Format(dayLayout)), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	results := make([]model.ScanResult, 0, len(raw))
	for _, entry := range raw {
		var r model.ScanResult
		if err := json.Unmarshal([]byte(entry), &r); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

func dayOf(r model.ScanResult) string {
	at := r.StartedAt
	if r.FinishedAt != nil {
		at = *r.FinishedAt
	}
	if at.IsZero() {
		at = time.Now()
	}
	return at.UTC().Format(dayLayout)
}
