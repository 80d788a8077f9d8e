package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/stagehand/asset-pipeline/internal/store/model"
)

func batchKey(id string) string { return "batch:" + id }
func batchItemsKey(id string) string { return "batch:" + id + ":items" }
func batchClosedKey(id string) string { return "batch:" + id + ":closed" }

// SaveBatch writes the batch header. Items are stored separately.
func (c *Client) SaveBatch(ctx context.Context, b model.BatchRecord, ttl time.Duration) error {
	b.Items = nil
	return c.setJSON(ctx, batchKey(b.BatchID), b, ttl)
}

// GetBatch loads the header and every item outcome written so far.
func (c *Client) GetBatch(ctx context.Context, id string) (*model.BatchRecord, error) {
	var b model.BatchRecord
	if err := c.getJSON(ctx, batchKey(id), &b); err != nil {
		return nil, err
	}

	raw, err := c.rdb.HGetAll(ctx, batchItemsKey(id)).Result()
	if err != nil {
		return nil, err
	}
	b.Items = make(map[uint]model.BatchItem, len(raw))
	for field, data := range raw {
		assetID, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("batch %s: bad item key %q", id, field)
		}
		var item model.BatchItem
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return nil, err
		}
		b.Items[uint(assetID)] = item
	}
	b.Tally()
	return &b, nil
}

// SetBatchItem records one outcome. Writing the same asset twice replaces the entry.
func (c *Client) SetBatchItem(ctx context.Context, id string, item model.BatchItem, ttl time.Duration) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	key := batchItemsKey(id)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, strconv.FormatUint(uint64(item.AssetID), 10), data)
	pipe.Expire(ctx, key, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// AcquireBatchClose returns true for exactly one caller per batch.
func (c *Client) AcquireBatchClose(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, batchClosedKey(id), time.Now().UTC().Format(time.RFC3339), ttl).Result()
}
