package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stagehand/asset-pipeline/internal/store"
	"github.com/stagehand/asset-pipeline/internal/store/model"
	"go.uber.org/zap"
)

type assetStatusCollector struct {
	store              store.Store
	totalAssets        *prometheus.Desc
	assetsByStatus     *prometheus.Desc
	assetsByCoarseStat *prometheus.Desc
}

// NewAssetStatusCollector reports asset counts straight from the database on every scrape.
func NewAssetStatusCollector(s store.Store) prometheus.Collector {
	fqName := func(name string) string {
		return fmt.Sprintf("%s_assets_%s", assetPipeline, name)
	}

	return &assetStatusCollector{
		store: s,
		totalAssets: prometheus.NewDesc(
			fqName("total"),
			"Total number of assets.",
			nil,
			prometheus.Labels{},
		),
		assetsByStatus: prometheus.NewDesc(
			fqName("by_processing_status"),
			"Assets by fine grained processing status",
			[]string{"processing_status"},
			prometheus.Labels{},
		),
		assetsByCoarseStat: prometheus.NewDesc(
			fqName("by_status"),
			"Assets by coarse status",
			[]string{"status"},
			prometheus.Labels{},
		),
	}
}

func (c *assetStatusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalAssets
	ch <- c.assetsByStatus
	ch <- c.assetsByCoarseStat
}

// Collect implements Collector.
func (c *assetStatusCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.store.Asset().CountByProcessingStatus(context.Background())
	if err != nil {
		zap.S().Named("asset_collector").Errorf("failed to count assets by status: %s", err)
		return
	}

	var total int64
	coarse := map[model.AssetStatus]int64{}
	for _, status := range model.AllProcessingStatuses {
		n := counts[status]
		total += n
		coarse[status.Coarse()] += n
		ch <- prometheus.MustNewConstMetric(c.assetsByStatus, prometheus.GaugeValue, float64(n), string(status))
	}
	ch <- prometheus.MustNewConstMetric(c.totalAssets, prometheus.GaugeValue, float64(total))

	for status, n := range coarse {
		ch <- prometheus.MustNewConstMetric(c.assetsByCoarseStat, prometheus.GaugeValue, float64(n), string(status))
	}
}
