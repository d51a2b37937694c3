package engine

import (
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "pgas"
	subsystem = "engine"
)

// EngineProvider lists the engines to scrape; the process-scope registry
// implements it.
type EngineProvider interface {
	Engines() []*Engine
}

// Collector exports the per-peer engine counters, the block and byte totals,
// and the cache statistics as Prometheus metrics.
type Collector struct {
	provider EngineProvider
	logger   *slog.Logger

	reqProduced   *prometheus.Desc
	reqAggregated *prometheus.Desc
	ackedHost     *prometheus.Desc
	ackedDevice   *prometheus.Desc
	repliesSent   *prometheus.Desc

	blocksPosted   *prometheus.Desc
	blocksReleased *prometheus.Desc
	bytesSent      *prometheus.Desc
	bytesReceived  *prometheus.Desc
	directReads    *prometheus.Desc
	backpressure   *prometheus.Desc

	cacheHits      *prometheus.Desc
	cacheMisses    *prometheus.Desc
	cacheConflicts *prometheus.Desc
}

// NewCollector constructs a Collector over the given provider.
func NewCollector(provider EngineProvider, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	peerLabels := []string{"rank", "peer"}
	rankLabels := []string{"rank"}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		provider: provider,
		logger:   logger,

		reqProduced:   desc("requests_produced_total", "Element requests produced by worker goroutines, per peer.", peerLabels),
		reqAggregated: desc("requests_aggregated_total", "Element requests batched into block commands, per peer.", peerLabels),
		ackedHost:     desc("requests_acked_host_total", "Element requests retired in order by the ack pump, per peer.", peerLabels),
		ackedDevice:   desc("requests_acked_device_total", "Host acks republished to the device-visible counter, per peer.", peerLabels),
		repliesSent:   desc("replies_gathered_total", "Elements gathered for inbound block requests, per requesting peer.", peerLabels),

		blocksPosted:   desc("blocks_posted_total", "Block requests posted on the transport.", rankLabels),
		blocksReleased: desc("blocks_released_total", "Block requests retired after in-order ack.", rankLabels),
		bytesSent:      desc("bytes_sent_total", "Payload bytes posted on the transport.", rankLabels),
		bytesReceived:  desc("bytes_received_total", "Payload bytes received from the transport.", rankLabels),
		directReads:    desc("direct_reads_total", "Reads satisfied through a direct shard mapping.", rankLabels),
		backpressure:   desc("backpressure_spins_total", "Issue attempts stalled by ring back-pressure.", rankLabels),

		cacheHits:      desc("cache_hits_total", "Remote access cache hits.", rankLabels),
		cacheMisses:    desc("cache_misses_total", "Remote access cache misses.", rankLabels),
		cacheConflicts: desc("cache_conflicts_total", "Lookups bypassed because the slot was owned by another key.", rankLabels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.reqProduced
	ch <- c.reqAggregated
	ch <- c.ackedHost
	ch <- c.ackedDevice
	ch <- c.repliesSent
	ch <- c.blocksPosted
	ch <- c.blocksReleased
	ch <- c.bytesSent
	ch <- c.bytesReceived
	ch <- c.directReads
	ch <- c.backpressure
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cacheConflicts
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	for _, e := range c.provider.Engines() {
		rank := strconv.Itoa(e.rank)
		for pe := 0; pe < e.numPEs; pe++ {
			peer := strconv.Itoa(pe)
			counter(c.reqProduced, e.reqProduced[pe].Load(), rank, peer)
			counter(c.reqAggregated, e.reqAggregated[pe].Load(), rank, peer)
			counter(c.ackedHost, e.ackHost[pe].Load(), rank, peer)
			counter(c.ackedDevice, e.ackDevice[pe].Load(), rank, peer)
			counter(c.repliesSent, e.replySent[pe].Load(), rank, peer)
		}
		counter(c.blocksPosted, e.blocksPosted.Load(), rank)
		counter(c.blocksReleased, e.blocksReleased.Load(), rank)
		counter(c.bytesSent, e.bytesSent.Load(), rank)
		counter(c.bytesReceived, e.bytesReceived.Load(), rank)
		counter(c.directReads, e.directReads.Load(), rank)
		counter(c.backpressure, e.backpressureSpins.Load(), rank)
		if e.cache != nil {
			hits, misses, conflicts := e.cache.Stats()
			counter(c.cacheHits, hits, rank)
			counter(c.cacheMisses, misses, rank)
			counter(c.cacheConflicts, conflicts, rank)
		}
	}
}
