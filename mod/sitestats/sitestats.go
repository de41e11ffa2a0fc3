package sitestats

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/sirupsen/logrus"
)

/*
	Site Statistics Package

	This package tracks per-site rewrite statistics including:
	- Documents filtered and URLs rewritten
	- Rewrite failures (documents served unmodified)
	- Inbound rehydrations of dehydrated CDN paths
	- Bytes emitted by the filter and throughput samples
*/

const (
	THROUGHPUT_SAMPLE_INTERVAL = 5 * time.Second // Sample throughput every 5 seconds
	MAX_THROUGHPUT_SAMPLES     = 17280           // 24 hours of samples at 5 second intervals

	bucketName = "sitestats"
)

// SiteStatistics holds statistics for a single site
type SiteStatistics struct {
	Site string `json:"site"`

	// Filter counters
	DocumentsFiltered int64 `json:"documents_filtered"`
	URLsRewritten     int64 `json:"urls_rewritten"`
	RewriteFailures   int64 `json:"rewrite_failures"`
	ScriptsRelocated  int64 `json:"scripts_relocated"`

	// Inbound counters
	Rehydrations   int64 `json:"rehydrations"`
	MinifyRequests int64 `json:"minify_requests"`

	// Traffic
	BytesEmitted int64 `json:"bytes_emitted"`

	// Throughput in bytes per second
	CurrentThroughput int64 `json:"current_throughput"`
	MaxThroughput     int64 `json:"max_throughput"`

	// Time-series throughput data
	ThroughputSamples []ThroughputSample `json:"throughput_samples"`

	LastUpdated time.Time `json:"last_updated"`

	mu sync.RWMutex `json:"-"`
}

// ThroughputSample is the throughput measured at a point in time
type ThroughputSample struct {
	Timestamp      time.Time `json:"timestamp"`
	BytesPerSecond int64     `json:"bytes_per_second"`
}

// Collector manages statistics for all sites
type Collector struct {
	stats    map[string]*SiteStatistics
	mu       sync.RWMutex
	db       *bolt.DB
	log      logrus.FieldLogger
	stopChan chan bool
	ticker   *time.Ticker
	stopOnce sync.Once
}

// CollectorOption holds configuration for the collector
type CollectorOption struct {
	// DB persists the statistics. Nothing is persisted when nil.
	DB *bolt.DB

	// SampleInterval defaults to THROUGHPUT_SAMPLE_INTERVAL
	SampleInterval time.Duration

	Logger logrus.FieldLogger
}

// NewCollector creates a new site statistics collector
func NewCollector(option CollectorOption) (*Collector, error) {
	if option.Logger == nil {
		option.Logger = logrus.StandardLogger()
	}
	if option.SampleInterval <= 0 {
		option.SampleInterval = THROUGHPUT_SAMPLE_INTERVAL
	}

	if option.DB != nil {
		err := option.DB.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("create %s bucket: %w", bucketName, err)
		}
	}

	collector := &Collector{
		stats:    make(map[string]*SiteStatistics),
		db:       option.DB,
		log:      option.Logger,
		stopChan: make(chan bool),
	}

	if err := collector.loadFromDatabase(); err != nil {
		return nil, err
	}

	collector.startThroughputSampling(option.SampleInterval)
	collector.scheduleDailyPersistence()

	return collector, nil
}

// site returns the statistics of name, creating them on first use
func (c *Collector) site(name string) *SiteStatistics {
	c.mu.RLock()
	stats, exists := c.stats[name]
	c.mu.RUnlock()
	if exists {
		return stats
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if stats, exists = c.stats[name]; !exists {
		stats = &SiteStatistics{Site: name, LastUpdated: time.Now()}
		c.stats[name] = stats
	}
	return stats
}

func (s *SiteStatistics) snapshot() *SiteStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copied := &SiteStatistics{
		Site:              s.Site,
		DocumentsFiltered: s.DocumentsFiltered,
		URLsRewritten:     s.URLsRewritten,
		RewriteFailures:   s.RewriteFailures,
		ScriptsRelocated:  s.ScriptsRelocated,
		Rehydrations:      s.Rehydrations,
		MinifyRequests:    s.MinifyRequests,
		BytesEmitted:      s.BytesEmitted,
		CurrentThroughput: s.CurrentThroughput,
		MaxThroughput:     s.MaxThroughput,
		LastUpdated:       s.LastUpdated,
	}
	copied.ThroughputSamples = make([]ThroughputSample, len(s.ThroughputSamples))
	copy(copied.ThroughputSamples, s.ThroughputSamples)
	return copied
}

// GetSiteStats returns a copy of the statistics of a site, or nil
func (c *Collector) GetSiteStats(name string) *SiteStatistics {
	c.mu.RLock()
	stats, exists := c.stats[name]
	c.mu.RUnlock()
	if !exists {
		return nil
	}
	return stats.snapshot()
}

// GetAllSiteStats returns a copy of the statistics of every site
func (c *Collector) GetAllSiteStats() map[string]*SiteStatistics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]*SiteStatistics, len(c.stats))
	for name, stats := range c.stats {
		result[name] = stats.snapshot()
	}
	return result
}

// RecordDocument records one filtered document
func (c *Collector) RecordDocument(site string, urls int, scripts int, failed bool, bytesEmitted int64) {
	stats := c.site(site)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	stats.DocumentsFiltered++
	stats.URLsRewritten += int64(urls)
	stats.ScriptsRelocated += int64(scripts)
	if failed {
		stats.RewriteFailures++
	}
	stats.BytesEmitted += bytesEmitted
	stats.LastUpdated = time.Now()
}

// RecordRehydration records an inbound request whose dehydrated path was restored
func (c *Collector) RecordRehydration(site string) {
	stats := c.site(site)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	stats.Rehydrations++
	stats.LastUpdated = time.Now()
}

// RecordMinifyRequest records an inbound request routed to the minifier
func (c *Collector) RecordMinifyRequest(site string) {
	stats := c.site(site)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	stats.MinifyRequests++
	stats.LastUpdated = time.Now()
}

// startThroughputSampling starts periodic throughput sampling
func (c *Collector) startThroughputSampling(interval time.Duration) {
	c.ticker = time.NewTicker(interval)

	go func() {
		lastSampleTime := time.Now()
		lastBytes := make(map[string]int64)

		for {
			select {
			case <-c.ticker.C:
				now := time.Now()
				elapsed := now.Sub(lastSampleTime).Seconds()
				if elapsed <= 0 {
					continue
				}

				c.mu.RLock()
				for name, stats := range c.stats {
					stats.mu.Lock()
					emitted := stats.BytesEmitted
					throughput := int64(float64(emitted-lastBytes[name]) / elapsed)

					stats.CurrentThroughput = throughput
					if throughput > stats.MaxThroughput {
						stats.MaxThroughput = throughput
					}

					stats.ThroughputSamples = append(stats.ThroughputSamples, ThroughputSample{
						Timestamp:      now,
						BytesPerSecond: throughput,
					})
					if len(stats.ThroughputSamples) > MAX_THROUGHPUT_SAMPLES {
						stats.ThroughputSamples = stats.ThroughputSamples[len(stats.ThroughputSamples)-MAX_THROUGHPUT_SAMPLES:]
					}

					lastBytes[name] = emitted
					stats.mu.Unlock()
				}
				c.mu.RUnlock()

				lastSampleTime = now

			case <-c.stopChan:
				c.ticker.Stop()
				return
			}
		}
	}()
}

// scheduleDailyPersistence saves statistics to the database daily at midnight
func (c *Collector) scheduleDailyPersistence() {
	go func() {
		for {
			now := time.Now()
			midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())

			select {
			case <-time.After(midnight.Sub(now)):
				if err := c.saveToDatabase(); err != nil {
					c.log.WithError(err).Error("Unable to persist site statistics")
				}
			case <-c.stopChan:
				return
			}
		}
	}()
}

// saveToDatabase saves all statistics to the database
func (c *Collector) saveToDatabase() error {
	if c.db == nil {
		return nil
	}

	all := c.GetAllSiteStats()
	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		for name, stats := range all {
			data, err := json.Marshal(stats)
			if err != nil {
				return fmt.Errorf("encode stats of %s: %w", name, err)
			}
			if err := bucket.Put([]byte(name), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// loadFromDatabase loads all statistics from the database
func (c *Collector) loadFromDatabase() error {
	if c.db == nil {
		return nil
	}

	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var stats SiteStatistics
			if err := json.Unmarshal(v, &stats); err != nil {
				c.log.WithField("site", string(k)).WithError(err).Warn("Skipping unreadable site statistics")
				return nil
			}
			if stats.Site == "" {
				stats.Site = string(k)
			}
			c.stats[stats.Site] = &stats
			return nil
		})
	})
}

// ResetSiteStats resets statistics for a specific site
func (c *Collector) ResetSiteStats(name string) bool {
	c.mu.RLock()
	stats, exists := c.stats[name]
	c.mu.RUnlock()
	if !exists {
		return false
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()

	stats.DocumentsFiltered = 0
	stats.URLsRewritten = 0
	stats.RewriteFailures = 0
	stats.ScriptsRelocated = 0
	stats.Rehydrations = 0
	stats.MinifyRequests = 0
	stats.BytesEmitted = 0
	stats.CurrentThroughput = 0
	stats.MaxThroughput = 0
	stats.ThroughputSamples = []ThroughputSample{}
	stats.LastUpdated = time.Now()
	return true
}

// Close stops the collector and saves all data
func (c *Collector) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopChan)
		err = c.saveToDatabase()
	})
	return err
}
