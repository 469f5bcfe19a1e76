package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsPerp     int64
	errorsSpot     int64
	warnsPerp      int64
	warnsSpot      int64
	snapshotReads  int64
	streamReads    int64
	archiveUploads int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "perp") {
		atomic.AddInt64(&warnsPerp, 1)
	} else if strings.Contains(component, "spot") {
		atomic.AddInt64(&warnsSpot, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "perp") {
		atomic.AddInt64(&errorsPerp, 1)
	} else if strings.Contains(component, "spot") {
		atomic.AddInt64(&errorsSpot, 1)
	}
}

func IncrementSnapshotRead(size int) {
	atomic.AddInt64(&snapshotReads, 1)
	recordChannel("snapshot_rest", size)
}

func IncrementStreamRead(size int) {
	atomic.AddInt64(&streamReads, 1)
	recordChannel("stream_ws", size)
}

func IncrementArchiveUpload(size int64) {
	atomic.AddInt64(&archiveUploads, 1)
	recordChannel("s3_archive", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of runtime and channel statistics,
// publishing the same figures to CloudWatch when the client is initialised.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func snapshotCounters() (Fields, map[string]map[string]int64) {
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	fields := Fields{
		"errors_perp":     atomic.LoadInt64(&errorsPerp),
		"errors_spot":     atomic.LoadInt64(&errorsSpot),
		"warns_perp":      atomic.LoadInt64(&warnsPerp),
		"warns_spot":      atomic.LoadInt64(&warnsSpot),
		"snapshot_reads":  atomic.LoadInt64(&snapshotReads),
		"stream_reads":    atomic.LoadInt64(&streamReads),
		"archive_uploads": atomic.LoadInt64(&archiveUploads),
		"goroutines":      runtime.NumGoroutine(),
		"memory_mb":       int64(memStats.Alloc) / 1024 / 1024,
		"channels":        channelData,
	}
	return fields, channelData
}

func logReport(ctx context.Context, log *Log) {
	fields, channelData := snapshotCounters()

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsPerp"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_perp"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsSpot"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_spot"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsPerp"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_perp"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsSpot"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_spot"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SnapshotReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["snapshot_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("StreamReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["stream_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ArchiveUploads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["archive_uploads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["goroutines"].(int)))},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(fields["memory_mb"].(int64)))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
