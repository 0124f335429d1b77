// Package metrics publishes operational counters to CloudWatch.
package metrics

import (
	"context"
	"log"
	"sort"
	"strconv"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/imrishuroy/casefab/internal/aws"
)

// Counter names.
const (
	SessionCreated       = "SessionCreated"
	SessionTransition    = "SessionTransition"
	SessionRejected      = "SessionTransitionRejected"
	OrderAccepted        = "OrderAccepted"
	OrderDuplicate       = "OrderDuplicate"
	VendorOrderCreated   = "VendorOrderCreated"
	VendorOrderFailed    = "VendorOrderFailed"
	VendorSignatureRetry = "VendorSignatureFallback"
	CleanupFailed        = "CleanupObjectFailed"
)

// Emitter writes counters. A nil *Emitter is a no-op.
type Emitter struct {
	client    aws.CloudWatchAPI
	namespace string
	nowFunc   func() time.Time
}

func NewEmitter(client aws.CloudWatchAPI, namespace string) *Emitter {
	if namespace == "" {
		namespace = "Casefab"
	}
	return &Emitter{client: client, namespace: namespace, nowFunc: time.Now}
}

// Count records one occurrence of name. Failures are logged, never returned:
// metrics must not fail a request.
func (e *Emitter) Count(ctx context.Context, name string, dims map[string]string) {
	e.Add(ctx, name, 1, dims)
}

// Add records n occurrences of name.
func (e *Emitter) Add(ctx context.Context, name string, n float64, dims map[string]string) {
	if e == nil || e.client == nil {
		return
	}
	keys := make([]string, 0, len(dims))
	for k, v := range dims {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	dimensions := make([]types.Dimension, 0, len(keys))
	for _, k := range keys {
		dimensions = append(dimensions, types.Dimension{Name: sdkaws.String(k), Value: sdkaws.String(dims[k])})
	}

	_, err := e.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: sdkaws.String(e.namespace),
		MetricData: []types.MetricDatum{{
			MetricName: sdkaws.String(name),
			Dimensions: dimensions,
			Timestamp:  sdkaws.Time(e.nowFunc().UTC()),
			Unit:       types.StandardUnitCount,
			Value:      sdkaws.Float64(n),
		}},
	})
	if err != nil {
		log.Printf("[metrics] put %s failed: %v", name, err)
	}
}

// SignatureFallback reports a vendor signature retry with the alternate suffix.
func (e *Emitter) SignatureFallback(ctx context.Context, path string, accepted bool) {
	e.Count(ctx, VendorSignatureRetry, map[string]string{
		"endpoint": path,
		"accepted": strconv.FormatBool(accepted),
	})
}
