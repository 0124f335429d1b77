package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCW struct {
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (r *recordingCW) PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	r.inputs = append(r.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, r.err
}

func TestCount(t *testing.T) {
	cw := &recordingCW{}
	e := NewEmitter(cw, "")

	e.Count(context.Background(), SessionCreated, map[string]string{"machine_id": "m-1", "empty": "", "action": "submit_design"})

	require.Len(t, cw.inputs, 1)
	in := cw.inputs[0]
	assert.Equal(t, "Casefab", *in.Namespace)
	require.Len(t, in.MetricData, 1)
	d := in.MetricData[0]
	assert.Equal(t, SessionCreated, *d.MetricName)
	assert.Equal(t, types.StandardUnitCount, d.Unit)
	assert.Equal(t, 1.0, *d.Value)
	require.Len(t, d.Dimensions, 2)
	assert.Equal(t, "action", *d.Dimensions[0].Name)
	assert.Equal(t, "machine_id", *d.Dimensions[1].Name)
}

func TestCount_SwallowsErrors(t *testing.T) {
	cw := &recordingCW{err: errors.New("throttled")}
	e := NewEmitter(cw, "Test")
	assert.NotPanics(t, func() { e.Count(context.Background(), OrderAccepted, nil) })
	assert.Len(t, cw.inputs, 1)
}

func TestNilEmitter(t *testing.T) {
	var e *Emitter
	assert.NotPanics(t, func() { e.Count(context.Background(), OrderAccepted, nil) })
}

func TestSignatureFallback(t *testing.T) {
	cw := &recordingCW{}
	NewEmitter(cw, "").SignatureFallback(context.Background(), "/api/machine/detail", false)

	require.Len(t, cw.inputs, 1)
	d := cw.inputs[0].MetricData[0]
	assert.Equal(t, VendorSignatureRetry, *d.MetricName)
	require.Len(t, d.Dimensions, 2)
	assert.Equal(t, "accepted", *d.Dimensions[0].Name)
	assert.Equal(t, "false", *d.Dimensions[0].Value)
	assert.Equal(t, "endpoint", *d.Dimensions[1].Name)

	var nilEmitter *Emitter
	hook := nilEmitter.SignatureFallback
	assert.NotPanics(t, func() { hook(context.Background(), "/x", true) })
}
