package aws

import (
	"context"
	"testing"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAWSConfig_DefaultRegion(t *testing.T) {
	t.Setenv("AWS_ENDPOINT_OVERRIDE", "")
	t.Setenv("AWS_REGION", "")

	cfg, err := LoadAWSConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Nil(t, cfg.BaseEndpoint)
}

func TestLoadAWSConfig_WithEndpointOverride(t *testing.T) {
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("AWS_ENDPOINT_OVERRIDE", "http://localhost:4566")

	cfg, err := LoadAWSConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.Equal(t, "http://localhost:4566", sdkaws.ToString(cfg.BaseEndpoint))
}

type recordingSQS struct {
	inputs []*sqs.SendMessageInput
}

func (r *recordingSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	r.inputs = append(r.inputs, in)
	return &sqs.SendMessageOutput{MessageId: sdkaws.String("m-1")}, nil
}

func TestPublisher_PublishJSON(t *testing.T) {
	q := &recordingSQS{}
	p := NewPublisher(q, "https://sqs.local/print-jobs")

	id, err := p.PublishJSON(context.Background(), map[string]string{"order_id": "o1"}, map[string]string{
		"order_id":       "o1",
		"correlation_id": "",
	})
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)
	require.Len(t, q.inputs, 1)

	in := q.inputs[0]
	assert.Equal(t, "https://sqs.local/print-jobs", sdkaws.ToString(in.QueueUrl))
	assert.JSONEq(t, `{"order_id":"o1"}`, sdkaws.ToString(in.MessageBody))
	assert.Contains(t, in.MessageAttributes, "order_id")
	assert.NotContains(t, in.MessageAttributes, "correlation_id")
}
