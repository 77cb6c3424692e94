package sns

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calnotify/internal/notifier"
	"calnotify/pkg/logx"
)

type mockPublisher struct {
	PublishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	calls       []*sns.PublishInput
}

func (m *mockPublisher) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.calls = append(m.calls, params)
	if m.PublishFunc == nil {
		return &sns.PublishOutput{}, nil
	}
	return m.PublishFunc(ctx, params, optFns...)
}

func TestDeliverTopic(t *testing.T) {
	mp := &mockPublisher{
		PublishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
		},
	}
	s, err := NewWithClient(Config{TopicARN: "arn:aws:sns:us-east-1:123:cal"}, mp, logx.Nop())
	require.NoError(t, err)

	msg := notifier.Message{
		ID:       "m1",
		Title:    "Conflict detected\nsecond line",
		Content:  "Standup moved",
		Priority: notifier.PriorityHigh,
		Metadata: map[string]string{notifier.MetaKind: notifier.KindConflict},
	}
	resp, err := s.Deliver(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "sns-1", resp["sns_message_id"])

	require.Len(t, mp.calls, 1)
	in := mp.calls[0]
	assert.Equal(t, "arn:aws:sns:us-east-1:123:cal", aws.ToString(in.TopicArn))
	assert.Nil(t, in.PhoneNumber)
	assert.Equal(t, "Conflict detected", aws.ToString(in.Subject))
	assert.Equal(t, "Standup moved", aws.ToString(in.Message))
	assert.Equal(t, "high", aws.ToString(in.MessageAttributes["priority"].StringValue))
	assert.Equal(t, notifier.KindConflict, aws.ToString(in.MessageAttributes["kind"].StringValue))
}

func TestDeliverPhone(t *testing.T) {
	mp := &mockPublisher{}
	s, err := NewWithClient(Config{PhoneNumber: "+15550100"}, mp, logx.Nop())
	require.NoError(t, err)

	_, err = s.Deliver(context.Background(), notifier.Message{ID: "m1", Title: "ignored", Content: "hi"})
	require.NoError(t, err)
	in := mp.calls[0]
	assert.Equal(t, "+15550100", aws.ToString(in.PhoneNumber))
	assert.Nil(t, in.Subject)
	assert.Nil(t, in.TopicArn)
}

func TestDeliverError(t *testing.T) {
	mp := &mockPublisher{
		PublishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			return nil, errors.New("SNS service unavailable")
		},
	}
	s, err := NewWithClient(Config{TopicARN: "arn"}, mp, logx.Nop())
	require.NoError(t, err)

	ep := notifier.NewEndpoint("sns", s, notifier.EndpointConfig{}, logx.Nop())
	res := ep.Send(context.Background(), notifier.Message{ID: "m1", Content: "x"})
	assert.Equal(t, notifier.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "SNS service unavailable")
}

func TestConfigValidation(t *testing.T) {
	_, err := NewWithClient(Config{}, &mockPublisher{}, logx.Nop())
	assert.Error(t, err)
	_, err = NewWithClient(Config{TopicARN: "a", PhoneNumber: "+1"}, &mockPublisher{}, logx.Nop())
	assert.Error(t, err)
	_, err = NewWithClient(Config{TopicARN: "a"}, nil, logx.Nop())
	assert.Error(t, err)
}

func TestSubjectTrimmed(t *testing.T) {
	assert.Len(t, []rune(subject(strings.Repeat("予", 150))), subjectLimit)
	assert.Equal(t, "", subject("  "))
}
