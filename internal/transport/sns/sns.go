// Package sns publishes notifier messages to an AWS SNS topic or phone number.
package sns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"calnotify/internal/notifier"
	"calnotify/pkg/logx"
)

// SNS rejects subjects longer than this.
const subjectLimit = 100

type Config struct {
	Region string
	// Exactly one of TopicARN and PhoneNumber must be set.
	TopicARN    string
	PhoneNumber string
}

// Publisher is the part of *sns.Client the sender uses.
type Publisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Sender is a notifier.Transport.
type Sender struct {
	cfg    Config
	client Publisher
	log    logx.Logger
}

var _ notifier.Transport = (*Sender)(nil)

// New loads the default AWS credential chain for cfg.Region.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Sender, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithClient(cfg, sns.NewFromConfig(awsCfg), log)
}

func NewWithClient(cfg Config, client Publisher, log logx.Logger) (*Sender, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.New("sns client is nil")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{cfg: cfg, client: client, log: log.With(logx.String("comp", "sns"))}, nil
}

func (c Config) validate() error {
	topic, phone := strings.TrimSpace(c.TopicARN), strings.TrimSpace(c.PhoneNumber)
	switch {
	case topic == "" && phone == "":
		return errors.New("sns: topic_arn or phone_number is required")
	case topic != "" && phone != "":
		return errors.New("sns: topic_arn and phone_number are mutually exclusive")
	}
	return nil
}

// Input builds the publish request for msg.
func (s *Sender) Input(msg notifier.Message) *sns.PublishInput {
	in := &sns.PublishInput{
		Message: aws.String(msg.Content),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"priority": {DataType: aws.String("String"), StringValue: aws.String(msg.Priority.String())},
		},
	}
	if s.cfg.TopicARN != "" {
		in.TopicArn = aws.String(s.cfg.TopicARN)
		// Subjects only apply to email subscriptions; SMS ignores them.
		if subj := subject(msg.Title); subj != "" {
			in.Subject = aws.String(subj)
		}
	} else {
		in.PhoneNumber = aws.String(s.cfg.PhoneNumber)
	}
	if kind := msg.Metadata[notifier.MetaKind]; kind != "" {
		in.MessageAttributes["kind"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(kind)}
	}
	return in
}

func (s *Sender) Deliver(ctx context.Context, msg notifier.Message) (map[string]any, error) {
	out, err := s.client.Publish(ctx, s.Input(msg))
	if err != nil {
		return nil, fmt.Errorf("sns publish: %w", err)
	}
	resp := map[string]any{}
	if out != nil && out.MessageId != nil {
		resp["sns_message_id"] = *out.MessageId
	}
	s.log.Debug("sns published", logx.String("message_id", msg.ID))
	return resp, nil
}

// subject keeps the first line of title, trimmed to subjectLimit runes of
// printable text.
func subject(title string) string {
	title, _, _ = strings.Cut(strings.TrimSpace(title), "\n")
	r := []rune(strings.TrimSpace(title))
	if len(r) > subjectLimit {
		r = r[:subjectLimit]
	}
	return string(r)
}
