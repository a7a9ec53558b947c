package mailer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"github.com/unclebandit/newsletter-delivery/internal/config"
)

// SESAPI is the subset of the SES v2 client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender sends through AWS SES v2.
type SESSender struct {
	client    SESAPI
	from      string
	replyTo   string
	configSet string
	timeout   time.Duration
	logger    *zap.Logger
}

// NewSESSender builds an SES client. Static credentials are used when configured,
// otherwise the default AWS credential chain.
func NewSESSender(ctx context.Context, cfg config.MailConfig, logger *zap.Logger) (*SESSender, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.SES.Region)}
	if cfg.SES.AccessKey != "" && cfg.SES.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.SES.AccessKey, cfg.SES.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewSESSenderWithClient(sesv2.NewFromConfig(awsCfg), cfg, logger), nil
}

func NewSESSenderWithClient(client SESAPI, cfg config.MailConfig, logger *zap.Logger) *SESSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	from := cfg.FromEmail
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromEmail)
	}
	timeout := time.Duration(cfg.SES.TimeoutSeconds) * time.Second
	return &SESSender{
		client:    client,
		from:      from,
		replyTo:   cfg.ReplyTo,
		configSet: cfg.SES.ConfigSet,
		timeout:   timeout,
		logger:    logger,
	}
}

func (s *SESSender) Send(ctx context.Context, msg Message) (SendResult, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: messageTags(msg.Tags),
	}
	if msg.Text != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	if s.replyTo != "" {
		input.ReplyToAddresses = []string{s.replyTo}
	}
	if s.configSet != "" {
		input.ConfigurationSetName = aws.String(s.configSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return SendResult{}, fmt.Errorf("ses send: %w", err)
		}
		s.logger.Warn("ses rejected message",
			zap.String("to", RedactEmail(msg.To)),
			zap.Error(err))
		return SendResult{Success: false, Error: err.Error()}, nil
	}

	id := aws.ToString(out.MessageId)
	s.logger.Debug("ses accepted message",
		zap.String("to", RedactEmail(msg.To)),
		zap.String("message_id", id))
	return SendResult{Success: true, ID: id}, nil
}

func messageTags(tags map[string]string) []types.MessageTag {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.MessageTag, 0, len(tags))
	for _, k := range keys {
		out = append(out, types.MessageTag{Name: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

var _ Sender = (*SESSender)(nil)
