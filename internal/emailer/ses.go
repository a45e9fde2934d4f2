package emailer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESOptions configures the SES delivery backend.
type SESOptions struct {
	Region    string
	AccessKey string
	SecretKey string
	FromEmail string
	Subject   string
}

// SESSender delivers greetings through AWS SES v2. Deployments that own
// a verified SES identity use this instead of the HTTP service; the
// outcome taxonomy stays the same.
type SESSender struct {
	client  *sesv2.Client
	from    string
	subject string
	breaker *Breaker
}

// NewSESSender creates an SES v2 sender. Empty access keys fall back to
// the ambient AWS credential chain.
func NewSESSender(ctx context.Context, opts SESOptions, breaker *Breaker) (*SESSender, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")
		loadOpts = append(loadOpts, config.WithCredentialsProvider(creds))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	subject := opts.Subject
	if subject == "" {
		subject = "A special day greeting"
	}
	return &SESSender{
		client:  sesv2.NewFromConfig(awsCfg),
		from:    opts.FromEmail,
		subject: subject,
		breaker: breaker,
	}, nil
}

// Send delivers one greeting through SES.
func (s *SESSender) Send(ctx context.Context, email, message string) (Result, error) {
	if s.breaker != nil && !s.breaker.Allow() {
		return Result{Outcome: OutcomeTransient, Reason: "breaker open"}, ErrBreakerOpen
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{email},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(s.subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(message)},
				},
			},
		},
	}

	start := time.Now()
	_, err := s.client.SendEmail(ctx, input)
	latency := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeTransient, Reason: "canceled", Latency: latency, Attempts: 1}, ctx.Err()
		}
		outcome := classifySESError(err)
		s.recordSES(outcome != OutcomeTransient)
		return Result{
			Outcome:  outcome,
			Reason:   err.Error(),
			Latency:  latency,
			Attempts: 1,
		}, nil
	}

	s.recordSES(true)
	return Result{Outcome: OutcomeSent, Latency: latency, Attempts: 1}, nil
}

func (s *SESSender) recordSES(ok bool) {
	if s.breaker != nil {
		s.breaker.Record(ok)
	}
}

// classifySESError maps SES API errors onto the outcome taxonomy.
// Refusals of the payload or account state are permanent; throttling
// and pauses clear on their own.
func classifySESError(err error) Outcome {
	var (
		rejected    *types.MessageRejected
		suspended   *types.AccountSuspendedException
		notVerified *types.MailFromDomainNotVerifiedException
		badRequest  *types.BadRequestException
		notFound    *types.NotFoundException
	)
	if errors.As(err, &rejected) || errors.As(err, &suspended) ||
		errors.As(err, &notVerified) || errors.As(err, &badRequest) ||
		errors.As(err, &notFound) {
		return OutcomePermanent
	}
	return OutcomeTransient
}
