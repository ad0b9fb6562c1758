package sqs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/article-batch-orchestrator/internal/push"
	"github.com/JakeFAU/article-batch-orchestrator/internal/reconciler"
)

var decoder = push.Decoder{ClientID: "orchestrator", ListeningAttribute: "batches"}

func event(id string) *string {
	return aws.String(`{"id":"` + id + `","clientData":{"clientId":"orchestrator","listeningAttribute":"batches"},"status":"failed"}`)
}

// mockSQSMiddleware short-circuits the request and returns output or err.
func mockSQSMiddleware(output any, err error) func(*middleware.Stack) error {
	return func(stack *middleware.Stack) error {
		return stack.Finalize.Add(
			middleware.FinalizeMiddlewareFunc("MockMiddleware", func(context.Context, middleware.FinalizeInput, middleware.FinalizeHandler) (middleware.FinalizeOutput, middleware.Metadata, error) {
				return middleware.FinalizeOutput{Result: output}, middleware.Metadata{}, err
			}),
			middleware.Before,
		)
	}
}

func TestPollDeletesSettledMessages(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{messages: []types.Message{
		{MessageId: aws.String("m1"), Body: event("job-1"), ReceiptHandle: aws.String("r1")},
		{MessageId: aws.String("m2"), Body: aws.String("garbage"), ReceiptHandle: aws.String("r2")},
		{MessageId: aws.String("m3"), Body: event("job-3"), ReceiptHandle: aws.String("r3")},
	}}
	h := &fakeHandler{errs: map[string]error{"job-3": orchestrator.Transient("find task", errors.New("db down"))}}
	c := New(api, Config{QueueURL: "https://sqs.local/q"}, decoder, h, zap.NewNop())

	deleted, err := c.poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.Equal(t, []string{"r1", "r2"}, api.deleted)
	require.NotNil(t, api.input)
	assert.Equal(t, int32(10), api.input.MaxNumberOfMessages)
	assert.Equal(t, int32(20), api.input.WaitTimeSeconds)
	assert.Equal(t, []reconciler.Source{reconciler.SourceSQS, reconciler.SourceSQS}, h.sources)
}

func TestPollKeepsMessageWhenDeleteFails(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		messages:  []types.Message{{MessageId: aws.String("m1"), Body: event("job-1"), ReceiptHandle: aws.String("r1")}},
		deleteErr: errors.New("throttled"),
	}
	c := New(api, Config{QueueURL: "q"}, decoder, &fakeHandler{}, zap.NewNop())

	deleted, err := c.poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestPollWithSDKClient(t *testing.T) {
	t.Parallel()

	client := awssqs.NewFromConfig(aws.Config{Region: "us-east-1"}, func(o *awssqs.Options) {
		o.APIOptions = append(o.APIOptions, mockSQSMiddleware(&awssqs.ReceiveMessageOutput{}, nil))
	})
	c := New(client, Config{QueueURL: "https://sqs.us-east-1.amazonaws.com/123/q"}, decoder, &fakeHandler{}, zap.NewNop())
	deleted, err := c.poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)

	clientErr := awssqs.NewFromConfig(aws.Config{Region: "us-east-1"}, func(o *awssqs.Options) {
		o.APIOptions = append(o.APIOptions, mockSQSMiddleware(nil, errors.New("aws error")))
	})
	c = New(clientErr, Config{QueueURL: "https://sqs.us-east-1.amazonaws.com/123/q"}, decoder, &fakeHandler{}, zap.NewNop())
	_, err = c.poll(context.Background())
	require.ErrorContains(t, err, "failed to receive messages")
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	api := &fakeAPI{receiveErr: errors.New("aws error"), onReceive: cancel}
	c := New(api, Config{QueueURL: "q", ErrorDelay: time.Hour}, decoder, &fakeHandler{}, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestRunRequiresQueue(t *testing.T) {
	t.Parallel()

	c := New(&fakeAPI{}, Config{}, decoder, &fakeHandler{}, zap.NewNop())
	require.Error(t, c.Run(context.Background()))
}

func TestAttributesKeepsStringValues(t *testing.T) {
	t.Parallel()

	attrs := attributes(types.Message{MessageAttributes: map[string]types.MessageAttributeValue{
		"traceparent": {DataType: aws.String("String"), StringValue: aws.String("00-abc")},
		"blob":        {DataType: aws.String("Binary"), BinaryValue: []byte{1}},
	}})
	assert.Equal(t, map[string]string{"traceparent": "00-abc"}, attrs)
}

// --- fakes ---

type fakeAPI struct {
	messages   []types.Message
	receiveErr error
	deleteErr  error
	onReceive  func()
	input      *awssqs.ReceiveMessageInput
	deleted    []string
}

func (f *fakeAPI) ReceiveMessage(_ context.Context, params *awssqs.ReceiveMessageInput, _ ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error) {
	f.input = params
	if f.onReceive != nil {
		f.onReceive()
	}
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	return &awssqs.ReceiveMessageOutput{Messages: f.messages}, nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, params *awssqs.DeleteMessageInput, _ ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &awssqs.DeleteMessageOutput{}, nil
}

type fakeHandler struct {
	errs    map[string]error
	sources []reconciler.Source
}

func (f *fakeHandler) HandleNotification(_ context.Context, source reconciler.Source, n orchestrator.Notification) (reconciler.Outcome, error) {
	f.sources = append(f.sources, source)
	if err := f.errs[n.CorrelationID]; err != nil {
		return "", err
	}
	return reconciler.OutcomeFailed, nil
}
