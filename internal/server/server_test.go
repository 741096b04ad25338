package server

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/forge-queue/internal/jobstore"
	"github.com/ChuLiYu/forge-queue/internal/monitor"
	"github.com/ChuLiYu/forge-queue/internal/submit"
	"github.com/ChuLiYu/forge-queue/pkg/types"
)

func startServer(t *testing.T, monCfg monitor.Config) (*Client, *jobstore.MemoryStore) {
	t.Helper()
	store := jobstore.NewMemoryStore()
	svc := submit.New(submit.Config{}, store, monitor.New(monCfg, store), nil, nil, nil)

	lis := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer()
	RegisterJobServiceServer(grpcServer, NewServer(svc, nil))
	go func() { _ = grpcServer.Serve(lis) }()
	t.Cleanup(grpcServer.Stop)

	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, store
}

func TestSubmitGetCancel(t *testing.T) {
	client, store := startServer(t, monitor.Config{})
	ctx := context.Background()
	retries := 4

	job, err := client.SubmitJob(ctx, submit.Request{
		OwnerID:    "alice",
		Priority:   "urgent",
		Payload:    map[string]interface{}{"prompt": "hi", "tokens": 128},
		MaxRetries: &retries,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, types.PriorityUrgent, job.Priority)
	assert.Equal(t, 5, job.MaxAttempts)
	assert.Equal(t, float64(128), job.Payload["tokens"])

	stored, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, stored.Status)

	got, err := client.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "alice", got.OwnerID)

	cancelled, err := client.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)

	_, err = client.CancelJob(ctx, job.ID)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestSubmitBatchOverGRPC(t *testing.T) {
	client, _ := startServer(t, monitor.Config{})

	res, err := client.SubmitBatch(context.Background(), "bob", []submit.Request{
		{Payload: map[string]interface{}{"prompt": "a"}},
		{Payload: map[string]interface{}{"prompt": "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 2, res.Progress.Total)
	assert.Equal(t, 1, res.Items[1].Position)
}

func TestErrorCodes(t *testing.T) {
	client, _ := startServer(t, monitor.Config{MaxPerOwner: 1})
	ctx := context.Background()

	_, err := client.SubmitJob(ctx, submit.Request{OwnerID: "alice"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.GetJob(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.GetJob(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.SubmitJob(ctx, submit.Request{OwnerID: "alice", Payload: map[string]interface{}{"p": 1}})
	require.NoError(t, err)
	_, err = client.SubmitJob(ctx, submit.Request{OwnerID: "alice", Payload: map[string]interface{}{"p": 2}})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestCodeFor(t *testing.T) {
	assert.Equal(t, codes.FailedPrecondition, codeFor(submit.ErrJobActive))
	assert.Equal(t, codes.DeadlineExceeded, codeFor(context.DeadlineExceeded))
	assert.Equal(t, codes.Internal, codeFor(assert.AnError))
}
