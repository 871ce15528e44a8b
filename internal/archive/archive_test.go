package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/agritrace/internal/tracechain"
)

var ctx = context.Background()

// fakeS3 keeps objects in memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	ctypes  map[string]string
	headErr error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, ctypes: map[string]string{}}
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = body
	f.ctypes[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func newTestArchiver(t *testing.T) (*Archiver, *tracechain.Chain, *fakeS3) {
	t.Helper()
	chain := tracechain.NewChain(tracechain.NewMemoryStore(), zap.NewNop())
	fake := newFakeS3()
	sink := &S3Sink{client: fake, bucket: "trace-archive", prefix: "prod/"}
	return NewArchiver(chain, sink, zap.NewNop()), chain, fake
}

func appendN(t *testing.T, c *tracechain.Chain, batch string, n int) *tracechain.TraceEvent {
	t.Helper()
	var last *tracechain.TraceEvent
	for i := 0; i < n; i++ {
		ev, err := c.Append(ctx, tracechain.AppendRequest{
			BatchID:   batch,
			ActorID:   "dc-3",
			ActorRole: tracechain.RoleDistributor,
			EventType: tracechain.EventShipped,
			EventData: map[string]any{"leg": i},
		})
		require.NoError(t, err)
		last = ev
	}
	return last
}

func TestArchive_writesSnapshot(t *testing.T) {
	a, chain, fake := newTestArchiver(t)
	tip := appendN(t, chain, "B1", 3)

	rcpt, err := a.Archive(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, "batches/B1/"+tip.CurrentHash+".json", rcpt.Key)
	assert.Equal(t, 3, rcpt.EventCount)
	assert.False(t, rcpt.AlreadyArchived)
	assert.True(t, rcpt.Verification.Valid)

	body, ok := fake.objects["prod/"+rcpt.Key]
	require.True(t, ok, "object not written under prefix")
	assert.Equal(t, "application/json", fake.ctypes["prod/"+rcpt.Key])

	var snap Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, "B1", snap.BatchID)
	assert.Len(t, snap.Events, 3)
	assert.True(t, snap.Verification.Valid)
}

func TestArchive_idempotentPerTip(t *testing.T) {
	a, chain, fake := newTestArchiver(t)
	appendN(t, chain, "B1", 2)

	first, err := a.Archive(ctx, "B1")
	require.NoError(t, err)
	second, err := a.Archive(ctx, "B1")
	require.NoError(t, err)
	assert.True(t, second.AlreadyArchived)
	assert.Equal(t, first.Key, second.Key)
	assert.Len(t, fake.objects, 1)

	appendN(t, chain, "B1", 1)
	third, err := a.Archive(ctx, "B1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Key, third.Key)
	assert.Len(t, fake.objects, 2)
}

func TestArchive_emptyBatch(t *testing.T) {
	a, _, _ := newTestArchiver(t)
	_, err := a.Archive(ctx, "nothing")
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestArchive_headErrorPropagates(t *testing.T) {
	a, chain, fake := newTestArchiver(t)
	appendN(t, chain, "B1", 1)
	fake.headErr = errors.New("access denied")

	_, err := a.Archive(ctx, "B1")
	assert.ErrorContains(t, err, "access denied")
}

func TestKey_escapesBatchID(t *testing.T) {
	assert.Equal(t, "batches/lot%2F7/abc.json", Key("lot/7", "abc"))
}
