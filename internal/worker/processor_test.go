package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"batch-pipeline/internal/config"
	"batch-pipeline/internal/domain"
	"batch-pipeline/internal/models"
	"batch-pipeline/internal/queue"
)

type fakeStore struct {
	mu       sync.Mutex
	batches  map[int64]models.Batch
	profiles map[int64]models.Profile
	logs     map[int64][]models.ProcessingLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		batches:  map[int64]models.Batch{},
		profiles: map[int64]models.Profile{},
		logs:     map[int64][]models.ProcessingLog{},
	}
}

func (f *fakeStore) GetBatch(_ context.Context, id int64) (models.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[id]
	if !ok {
		return models.Batch{}, domain.NotFound("batch", id)
	}
	return b, nil
}

func (f *fakeStore) SetBatchStatus(_ context.Context, id int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.batches[id]
	b.Status = status
	f.batches[id] = b
	return nil
}

func (f *fakeStore) MarkBatchCompleted(_ context.Context, id int64, processedPath string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.batches[id]
	b.Status = models.StatusCompleted
	b.ProcessedPath = &processedPath
	b.CompletedAt = &at
	f.batches[id] = b
	return nil
}

func (f *fakeStore) MarkBatchFailed(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.batches[id]
	b.Status = models.StatusFailed
	f.batches[id] = b
	return nil
}

func (f *fakeStore) AppendLog(_ context.Context, batchID int64, message, category string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[batchID] = append(f.logs[batchID], models.ProcessingLog{
		BatchID:    batchID,
		Message:    message,
		Category:   category,
		RecordedAt: time.Now(),
	})
	return nil
}

func (f *fakeStore) GetProfile(_ context.Context, id int64) (models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return models.Profile{}, domain.NotFound("profile", id)
	}
	return p, nil
}

func (f *fakeStore) batch(id int64) models.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[id]
}

func (f *fakeStore) logMessages(id int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := make([]string, 0, len(f.logs[id]))
	for _, l := range f.logs[id] {
		msgs = append(msgs, l.Message)
	}
	return msgs
}

type fakeObjects struct {
	mu     sync.Mutex
	files  map[string][]byte
	getErr error
	putErr error
}

func (f *fakeObjects) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	body, ok := f.files[key]
	if !ok {
		return nil, domain.StorageUnavailable("get", key, errors.New("no such key"))
	}
	return body, nil
}

func (f *fakeObjects) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return "", f.putErr
	}
	if f.files == nil {
		f.files = map[string][]byte{}
	}
	f.files[key] = body
	return key, nil
}

type fakeDelivery struct {
	body     []byte
	acked    bool
	nacked   bool
	requeued bool
}

func (d *fakeDelivery) Payload() []byte { return d.body }

func (d *fakeDelivery) Ack(context.Context) error {
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(_ context.Context, requeue bool) error {
	d.nacked = true
	d.requeued = requeue
	return nil
}

func testConfig() config.Config {
	return config.Config{
		WorkerPollInterval:   time.Millisecond,
		RenderDelayPerRecord: 0,
		RenderDelayMax:       0,
	}
}

func envelopeBody(t *testing.T, env models.Envelope) []byte {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body
}

func seedBatch(st *fakeStore) models.Envelope {
	st.batches[10] = models.Batch{
		ID: 10, CustomerID: 1, UserID: 1, ProfileID: 2,
		FileName: "x.csv", StoragePath: "batches/abc/x.csv",
		Status: models.StatusReceived, CreatedAt: time.Now(),
	}
	delim := ","
	st.profiles[2] = models.Profile{ID: 2, CustomerID: 1, Name: "csv", Delimiter: &delim}
	return models.Envelope{BatchID: 10, CustomerID: 1, FileName: "x.csv", StoragePath: "batches/abc/x.csv", ProfileID: 2}
}

func TestProcessSuccess(t *testing.T) {
	st := newFakeStore()
	env := seedBatch(st)
	objects := &fakeObjects{files: map[string][]byte{
		"batches/abc/x.csv": []byte("h\na,b\nc,d\n"),
	}}
	p := NewProcessor(testConfig(), nil, st, objects, zerolog.Nop())

	d := &fakeDelivery{body: envelopeBody(t, env)}
	p.process(context.Background(), d)

	require.True(t, d.acked)
	require.False(t, d.nacked)

	b := st.batch(10)
	require.Equal(t, models.StatusCompleted, b.Status)
	require.NotNil(t, b.CompletedAt)
	require.NotNil(t, b.ProcessedPath)
	require.Equal(t, "processed/10/x.csv.out", *b.ProcessedPath)

	require.Equal(t, []string{
		"processing started",
		"processed 2 records",
		"generated 2 output documents",
		"processing completed",
	}, st.logMessages(10))

	artifact, ok := objects.files["processed/10/x.csv.out"]
	require.True(t, ok)
	require.Contains(t, string(artifact), "DOC 000001 a | b")
}

func TestProcessMissingBatchAcksAndDrops(t *testing.T) {
	st := newFakeStore()
	objects := &fakeObjects{}
	p := NewProcessor(testConfig(), nil, st, objects, zerolog.Nop())

	env := models.Envelope{BatchID: 404, StoragePath: "batches/x", ProfileID: 1}
	d := &fakeDelivery{body: envelopeBody(t, env)}
	p.process(context.Background(), d)

	require.True(t, d.acked)
	require.False(t, d.nacked)
	require.Empty(t, st.logMessages(404))
}

func TestProcessStorageFailureMarksFailedAndRequeues(t *testing.T) {
	st := newFakeStore()
	env := seedBatch(st)
	objects := &fakeObjects{getErr: domain.StorageUnavailable("get", env.StoragePath, errors.New("connection refused"))}
	p := NewProcessor(testConfig(), nil, st, objects, zerolog.Nop())

	d := &fakeDelivery{body: envelopeBody(t, env)}
	p.process(context.Background(), d)

	require.False(t, d.acked)
	require.True(t, d.nacked)
	require.True(t, d.requeued)

	require.Equal(t, models.StatusFailed, st.batch(10).Status)

	msgs := st.logMessages(10)
	require.Equal(t, "processing started", msgs[0])
	last := msgs[len(msgs)-1]
	require.Contains(t, last, "processing error")
	require.Contains(t, last, "storage unavailable")
}

func TestProcessMissingProfileFails(t *testing.T) {
	st := newFakeStore()
	env := seedBatch(st)
	delete(st.profiles, 2)
	objects := &fakeObjects{files: map[string][]byte{env.StoragePath: []byte("h\na,b\n")}}
	p := NewProcessor(testConfig(), nil, st, objects, zerolog.Nop())

	d := &fakeDelivery{body: envelopeBody(t, env)}
	p.process(context.Background(), d)

	require.True(t, d.nacked)
	require.True(t, d.requeued)
	require.Equal(t, models.StatusFailed, st.batch(10).Status)
}

func TestProcessMalformedMessageDropped(t *testing.T) {
	st := newFakeStore()
	p := NewProcessor(testConfig(), nil, st, &fakeObjects{}, zerolog.Nop())

	d := &fakeDelivery{body: []byte("not json")}
	p.process(context.Background(), d)

	require.False(t, d.acked)
	require.True(t, d.nacked)
	require.False(t, d.requeued)
}

// Failed batches are retried when their message is redelivered: the second
// attempt can still complete.
func TestRedeliveredAttemptCanComplete(t *testing.T) {
	st := newFakeStore()
	env := seedBatch(st)
	objects := &fakeObjects{getErr: errors.New("storage down")}
	p := NewProcessor(testConfig(), nil, st, objects, zerolog.Nop())

	first := &fakeDelivery{body: envelopeBody(t, env)}
	p.process(context.Background(), first)
	require.True(t, first.requeued)
	require.Equal(t, models.StatusFailed, st.batch(10).Status)

	objects.mu.Lock()
	objects.getErr = nil
	objects.files = map[string][]byte{env.StoragePath: []byte("h\na,b\n")}
	objects.mu.Unlock()

	second := &fakeDelivery{body: envelopeBody(t, env)}
	p.process(context.Background(), second)
	require.True(t, second.acked)
	require.Equal(t, models.StatusCompleted, st.batch(10).Status)
}

// End-to-end over a real (miniredis-backed) queue: publish, run the loop,
// wait for the terminal status.
func TestRunConsumesFromQueue(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewWithClient(client, "test", time.Minute)

	st := newFakeStore()
	env := seedBatch(st)
	objects := &fakeObjects{files: map[string][]byte{env.StoragePath: []byte("h\na,b\nc,d\n")}}
	p := NewProcessor(testConfig(), q, st, objects, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	require.NoError(t, q.Publish(ctx, env))

	require.Eventually(t, func() bool {
		return st.batch(10).Status == models.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
