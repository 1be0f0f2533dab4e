package archive

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/smallbiznis/payrail/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePutter struct {
	mu   sync.Mutex
	keys []string
	body []byte
	err  error
	done chan struct{}
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done != nil {
		defer close(f.done)
	}
	if f.err != nil {
		return nil, f.err
	}
	f.keys = append(f.keys, *in.Bucket+"/"+*in.Key)
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestKey(t *testing.T) {
	at := time.Date(2026, 2, 7, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "stripe/2026/02/07/evt_123.json", Key("Stripe", "evt_123", at))
	assert.Equal(t, "paystack/2026/02/07/charge.success:42.json", Key("paystack", "charge.success:42", at))
	assert.Equal(t, "paystack/2026/02/07/a%2Fb.json", Key("paystack", "a/b", at))
}

func TestPut(t *testing.T) {
	putter := &fakePutter{}
	a := New(putter, "raw-webhooks", zap.NewNop())

	err := a.Put(context.Background(), "stripe", "evt_1", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), []byte(`{"id":"evt_1"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"raw-webhooks/stripe/2026/01/02/evt_1.json"}, putter.keys)
	assert.JSONEq(t, `{"id":"evt_1"}`, string(putter.body))
}

func TestGoSwallowsFailures(t *testing.T) {
	putter := &fakePutter{err: errors.New("503 slow down"), done: make(chan struct{})}
	a := New(putter, "raw-webhooks", zap.NewNop())

	a.Go(context.Background(), "stripe", "evt_1", time.Now(), []byte(`{}`))
	select {
	case <-putter.done:
	case <-time.After(2 * time.Second):
		t.Fatal("archive upload never attempted")
	}

	var nilArchiver *Archiver
	nilArchiver.Go(context.Background(), "stripe", "evt_1", time.Now(), []byte(`{}`))
}

func TestNewFromConfigDisabled(t *testing.T) {
	a, err := NewFromConfig(config.Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, a)
}
