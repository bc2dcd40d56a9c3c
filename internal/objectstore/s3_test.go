package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pdfqueue/internal/model"
)

type fakeS3 struct {
	mu        sync.Mutex
	puts      []*s3.PutObjectInput
	bodies    map[int32][]byte
	completed *s3.CompleteMultipartUploadInput
	aborted   int
	creates   []*s3.CreateMultipartUploadInput

	putFailures  int32
	failPart     int32
	inFlight     int32
	peakInFlight int32
}

func newFakeS3() *fakeS3 {
	return &fakeS3{bodies: make(map[int32][]byte)}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if atomic.AddInt32(&f.putFailures, -1) >= 0 {
		return nil, errors.New("503 SlowDown")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, in)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(fmt.Sprintf("upload-%d", len(f.creates)))}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&f.peakInFlight)
		if n <= peak || atomic.CompareAndSwapInt32(&f.peakInFlight, peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	number := aws.ToInt32(in.PartNumber)
	if number == atomic.LoadInt32(&f.failPart) {
		return nil, errors.New("connection reset")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.bodies[number] = body
	f.mu.Unlock()
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", number))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = in
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted++
	return &s3.AbortMultipartUploadOutput{}, nil
}

func testConfig() Config {
	return Config{
		Bucket:               "docs",
		Region:               "ap-south-1",
		ACL:                  "public-read",
		ServerSideEncryption: "AES256",
		RetryBase:            time.Millisecond,
	}
}

func TestStoreSmallDocumentUsesSinglePut(t *testing.T) {
	fake := newFakeS3()
	cfg := testConfig()
	cfg.CDNHost = "cdn.example.com"
	st := newS3Store(fake, cfg, zaptest.NewLogger(t))

	url, err := st.Store(context.Background(), []byte("%PDF-1.4 small"), "crm-pdf/invoice-1.pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/crm-pdf/invoice-1.pdf", url)

	require.Len(t, fake.puts, 1)
	in := fake.puts[0]
	assert.Equal(t, "docs", aws.ToString(in.Bucket))
	assert.Equal(t, "application/pdf", aws.ToString(in.ContentType))
	assert.Equal(t, types.ObjectCannedACLPublicRead, in.ACL)
	assert.Equal(t, types.ServerSideEncryptionAes256, in.ServerSideEncryption)
	assert.Empty(t, fake.creates)
}

func TestStoreRetriesTransientFailures(t *testing.T) {
	fake := newFakeS3()
	fake.putFailures = 2
	st := newS3Store(fake, testConfig(), zaptest.NewLogger(t))

	url, err := st.Store(context.Background(), []byte("%PDF"), "k.pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://docs.s3.ap-south-1.amazonaws.com/k.pdf", url)
	assert.Len(t, fake.puts, 1)
}

func TestStoreGivesUp(t *testing.T) {
	fake := newFakeS3()
	fake.putFailures = 10
	st := newS3Store(fake, testConfig(), zaptest.NewLogger(t))

	_, err := st.Store(context.Background(), []byte("%PDF"), "k.pdf")
	require.Error(t, err)

	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 3, se.Attempts)
	assert.Equal(t, "k.pdf", se.Key)
	assert.Contains(t, err.Error(), "SlowDown")
}

func TestStoreLargeDocumentUsesMultipart(t *testing.T) {
	fake := newFakeS3()
	cfg := testConfig()
	cfg.PartSize = 10
	cfg.Concurrency = 2
	st := newS3Store(fake, cfg, zaptest.NewLogger(t))

	data := []byte("0123456789abcdefghijklmnopqrstuvwxyz!") // 37 bytes
	_, err := st.Store(context.Background(), data, "big.pdf")
	require.NoError(t, err)

	require.Len(t, fake.creates, 1)
	assert.Equal(t, types.ObjectCannedACLPublicRead, fake.creates[0].ACL)
	require.NotNil(t, fake.completed)

	parts := fake.completed.MultipartUpload.Parts
	require.Len(t, parts, 4)
	var joined []byte
	for i, p := range parts {
		assert.Equal(t, int32(i+1), aws.ToInt32(p.PartNumber))
		assert.Equal(t, fmt.Sprintf("etag-%d", i+1), aws.ToString(p.ETag))
		joined = append(joined, fake.bodies[int32(i+1)]...)
	}
	assert.Equal(t, data, joined)
	assert.LessOrEqual(t, atomic.LoadInt32(&fake.peakInFlight), int32(2))
	assert.Empty(t, fake.puts)
}

func TestStoreAbortsFailedMultipart(t *testing.T) {
	fake := newFakeS3()
	fake.failPart = 2
	cfg := testConfig()
	cfg.PartSize = 4
	st := newS3Store(fake, cfg, zaptest.NewLogger(t))

	_, err := st.Store(context.Background(), []byte("0123456789"), "big.pdf")
	require.Error(t, err)
	assert.Equal(t, 3, fake.aborted)
	assert.Nil(t, fake.completed)
}

func TestPublicURL(t *testing.T) {
	cfg := Config{Bucket: "docs", Region: "eu-west-1"}
	assert.Equal(t, "https://docs.s3.eu-west-1.amazonaws.com/a/b.pdf", PublicURL(cfg, "a/b.pdf"))

	cfg.Endpoint = "http://minio:9000/"
	assert.Equal(t, "http://minio:9000/docs/a/b.pdf", PublicURL(cfg, "a/b.pdf"))

	cfg.CDNHost = "https://cdn.example.com/"
	assert.Equal(t, "https://cdn.example.com/a/b%20c.pdf", PublicURL(cfg, "a/b c.pdf"))
}

func TestKey(t *testing.T) {
	now := time.Unix(1700000000, 123)

	key := Key("", model.Payload{FileName: "trip"}, now)
	assert.Equal(t, "crm-pdf/trip-1700000000000000123.pdf", key)

	key = Key("pdfs/", model.Payload{FileName: "trip", OwnerID: "u42", Type: "itineraryCrm"}, now)
	assert.Equal(t, "pdfs/itineraryCrm/u42/trip-1700000000000000123.pdf", key)

	key = Key("crm-pdf", model.Payload{FileName: "../etc", OwnerID: "u/1"}, now)
	assert.Regexp(t, regexp.MustCompile(`^crm-pdf/document/u_1/\.\._etc-\d+\.pdf$`), key)
}
