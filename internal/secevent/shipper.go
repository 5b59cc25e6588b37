package secevent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/calebmorton/perimeter-api/internal/log"
)

// S3API is the slice of the S3 client the shipper uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// KMSAPI is the slice of the KMS client the shipper uses.
type KMSAPI interface {
	Sign(ctx context.Context, in *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

type ShipperOptions struct {
	Bucket string
	Prefix string

	// SigningKeyARN enables tamper-evidence: each batch digest is signed via
	// KMS and the signature stored in the object metadata. Empty disables
	// signing.
	SigningKeyARN string

	// FlushInterval is how often buffered events are uploaded (default 1m).
	FlushInterval time.Duration

	// MaxBatch flushes early once this many events are buffered (default 500).
	MaxBatch int

	// QueueSize bounds the enqueue channel (default 1024). A full queue
	// drops new events; the warn log line has already been written by the
	// recorder, so nothing is silently lost from the audit trail.
	QueueSize int

	// OnShipped / OnDropped / OnError are metrics hooks. All optional.
	OnShipped func(count int)
	OnDropped func()
	OnError   func()
}

// Shipper batches security events into JSON Lines objects and uploads them
// to S3, optionally signing each batch digest with KMS. It exists for
// multi-day audit retention; the primary record remains the warn log stream.
type Shipper struct {
	s3c  S3API
	kmsc KMSAPI
	opts ShipperOptions
	L    log.Logger

	ch chan Event
}

func NewShipper(s3c S3API, kmsc KMSAPI, L log.Logger, opts ShipperOptions) *Shipper {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Minute
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 500
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &Shipper{
		s3c:  s3c,
		kmsc: kmsc,
		opts: opts,
		L:    L,
		ch:   make(chan Event, opts.QueueSize),
	}
}

// Enqueue hands an event to the shipper without blocking. Implements Sink.
func (s *Shipper) Enqueue(ev Event) {
	select {
	case s.ch <- ev:
	default:
		if s.opts.OnDropped != nil {
			s.opts.OnDropped()
		}
	}
}

// Run consumes and ships events until ctx is cancelled, then performs one
// final flush with a short deadline.
func (s *Shipper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	var batch []Event
	for {
		select {
		case <-ctx.Done():
			drain := true
			for drain {
				select {
				case ev := <-s.ch:
					batch = append(batch, ev)
				default:
					drain = false
				}
			}
			if len(batch) > 0 {
				fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				s.flush(fctx, batch)
				cancel()
			}
			return
		case ev := <-s.ch:
			batch = append(batch, ev)
			if len(batch) >= s.opts.MaxBatch {
				s.flush(ctx, batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = nil
			}
		}
	}
}

func (s *Shipper) flush(ctx context.Context, batch []Event) {
	body, err := encodeJSONL(batch)
	if err != nil {
		// single bad event cannot happen (recorder pre-validates details),
		// but a failed batch must not kill the loop
		s.L.Error(ctx, err, "audit batch encode failed", "events", len(batch))
		if s.opts.OnError != nil {
			s.opts.OnError()
		}
		return
	}

	key := s.objectKey(batch[0].Timestamp)

	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.opts.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/jsonl"),
	}

	if s.opts.SigningKeyARN != "" && s.kmsc != nil {
		digest := sha256.Sum256(body)
		out, err := s.kmsc.Sign(ctx, &kms.SignInput{
			KeyId:            aws.String(s.opts.SigningKeyARN),
			Message:          digest[:],
			MessageType:      kmstypes.MessageTypeDigest,
			SigningAlgorithm: kmstypes.SigningAlgorithmSpecRsassaPssSha256,
		})
		if err != nil {
			s.L.Error(ctx, err, "audit batch signing failed", "key", key)
			if s.opts.OnError != nil {
				s.opts.OnError()
			}
			// ship unsigned rather than not at all
		} else {
			in.Metadata = map[string]string{
				"batch-signature": base64.StdEncoding.EncodeToString(out.Signature),
				"batch-digest":    base64.StdEncoding.EncodeToString(digest[:]),
			}
		}
	}

	if _, err := s.s3c.PutObject(ctx, in); err != nil {
		s.L.Error(ctx, err, "audit batch upload failed", "key", key, "events", len(batch))
		if s.opts.OnError != nil {
			s.opts.OnError()
		}
		return
	}

	s.L.Info(ctx, "audit batch shipped", "key", key, "events", len(batch))
	if s.opts.OnShipped != nil {
		s.opts.OnShipped(len(batch))
	}
}

func (s *Shipper) objectKey(ts time.Time) string {
	return fmt.Sprintf("%s/%s/%s.jsonl",
		s.opts.Prefix, ts.UTC().Format("2006/01/02"), uuid.NewString())
}

func encodeJSONL(batch []Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range batch {
		if err := enc.Encode(ev); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
