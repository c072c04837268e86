// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements objstore.Cluster using S3 compatible storage as a
// backend. It uses aws api v1. Every pool is a bucket.
//
// S3 has neither partial writes nor key value maps attached to objects.
// Partial writes are done as read-modify-write of the whole object, which is
// safe because the objstore client serializes requests on the same object.
// The omap of an object is stored as a gob encoded sidecar object. Snapshots
// are not supported and the cluster does not implement objstore.Snapshotter.
package s3

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"golang.org/x/net/http2"

	"github.com/asch/rbdio/internal/objstore"
)

const (
	// Format string for the object key. The first part is a hash of the
	// object name used as s3 prefix. This is to prevent s3 rate limiting
	// which is applied to objects with the same prefix, and objects of
	// one image share the name prefix.
	keyFmt = "%08x/%s"

	omapSuffix = ".omap"
)

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	AccessKey string
	SecretKey string

	// Buckets backing the pools. Pool id is the index into this slice
	// and pool name is the bucket name.
	Buckets []string
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

// Returns http client with configured parameters and added https2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
	}
}

// Cluster of buckets sharing one session.
type Cluster struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	buckets    []string
}

// Backend for a single bucket.
type bucket struct {
	*Cluster
	name string
}

func New(o Options) (*Cluster, error) {
	if len(o.Buckets) == 0 {
		return nil, fmt.Errorf("no buckets configured: %w", objstore.ErrInvalidArgument)
	}

	c := &Cluster{buckets: o.Buckets}

	// Following settings are recommended by AWS for usage in their
	// network.
	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	})

	if err != nil {
		return nil, err
	}

	c.client = s3.New(sess)
	c.uploader = s3manager.NewUploader(sess)
	c.downloader = s3manager.NewDownloader(sess)

	// Objects are at most a few megabytes, multipart transfers do not
	// pay off.
	c.uploader.Concurrency = 1
	s3manager.WithUploaderRequestOptions(request.Option(func(r *request.Request) {
		r.HTTPRequest.Header.Add("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}))(c.uploader)
	c.downloader.Concurrency = 1

	for _, b := range c.buckets {
		if err := c.makeBucketExist(b); err != nil {
			return nil, fmt.Errorf("bucket %s: %w", b, err)
		}
	}

	return c, nil
}

// Check whether bucket exist and if not, create it and wait until it appears.
func (c *Cluster) makeBucketExist(name string) error {
	_, err := c.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(name)})

	if err != nil {
		_, err = c.client.CreateBucket(&s3.CreateBucketInput{
			Bucket: aws.String(name)})

		if err == nil {
			err = c.client.WaitUntilBucketExists(&s3.HeadBucketInput{
				Bucket: aws.String(name)})
		}
	}

	return err
}

func (c *Cluster) Pool(id int64) (objstore.Backend, error) {
	name, err := c.PoolName(id)
	if err != nil {
		return nil, err
	}

	return &bucket{Cluster: c, name: name}, nil
}

func (c *Cluster) PoolName(id int64) (string, error) {
	if id < 0 || id >= int64(len(c.buckets)) {
		return "", objstore.ErrNoSuchPool
	}

	return c.buckets[id], nil
}

func (c *Cluster) PoolID(name string) (int64, error) {
	for i, b := range c.buckets {
		if b == name {
			return int64(i), nil
		}
	}

	return 0, fmt.Errorf("%s: %w", name, objstore.ErrNoSuchPool)
}

func (c *Cluster) Close() error {
	return nil
}

// Spreads the object over s3 prefixes by the hash of its name.
func encode(oid string) string {
	h := fnv.New32a()
	h.Write([]byte(oid))

	return fmt.Sprintf(keyFmt, h.Sum32(), oid)
}

func translate(err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return fmt.Errorf("%v: %w", err, objstore.ErrNotFound)
		}
	}

	var rerr awserr.RequestFailure
	if errors.As(err, &rerr) && rerr.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%v: %w", err, objstore.ErrNotFound)
	}

	return err
}

func (b *bucket) head(ctx context.Context, key string) (uint64, time.Time, error) {
	out, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, time.Time{}, translate(err)
	}

	return uint64(aws.Int64Value(out.ContentLength)), aws.TimeValue(out.LastModified), nil
}

func (b *bucket) upload(ctx context.Context, key string, data []byte) error {
	_, err := b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})

	return translate(err)
}

func (b *bucket) downloadAt(ctx context.Context, key string, buf []byte, offset uint64) error {
	to := offset + uint64(len(buf)) - 1
	rng := fmt.Sprintf("bytes=%d-%d", offset, to)
	w := aws.NewWriteAtBuffer(buf)

	_, err := b.downloader.DownloadWithContext(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
		Range:  &rng,
	})

	return translate(err)
}

func (b *bucket) delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})

	return translate(err)
}

func (b *bucket) Read(ctx context.Context, oid string, snap objstore.SnapID, buf []byte, off uint64) (int, error) {
	if snap != objstore.NoSnap {
		return 0, objstore.ErrSnapshotsUnsupported
	}

	key := encode(oid)
	size, _, err := b.head(ctx, key)
	if err != nil {
		return 0, err
	}

	if off >= size || len(buf) == 0 {
		return 0, nil
	}

	n := uint64(len(buf))
	if off+n > size {
		n = size - off
	}

	if err := b.downloadAt(ctx, key, buf[:n], off); err != nil {
		return 0, err
	}

	return int(n), nil
}

func (b *bucket) readAll(ctx context.Context, key string) ([]byte, error) {
	size, _, err := b.head(ctx, key)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	if size > 0 {
		err = b.downloadAt(ctx, key, buf, 0)
	}

	return buf, err
}

func (b *bucket) Write(ctx context.Context, oid string, snapc objstore.SnapContext, data []byte, off uint64) error {
	key := encode(oid)

	current, err := b.readAll(ctx, key)
	if err != nil && !errors.Is(err, objstore.ErrNotFound) {
		return err
	}

	end := off + uint64(len(data))
	if end > uint64(len(current)) {
		grown := make([]byte, end)
		copy(grown, current)
		current = grown
	}
	copy(current[off:], data)

	return b.upload(ctx, key, current)
}

func (b *bucket) WriteFull(ctx context.Context, oid string, snapc objstore.SnapContext, data []byte) error {
	return b.upload(ctx, encode(oid), data)
}

// Objects created only through their omap exist with zero size.
func (b *bucket) Stat(ctx context.Context, oid string, snap objstore.SnapID) (objstore.ObjectStat, error) {
	if snap != objstore.NoSnap {
		return objstore.ObjectStat{}, objstore.ErrSnapshotsUnsupported
	}

	size, mtime, err := b.head(ctx, encode(oid))
	if errors.Is(err, objstore.ErrNotFound) {
		_, mtime, err = b.head(ctx, encode(oid+omapSuffix))
		size = 0
	}
	if err != nil {
		return objstore.ObjectStat{}, err
	}

	return objstore.ObjectStat{Size: size, ModTime: mtime}, nil
}

func (b *bucket) OmapGet(ctx context.Context, oid string) (map[string][]byte, error) {
	buf, err := b.readAll(ctx, encode(oid+omapSuffix))
	if errors.Is(err, objstore.ErrNotFound) {
		if _, _, err := b.head(ctx, encode(oid)); err != nil {
			return nil, err
		}
		return make(map[string][]byte), nil
	}
	if err != nil {
		return nil, err
	}

	pairs := make(map[string][]byte)
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&pairs); err != nil {
		return nil, fmt.Errorf("omap of %s: %w", oid, err)
	}

	return pairs, nil
}

func (b *bucket) storeOmap(ctx context.Context, oid string, pairs map[string][]byte) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(pairs); err != nil {
		return err
	}

	return b.upload(ctx, encode(oid+omapSuffix), buf.Bytes())
}

func (b *bucket) OmapSet(ctx context.Context, oid string, pairs map[string][]byte) error {
	current, err := b.OmapGet(ctx, oid)
	if errors.Is(err, objstore.ErrNotFound) {
		current = make(map[string][]byte)
	} else if err != nil {
		return err
	}

	for k, v := range pairs {
		current[k] = v
	}

	return b.storeOmap(ctx, oid, current)
}

func (b *bucket) OmapRemove(ctx context.Context, oid string, keys []string) error {
	current, err := b.OmapGet(ctx, oid)
	if err != nil {
		return err
	}

	for _, k := range keys {
		delete(current, k)
	}

	return b.storeOmap(ctx, oid, current)
}

func (b *bucket) Remove(ctx context.Context, oid string, _ objstore.SnapContext) error {
	if _, err := b.Stat(ctx, oid, objstore.NoSnap); err != nil {
		return err
	}

	if err := b.delete(ctx, encode(oid)); err != nil && !errors.Is(err, objstore.ErrNotFound) {
		return err
	}

	if err := b.delete(ctx, encode(oid+omapSuffix)); err != nil && !errors.Is(err, objstore.ErrNotFound) {
		return err
	}

	return nil
}
