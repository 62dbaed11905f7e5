package objfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	miniocredentials "github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStorageEngine is the capability objfs needs from a backing store:
// vectored whole-object put, ranged get, and key listing. Keys are opaque
// byte strings; objects are immutable once put.
type ObjectStorageEngine interface {
	Put(key string, vecs [][]byte) error
	Get(key string, offset uint64, buf []byte) (uint64, error)
	List(prefix string) ([]string, error)
	Close() error
}

var ErrNoSuchObject = errors.New("no such object")

type memStorageEngine struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemStorageEngine() ObjectStorageEngine {
	return &memStorageEngine{objects: make(map[string][]byte)}
}

func (s *memStorageEngine) Put(key string, vecs [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = bytes.Join(vecs, nil)
	return nil
}

func (s *memStorageEngine) Get(key string, offset uint64, buf []byte) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return 0, fmt.Errorf("get %q: %w", key, ErrNoSuchObject)
	}
	if offset >= uint64(len(obj)) {
		return 0, nil
	}
	n := copy(buf, obj[offset:])
	return uint64(n), nil
}

func (s *memStorageEngine) List(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memStorageEngine) Close() error {
	return nil
}

type dirStorageEngine struct {
	path string
}

func (s *dirStorageEngine) Put(key string, vecs [][]byte) error {
	f, err := os.Create(filepath.Join(s.path, key))
	if err != nil {
		return err
	}
	defer f.Close()
	for _, vec := range vecs {
		_, err := f.Write(vec)
		if err != nil {
			return err
		}
	}
	return f.Sync()
}

func (s *dirStorageEngine) Get(key string, offset uint64, buf []byte) (uint64, error) {
	f, err := os.Open(filepath.Join(s.path, key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("get %q: %w", key, ErrNoSuchObject)
		}
		return 0, err
	}
	defer f.Close()
	n, err := f.ReadAt(buf, int64(offset))
	if err == io.EOF {
		err = nil
	}
	return uint64(n), err
}

func (s *dirStorageEngine) List(prefix string) ([]string, error) {
	ents, err := os.ReadDir(s.path)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, ent := range ents {
		if !ent.IsDir() && strings.HasPrefix(ent.Name(), prefix) {
			keys = append(keys, ent.Name())
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *dirStorageEngine) Close() error {
	return nil
}

type s3StorageEngine struct {
	path   string
	bucket string
	client *minio.Client
}

func (s *s3StorageEngine) Put(key string, vecs [][]byte) error {
	readers := make([]io.Reader, 0, len(vecs))
	size := int64(0)
	for _, vec := range vecs {
		readers = append(readers, bytes.NewReader(vec))
		size += int64(len(vec))
	}
	_, err := s.client.PutObject(
		context.Background(),
		s.bucket,
		s.path+key,
		io.MultiReader(readers...),
		size,
		minio.PutObjectOptions{},
	)
	return err
}

func (s *s3StorageEngine) Get(key string, offset uint64, buf []byte) (uint64, error) {
	obj, err := s.client.GetObject(
		context.Background(),
		s.bucket,
		s.path+key,
		minio.GetObjectOptions{},
	)
	if err != nil {
		return 0, err
	}
	defer obj.Close()
	n, err := obj.ReadAt(buf, int64(offset))
	if err == io.EOF && n > 0 {
		err = nil
	}
	if err != nil && minio.ToErrorResponse(err).StatusCode == 404 {
		return 0, fmt.Errorf("get %q: %w", key, ErrNoSuchObject)
	}
	return uint64(n), err
}

func (s *s3StorageEngine) List(prefix string) ([]string, error) {
	var keys []string
	objects := s.client.ListObjects(
		context.Background(),
		s.bucket,
		minio.ListObjectsOptions{
			Prefix:    s.path + prefix,
			Recursive: true,
		},
	)
	for obj := range objects {
		if obj.Err != nil {
			return nil, obj.Err
		}
		keys = append(keys, strings.TrimPrefix(obj.Key, s.path))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *s3StorageEngine) Close() error {
	return nil
}

// NewObjectStorageEngine creates an engine from a storage spec string:
//
//	mem:
//	file:/some/directory
//	s3://ACCESS:SECRET@host:port/keyprefix/?bucket=somebucket&secure=false
//
// The s3 form falls back to the standard AWS environment variables when
// credentials are not embedded in the url.
func NewObjectStorageEngine(storageSpec string) (ObjectStorageEngine, error) {

	if storageSpec == "mem:" {
		return NewMemStorageEngine(), nil
	}

	if strings.HasPrefix(storageSpec, "file:") {
		return &dirStorageEngine{
			path: storageSpec[5:],
		}, nil
	}

	if strings.HasPrefix(storageSpec, "s3:") {
		var creds *miniocredentials.Credentials

		u, err := url.Parse(storageSpec)
		if err != nil {
			return nil, err
		}

		q := u.Query()

		if u.User != nil {
			accessKeyID := u.User.Username()
			secretAccessKey, _ := u.User.Password()
			creds = miniocredentials.NewStaticV4(accessKeyID, secretAccessKey, "")
		} else {
			creds = miniocredentials.NewEnvAWS()
		}

		bucket, ok := q["bucket"]
		if !ok {
			return nil, fmt.Errorf("s3 storage url %q must contain bucket parameter", u.Redacted())
		}

		isSecure := true
		if secureParam, ok := q["secure"]; ok {
			isSecure = secureParam[0] != "false"
		}

		endpoint := u.Hostname()
		if u.Port() != "" {
			endpoint = endpoint + ":" + u.Port()
		}

		client, err := minio.New(endpoint, &minio.Options{
			Creds:  creds,
			Secure: isSecure,
		})
		if err != nil {
			return nil, err
		}

		return &s3StorageEngine{
			bucket: bucket[0],
			path:   strings.TrimPrefix(u.Path, "/"),
			client: client,
		}, nil
	}

	return nil, errors.New("unknown/invalid storage specification")
}
