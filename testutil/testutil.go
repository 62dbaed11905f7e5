package testutil

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/andrewchambers/objfs"
	"github.com/minio/minio-go/v7"
	miniocredentials "github.com/minio/minio-go/v7/pkg/credentials"
)

func GetFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

const (
	testAccessKey = "minioadmin"
	testSecretKey = "minioadmin"
	testBucket    = "objfs-test"
)

type MinioTestServer struct {
	t           *testing.T
	ListenAddr  string
	StorageSpec string
	minioServer *exec.Cmd
}

// Create a test server that is automatically cleaned up when the test finishes.
func NewMinioTestServer(t *testing.T) *MinioTestServer {
	_, err := exec.LookPath("minio")
	if err != nil {
		t.Skip("minio not found in path")
	}

	port, err := GetFreePort()
	if err != nil {
		t.Fatal(err)
	}
	listenAddr := fmt.Sprintf("127.0.0.1:%d", port)

	dir := t.TempDir()

	minioServer := exec.Command(
		"minio",
		"server",
		"--address", listenAddr,
		dir,
	)
	minioServer.Env = append(os.Environ(),
		"MINIO_ROOT_USER="+testAccessKey,
		"MINIO_ROOT_PASSWORD="+testSecretKey,
	)

	rpipe, wpipe, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	logWg := &sync.WaitGroup{}
	logWg.Add(1)
	go func() {
		defer logWg.Done()
		brdr := bufio.NewReader(rpipe)
		for {
			line, err := brdr.ReadString('\n')
			if err != nil {
				return
			}
			if len(line) == 0 {
				continue
			}
			t.Logf("minio: %s", line[:len(line)-1])
		}
	}()

	t.Cleanup(func() {
		logWg.Wait()
	})

	minioServer.Stderr = wpipe
	minioServer.Stdout = wpipe

	err = minioServer.Start()
	if err != nil {
		t.Fatal(err)
	}
	_ = wpipe.Close()

	t.Cleanup(func() {
		_ = minioServer.Process.Signal(syscall.SIGTERM)
		_, _ = minioServer.Process.Wait()
	})

	up := false
	for i := 0; i < 2000; i++ {
		c, err := net.Dial("tcp", listenAddr)
		if err == nil {
			up = true
			_ = c.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !up {
		t.Fatal("minio server never came up")
	}

	client, err := minio.New(listenAddr, &minio.Options{
		Creds:  miniocredentials.NewStaticV4(testAccessKey, testSecretKey, ""),
		Secure: false,
	})
	if err != nil {
		t.Fatal(err)
	}
	bucketMade := false
	for i := 0; i < 200; i++ {
		err = client.MakeBucket(context.Background(), testBucket, minio.MakeBucketOptions{})
		if err == nil {
			bucketMade = true
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !bucketMade {
		t.Fatalf("unable to create test bucket: %s", err)
	}

	return &MinioTestServer{
		t:          t,
		ListenAddr: listenAddr,
		StorageSpec: fmt.Sprintf(
			"s3://%s:%s@%s/?bucket=%s&secure=false",
			testAccessKey, testSecretKey, listenAddr, testBucket,
		),
		minioServer: minioServer,
	}
}

func (s *MinioTestServer) Dial() objfs.ObjectStorageEngine {
	store, err := objfs.NewObjectStorageEngine(s.StorageSpec)
	if err != nil {
		s.t.Fatal(err)
	}
	return store
}
