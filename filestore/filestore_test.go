package filestore

import (
	"context"
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

func TestCleanKey(t *testing.T) {
	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{key: "reports/daily.json", want: "reports/daily.json"},
		{key: "/reports//daily.json", want: "reports/daily.json"},
		{key: `reports\daily.json`, want: "reports/daily.json"},
		{key: "  notes.txt ", want: "notes.txt"},
		{key: "", wantErr: true},
		{key: ".", wantErr: true},
		{key: "../secrets", wantErr: true},
		{key: "a/../../secrets", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := CleanKey(tt.key)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidKey) {
					t.Fatalf("CleanKey(%q) error = %v, want ErrInvalidKey", tt.key, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CleanKey(%q) error = %v", tt.key, err)
			}
			if got != tt.want {
				t.Fatalf("CleanKey(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestLocalStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}

	if err := s.Write(ctx, "digests/a.json", []byte(`{"n":1}`), "application/json"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(ctx, "digests/b.txt", []byte("b"), ""); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(ctx, "other.txt", []byte("o"), ""); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := s.Read(ctx, "/digests/a.json")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != `{"n":1}` {
		t.Fatalf("Read = %q", data)
	}

	objs, err := s.List(ctx, "digests/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objs) != 2 || objs[0].Key != "digests/a.json" || objs[1].Key != "digests/b.txt" {
		t.Fatalf("List = %+v", objs)
	}
	if objs[0].Size != 7 {
		t.Errorf("size = %d, want 7", objs[0].Size)
	}

	if err := s.Delete(ctx, "digests/a.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Read(ctx, "digests/a.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read after delete error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "digests/a.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete error = %v, want ErrNotFound", err)
	}
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	if err := s.Write(context.Background(), "../escape.txt", []byte("x"), ""); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Write error = %v, want ErrInvalidKey", err)
	}
}

func TestLocalStore_CancelledContext(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Read(ctx, "a.txt"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Read error = %v, want context.Canceled", err)
	}
}

func TestNewLocalStore_RequiresRoot(t *testing.T) {
	if _, err := NewLocalStore("  "); err == nil {
		t.Fatal("expected error for blank root")
	}
}

func TestMinioConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     MinioConfig
		wantErr bool
	}{
		{name: "valid", cfg: MinioConfig{Endpoint: "localhost:9000", Bucket: "pipelines"}},
		{name: "missing endpoint", cfg: MinioConfig{Bucket: "pipelines"}, wantErr: true},
		{name: "missing bucket", cfg: MinioConfig{Endpoint: "localhost:9000"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMinioStore_ObjectKeyPrefix(t *testing.T) {
	client, err := minio.New("localhost:9000", &minio.Options{
		Creds: credentials.NewStaticV4("access", "secret", ""),
	})
	if err != nil {
		t.Fatalf("minio.New: %v", err)
	}
	s, err := NewMinioStoreWithClient(client, "pipelines", "/prod/")
	if err != nil {
		t.Fatalf("NewMinioStoreWithClient: %v", err)
	}

	cleaned, object, err := s.objectKey("/digests/a.json")
	if err != nil {
		t.Fatalf("objectKey: %v", err)
	}
	if cleaned != "digests/a.json" || object != "prod/digests/a.json" {
		t.Fatalf("objectKey = (%q, %q)", cleaned, object)
	}
	if _, _, err := s.objectKey("../a"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("objectKey error = %v, want ErrInvalidKey", err)
	}

	if _, err := NewMinioStoreWithClient(nil, "pipelines", ""); err == nil {
		t.Fatal("expected error for nil client")
	}
}
